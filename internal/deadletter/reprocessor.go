package deadletter

import (
	"context"

	"onboarding/internal/broker"
	"onboarding/internal/constants"
	"onboarding/internal/failure"
	"onboarding/internal/logger"
	"onboarding/internal/saga"
	"onboarding/pkg/logging"
	"onboarding/pkg/metrics"
	"onboarding/pkg/models"
	"onboarding/pkg/tracing"
)

// Reprocessor drains one stage's dead-letter queue. Every envelope becomes a
// failure record and a StageFailed event; the envelope itself is always
// acknowledged and never dead-lettered again.
type Reprocessor struct {
	stage       saga.Stage
	repo        failure.Repository
	producer    broker.Producer
	maxAttempts int
	logger      logger.Logger
}

func NewReprocessor(stage saga.Stage, repo failure.Repository, producer broker.Producer, maxAttempts int, log logger.Logger) *Reprocessor {
	return &Reprocessor{
		stage:       stage,
		repo:        repo,
		producer:    producer,
		maxAttempts: maxAttempts,
		logger:      log,
	}
}

// OnDeadLetter records the envelope and emits the stage's failure event. It
// returns the event it tried to publish.
func (r *Reprocessor) OnDeadLetter(ctx context.Context, env models.DeadLetter) models.Event {
	ctx, span := tracing.GetTracer("failure-service").Start(ctx, "deadletter.reprocess "+r.stage.ID)
	defer span.End()

	ctx = logging.WithStage(ctx, r.stage.Name)

	requestID, err := models.ExtractCorrelationID(env.Body)
	if err != nil {
		r.logger.WarnwCtx(ctx, "Dead letter carries no usable correlation id",
			"queue", env.Queue,
			"error", err,
		)
	}
	ctx = logging.WithRequestID(ctx, requestID)

	record := &failure.Record{
		RequestID:    requestID,
		Stage:        r.stage.Name,
		ErrorCode:    r.stage.ErrorCode,
		ErrorMessage: constants.DeadLetterErrorMessage,
		RetryCount:   r.maxAttempts,
		Source:       failure.SourceDeadLetter,
	}
	if err := r.repo.Insert(ctx, record); err != nil {
		metrics.IncFailureRecord(r.stage.Name, string(failure.SourceDeadLetter), "error")
		r.logger.ErrorwCtx(ctx, "Failed to persist dead-letter record",
			"queue", env.Queue,
			"error", err,
		)
	} else {
		metrics.IncFailureRecord(r.stage.Name, string(failure.SourceDeadLetter), "ok")
	}

	payload := models.Payload{}
	if env.OriginalRoutingKey != "" {
		payload["originalRoutingKey"] = env.OriginalRoutingKey
	}
	if env.DeathReason != "" {
		payload["deathReason"] = env.DeathReason
	}

	evt := models.NewEventBuilder(models.EventTypeStageFailed).
		WithRequestID(requestID).
		WithStage(r.stage.Name).
		WithStatus(constants.StatusFailed).
		WithPayload(payload).
		WithFailure(r.stage.ErrorCode, constants.DeadLetterErrorMessage, r.maxAttempts).
		Build()

	msg, err := broker.NewEventMessage(evt)
	if err != nil {
		r.logger.ErrorwCtx(ctx, "Failed to encode stage failure", "error", err)
		metrics.IncDeadLetterReprocessed(r.stage.ID, "error")
		return evt
	}

	if err := r.producer.Publish(ctx, constants.ExchangeName, r.stage.FailureKey, msg); err != nil {
		metrics.IncPublishFailure("deadletter-reprocessor", r.stage.FailureKey)
		metrics.IncDeadLetterReprocessed(r.stage.ID, "publish_error")
		r.logger.ErrorwCtx(ctx, "Failed to publish stage failure",
			"routing_key", r.stage.FailureKey,
			"error", err,
		)
		return evt
	}

	metrics.IncDeadLetterReprocessed(r.stage.ID, "ok")
	r.logger.InfowCtx(ctx, "Dead letter reprocessed",
		"original_routing_key", env.OriginalRoutingKey,
		"delivery_count", env.DeliveryCount,
		"death_reason", env.DeathReason,
	)
	return evt
}

// Handler consumes the stage's DLQ and always acknowledges.
func (r *Reprocessor) Handler() broker.HandlerFunc {
	return func(ctx context.Context, d broker.Delivery) error {
		r.OnDeadLetter(ctx, Envelope(d))
		return nil
	}
}

// Envelope reads the dead-letter metadata off a DLQ delivery. Messages the
// broker dead-lettered on its own carry x-death instead of our headers.
func Envelope(d broker.Delivery) models.DeadLetter {
	env := models.DeadLetter{
		Body:               d.Body,
		Queue:              d.Queue,
		OriginalRoutingKey: d.HeaderString(constants.HeaderOriginalRoutingKey),
		DeathReason:        d.HeaderString(constants.HeaderDeathReason),
	}
	if n, ok := d.HeaderInt(constants.HeaderDeliveryCount); ok {
		env.DeliveryCount = n
	}

	death, ok := firstDeath(d.Headers[constants.HeaderDeath])
	if !ok {
		return env
	}
	if env.DeathReason == "" {
		if reason, ok := death["reason"].(string); ok {
			env.DeathReason = reason
		}
	}
	if env.OriginalRoutingKey == "" {
		if keys, ok := death["routing-keys"].([]interface{}); ok && len(keys) > 0 {
			if key, ok := keys[0].(string); ok {
				env.OriginalRoutingKey = key
			}
		}
	}
	return env
}

func firstDeath(v interface{}) (map[string]interface{}, bool) {
	deaths, ok := v.([]interface{})
	if !ok || len(deaths) == 0 {
		return nil, false
	}
	d, ok := deaths[0].(map[string]interface{})
	return d, ok
}
