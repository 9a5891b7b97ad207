package failure

import (
	"context"

	"onboarding/internal/broker"
	"onboarding/internal/constants"
	"onboarding/internal/logger"
	"onboarding/pkg/logging"
	"onboarding/pkg/metrics"
	"onboarding/pkg/models"
	"onboarding/pkg/tracing"
)

// Aggregator turns StageFailed events into the terminal OnboardingFailed event.
// It does not deduplicate: a redelivered StageFailed produces a second record
// and a second terminal event.
type Aggregator struct {
	repo     Repository
	producer broker.Producer
	logger   logger.Logger
}

func NewAggregator(repo Repository, producer broker.Producer, log logger.Logger) *Aggregator {
	return &Aggregator{
		repo:     repo,
		producer: producer,
		logger:   log,
	}
}

// OnStageFailed records evt and publishes OnboardingFailed. Store and broker
// errors are logged and swallowed.
func (a *Aggregator) OnStageFailed(ctx context.Context, evt models.Event) {
	ctx, span := tracing.GetTracer("failure-service").Start(ctx, "failure.aggregate")
	defer span.End()

	ctx = logging.WithRequestID(ctx, evt.RequestID)
	ctx = logging.WithStage(ctx, evt.Stage)

	record := RecordFromEvent(evt, SourceStageFailed)
	if err := a.repo.Insert(ctx, record); err != nil {
		metrics.IncFailureRecord(evt.Stage, string(SourceStageFailed), "error")
		a.logger.ErrorwCtx(ctx, "Failed to persist failure record",
			"error_code", evt.ErrorCode,
			"error", err,
		)
	} else {
		metrics.IncFailureRecord(evt.Stage, string(SourceStageFailed), "ok")
	}

	terminal := models.NewEventBuilder(models.EventTypeOnboardingFailed).
		WithRequestID(evt.RequestID).
		WithStage(evt.Stage).
		WithStatus(constants.StatusFailed).
		WithFailedStage(evt.Stage).
		WithFailure(evt.ErrorCode, evt.ErrorMessage, evt.RetryCount).
		Build()

	msg, err := broker.NewEventMessage(terminal)
	if err != nil {
		a.logger.ErrorwCtx(ctx, "Failed to encode terminal failure", "error", err)
		return
	}

	if err := a.producer.Publish(ctx, constants.ExchangeName, constants.RoutingKeyOnboardingFailed, msg); err != nil {
		metrics.IncPublishFailure("failure-aggregator", constants.RoutingKeyOnboardingFailed)
		a.logger.ErrorwCtx(ctx, "Failed to publish terminal failure",
			"routing_key", constants.RoutingKeyOnboardingFailed,
			"error", err,
		)
		return
	}

	metrics.IncOnboardingOutcome("failed")
	a.logger.InfowCtx(ctx, "Onboarding failed",
		"failed_stage", evt.Stage,
		"error_code", evt.ErrorCode,
		"retry_count", evt.RetryCount,
	)
}

// Handler consumes a stage's failed queue. Undecodable messages are logged and
// acknowledged.
func (a *Aggregator) Handler() broker.HandlerFunc {
	return func(ctx context.Context, d broker.Delivery) error {
		evt, err := broker.DecodeEvent(d.Body)
		if err != nil {
			a.logger.ErrorwCtx(ctx, "Dropping undecodable failure event",
				"queue", d.Queue,
				"error", err,
			)
			return nil
		}
		a.OnStageFailed(ctx, evt)
		return nil
	}
}
