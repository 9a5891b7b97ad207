package stage

import (
	"context"
	"fmt"
	"time"

	"onboarding/internal/broker"
	"onboarding/internal/constants"
	"onboarding/internal/logger"
	"onboarding/internal/saga"
	"onboarding/pkg/errors"
	"onboarding/pkg/logging"
	"onboarding/pkg/metrics"
	"onboarding/pkg/models"
	"onboarding/pkg/retry"
	"onboarding/pkg/tracing"
)

const (
	outcomeCompleted    = "completed"
	outcomeRejected     = "rejected"
	outcomeDeadLettered = "dead_lettered"
	outcomeRequeued     = "requeued"
	outcomeError        = "error"
)

// Wrapper runs a stage function against deliveries from the stage's primary
// queue. Each message ends in exactly one of: a success event on the stage's
// success key, a rejection event on its failure key, or a dead letter on its DLQ.
type Wrapper struct {
	stage       saga.Stage
	fn          Func
	producer    broker.Producer
	policy      retry.Policy
	triggers    *Triggers
	logger      logger.Logger
	serviceName string
}

type Option func(*Wrapper)

func WithTriggers(t *Triggers) Option {
	return func(w *Wrapper) {
		w.triggers = t
	}
}

func WithServiceName(name string) Option {
	return func(w *Wrapper) {
		w.serviceName = name
	}
}

func NewWrapper(stage saga.Stage, fn Func, producer broker.Producer, policy retry.Policy, log logger.Logger, opts ...Option) *Wrapper {
	w := &Wrapper{
		stage:       stage,
		fn:          fn,
		producer:    producer,
		policy:      policy,
		logger:      log,
		serviceName: stage.ID + "-service",
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Wrapper) Stage() saga.Stage {
	return w.stage
}

// Process handles one delivery. A nil return acknowledges it. An error wrapping
// broker.ErrRequeue hands it back to the queue; any other error rejects it so the
// queue's dead-letter arguments take over.
func (w *Wrapper) Process(ctx context.Context, d broker.Delivery) error {
	ctx, span := tracing.GetTracer(w.serviceName).Start(ctx, "stage.process "+w.stage.ID)
	defer span.End()

	start := time.Now()
	ctx = logging.WithStage(ctx, w.stage.Name)

	evt, err := broker.DecodeEvent(d.Body)
	if err != nil {
		w.logger.ErrorwCtx(ctx, "Malformed stage message",
			"queue", d.Queue,
			"routing_key", d.RoutingKey,
			"error", err,
		)
		return w.finish(ctx, start, outcomeDeadLettered, w.deadLetter(ctx, d, deliveryCount(d), constants.DeathReasonFatal))
	}
	if evt.RequestID != "" {
		ctx = logging.WithRequestID(ctx, evt.RequestID)
	}

	count := deliveryCount(d)
	policy := w.policy.WithMaxAttempts(w.policy.MaxAttempts - (count - 1))

	var out models.Payload
	attempts, err := retry.Do(ctx, policy,
		func(attempt int) error {
			result, err := w.attempt(ctx, evt)
			if err != nil {
				return err
			}
			out = result
			return nil
		},
		func(attempt int, err error, nextDelay time.Duration) {
			metrics.RetryAttemptsTotal.WithLabelValues(w.serviceName, d.Queue).Inc()
			w.logger.WarnwCtx(ctx, "Stage attempt failed, retrying",
				"attempt", attempt,
				"max_attempts", policy.MaxAttempts,
				"next_delay_ms", nextDelay.Milliseconds(),
				"error", err,
			)
		},
	)

	switch {
	case err == nil:
		return w.finish(ctx, start, outcomeCompleted, w.publishCompleted(ctx, evt, out))

	case ctx.Err() != nil:
		w.logger.InfowCtx(ctx, "Stage interrupted, returning message to queue",
			"attempts", attempts,
		)
		return w.finish(ctx, start, outcomeRequeued, fmt.Errorf("%w: stage %s interrupted: %v", broker.ErrRequeue, w.stage.ID, ctx.Err()))

	case errors.IsTerminal(err):
		w.logger.WarnwCtx(ctx, "Stage rejected request",
			"attempts", attempts,
			"error", err,
		)
		return w.finish(ctx, start, outcomeRejected, w.publishRejected(ctx, evt, err, attempts))

	default:
		reason := constants.DeathReasonRetryExhausted
		if errors.IsFatal(err) {
			reason = constants.DeathReasonFatal
		}
		w.logger.ErrorwCtx(ctx, "Stage failed, dead-lettering message",
			"attempts", attempts,
			"delivery_count", count,
			"reason", reason,
			"error", err,
		)
		return w.finish(ctx, start, outcomeDeadLettered, w.deadLetter(ctx, d, count, reason))
	}
}

func (w *Wrapper) attempt(ctx context.Context, evt models.Event) (out models.Payload, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.RecoverPanic(rec)
		}
	}()

	if err := w.triggers.Check(ctx, evt); err != nil {
		return nil, err
	}
	return w.fn(ctx, evt.Payload.Clone())
}

func (w *Wrapper) publishCompleted(ctx context.Context, in models.Event, out models.Payload) error {
	evt := models.NewEventBuilder(models.EventTypeStageCompleted).
		WithRequestID(in.RequestID).
		WithStage(w.stage.Name).
		WithStatus(constants.StatusCompleted).
		WithPayload(out).
		Build()

	if err := w.publish(ctx, constants.ExchangeName, w.stage.SuccessKey, evt); err != nil {
		return err
	}

	w.logger.InfowCtx(ctx, "Stage completed",
		"routing_key", w.stage.SuccessKey,
	)
	return nil
}

func (w *Wrapper) publishRejected(ctx context.Context, in models.Event, cause error, attempts int) error {
	code := w.stage.ErrorCode
	message := cause.Error()
	if appErr, ok := errors.AsError(cause); ok {
		code = appErr.Code
		message = appErr.Message
	}

	evt := models.NewEventBuilder(models.EventTypeStageFailed).
		WithRequestID(in.RequestID).
		WithStage(w.stage.Name).
		WithStatus(constants.StatusFailed).
		WithPayload(in.Payload).
		WithFailure(code, message, attempts).
		Build()

	return w.publish(ctx, constants.ExchangeName, w.stage.FailureKey, evt)
}

func (w *Wrapper) publish(ctx context.Context, exchange, routingKey string, evt models.Event) error {
	msg, err := broker.NewEventMessage(evt)
	if err != nil {
		return err
	}

	pubCtx, cancel := terminalContext(ctx)
	defer cancel()

	if err := w.producer.Publish(pubCtx, exchange, routingKey, msg); err != nil {
		metrics.IncPublishFailure(w.serviceName, routingKey)
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", broker.ErrRequeue, err)
		}
		return fmt.Errorf("failed to publish %s: %w", routingKey, err)
	}
	return nil
}

// terminalContext keeps ctx's values but not its cancellation. An outcome
// publish is bounded by TerminalPublishTimeout only.
func terminalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), constants.TerminalPublishTimeout)
}

// deadLetter publishes the original bytes to the dead-letter exchange on the
// stage's DLQ key. When that fails the returned error makes the consumer reject
// the delivery, and the queue's own dead-letter arguments route it instead.
func (w *Wrapper) deadLetter(ctx context.Context, d broker.Delivery, count int, reason string) error {
	headers := make(map[string]interface{}, len(d.Headers)+3)
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[constants.HeaderOriginalRoutingKey] = d.RoutingKey
	headers[constants.HeaderDeliveryCount] = int32(count)
	headers[constants.HeaderDeathReason] = reason

	msg := broker.Message{
		Body:          d.Body,
		Headers:       headers,
		MessageID:     d.MessageID,
		CorrelationID: d.CorrelationID,
		Timestamp:     d.Timestamp,
	}

	pubCtx, cancel := terminalContext(ctx)
	defer cancel()

	if err := w.producer.Publish(pubCtx, constants.DeadLetterExchangeName, w.stage.DLQName, msg); err != nil {
		metrics.IncPublishFailure(w.serviceName, w.stage.DLQName)
		w.logger.ErrorwCtx(ctx, "Failed to publish dead letter, rejecting delivery",
			"dlq", w.stage.DLQName,
			"error", err,
		)
		return fmt.Errorf("failed to dead-letter to %s: %w", w.stage.DLQName, err)
	}

	metrics.DLQMessagesTotal.WithLabelValues(w.serviceName, d.Queue, reason).Inc()
	return nil
}

func (w *Wrapper) finish(ctx context.Context, start time.Time, outcome string, err error) error {
	switch {
	case broker.IsRequeue(err):
		outcome = outcomeRequeued
	case err != nil:
		outcome = outcomeError
	}
	metrics.IncStageMessage(w.stage.ID, outcome)
	metrics.ObserveStageDuration(w.stage.ID, outcome, time.Since(start))
	return err
}

// deliveryCount is how many times the broker has handed this message to a
// consumer, this delivery included.
func deliveryCount(d broker.Delivery) int {
	if n, ok := d.HeaderInt(constants.HeaderDeliveryCount); ok && n >= 0 {
		return n + 1
	}
	if d.Redelivered {
		return 2
	}
	return 1
}
