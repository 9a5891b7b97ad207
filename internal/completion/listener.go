package completion

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

// Listener closes the success path: every notification.sent event becomes one
// OnboardingCompleted event. Redeliveries produce duplicates.
type Listener struct {
	producer broker.Producer
	logger   logger.Logger
}

func NewListener(producer broker.Producer, log logger.Logger) *Listener {
	return &Listener{
		producer: producer,
		logger:   log,
	}
}

// OnFinalStageSucceeded publishes the terminal success event for evt and
// returns it. A publish failure is logged; the returned error only reports it.
func (l *Listener) OnFinalStageSucceeded(ctx context.Context, evt models.Event) (models.Event, error) {
	ctx, span := tracing.GetTracer("completion-service").Start(ctx, "completion.complete")
	defer span.End()

	ctx = logging.WithRequestID(ctx, evt.RequestID)

	completed := models.NewEventBuilder(models.EventTypeOnboardingCompleted).
		WithRequestID(evt.RequestID).
		WithStatus(constants.StatusCompleted).
		WithPayload(evt.Payload).
		Build()

	msg, err := broker.NewEventMessage(completed)
	if err != nil {
		return completed, err
	}

	if err := l.producer.Publish(ctx, constants.ExchangeName, constants.RoutingKeyOnboardingCompleted, msg); err != nil {
		metrics.IncPublishFailure("completion-listener", constants.RoutingKeyOnboardingCompleted)
		l.logger.ErrorwCtx(ctx, "Failed to publish onboarding completion",
			"routing_key", constants.RoutingKeyOnboardingCompleted,
			"error", err,
		)
		return completed, err
	}

	metrics.IncOnboardingOutcome("completed")
	l.logger.InfowCtx(ctx, "Onboarding completed")
	return completed, nil
}

// Handler consumes completion.queue and always acknowledges.
func (l *Listener) Handler() broker.HandlerFunc {
	return func(ctx context.Context, d broker.Delivery) error {
		evt, err := broker.DecodeEvent(d.Body)
		if err != nil {
			l.logger.ErrorwCtx(ctx, "Dropping undecodable completion event",
				"queue", d.Queue,
				"error", err,
			)
			return nil
		}
		_, _ = l.OnFinalStageSucceeded(ctx, evt)
		return nil
	}
}
