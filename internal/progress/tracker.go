package progress

import (
	"context"
	"time"

	"onboarding/internal/broker"
	"onboarding/internal/logger"
	"onboarding/internal/saga"
	"onboarding/pkg/logging"
	"onboarding/pkg/metrics"
	"onboarding/pkg/models"
)

// Tracker projects every saga event into a per-request progress record. The
// projection is advisory: events are recorded in arrival order and nothing is
// checked against what was seen before.
type Tracker struct {
	registry *saga.Registry
	repo     Repository
	logger   logger.Logger
	now      func() time.Time
}

func NewTracker(registry *saga.Registry, repo Repository, log logger.Logger) *Tracker {
	return &Tracker{
		registry: registry,
		repo:     repo,
		logger:   log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Observe records d and returns the entry it produced. Events whose routing key
// maps to no state, or whose correlation id cannot be recovered, are skipped.
func (t *Tracker) Observe(ctx context.Context, d broker.Delivery) (Entry, bool) {
	state, stage := t.registry.StateFor(d.RoutingKey)
	if state == saga.StateUnknown {
		metrics.IncProgressUpdate(string(state), "skipped")
		return Entry{}, false
	}

	requestID, err := models.ExtractCorrelationID(d.Body)
	if err != nil {
		metrics.IncProgressUpdate(string(state), "skipped")
		t.logger.WarnwCtx(ctx, "Skipping progress event without request id",
			"routing_key", d.RoutingKey,
			"error", err,
		)
		return Entry{}, false
	}
	ctx = logging.WithRequestID(ctx, requestID)

	if stage == "" && state == saga.StateFailed {
		if evt, err := broker.DecodeEvent(d.Body); err == nil {
			stage = evt.FailedStage
		}
	}

	entry := Entry{
		State:      state,
		Stage:      stage,
		RoutingKey: d.RoutingKey,
		UpdatedAt:  t.now(),
	}

	if err := t.repo.Record(ctx, requestID, entry); err != nil {
		metrics.IncProgressUpdate(string(state), "error")
		t.logger.ErrorwCtx(ctx, "Failed to record progress",
			"state", state,
			"error", err,
		)
		return entry, false
	}

	metrics.IncProgressUpdate(string(state), "success")
	t.logger.DebugwCtx(ctx, "Progress recorded",
		"state", state,
		"stage", stage,
	)
	return entry, true
}

func (t *Tracker) Get(ctx context.Context, requestID string) (*Snapshot, error) {
	return t.repo.Get(ctx, requestID)
}

// Handler consumes progress.queue. The projection never blocks the saga, so
// every delivery is acknowledged.
func (t *Tracker) Handler() broker.HandlerFunc {
	return func(ctx context.Context, d broker.Delivery) error {
		t.Observe(ctx, d)
		return nil
	}
}
