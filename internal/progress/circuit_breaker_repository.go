package progress

import (
	"context"

	"onboarding/internal/config"
	"onboarding/pkg/circuitbreaker"
	"onboarding/pkg/errors"
)

type CircuitBreakerRepository struct {
	repo Repository
	cb   *circuitbreaker.Wrapper
}

func NewCircuitBreakerRepository(repo Repository, cfg config.CircuitBreakerConfig) *CircuitBreakerRepository {
	return &CircuitBreakerRepository{
		repo: repo,
		cb:   circuitbreaker.FromSettings("progress-store", cfg),
	}
}

func (r *CircuitBreakerRepository) Record(ctx context.Context, requestID string, entry Entry) error {
	return circuitbreaker.Run(ctx, r.cb, func() error {
		return r.repo.Record(ctx, requestID, entry)
	})
}

// Get passes not-found through without tripping the breaker.
func (r *CircuitBreakerRepository) Get(ctx context.Context, requestID string) (*Snapshot, error) {
	var missing error
	snap, err := circuitbreaker.Do(ctx, r.cb, func() (*Snapshot, error) {
		snap, err := r.repo.Get(ctx, requestID)
		if errors.IsNotFound(err) {
			missing = err
			return nil, nil
		}
		return snap, err
	})
	if missing != nil {
		return nil, missing
	}
	return snap, err
}

func (r *CircuitBreakerRepository) State() string {
	return r.cb.State()
}
