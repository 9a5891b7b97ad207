package failure

import (
	"context"

	"onboarding/internal/config"
	"onboarding/pkg/circuitbreaker"
)

// CircuitBreakerRepository stops calling a failing store until it recovers, so
// a database outage fails fast instead of stalling every consumer.
type CircuitBreakerRepository struct {
	repo Repository
	cb   *circuitbreaker.Wrapper
}

func NewCircuitBreakerRepository(repo Repository, cfg config.CircuitBreakerConfig) *CircuitBreakerRepository {
	return &CircuitBreakerRepository{
		repo: repo,
		cb:   circuitbreaker.FromSettings("failure-store", cfg),
	}
}

func (r *CircuitBreakerRepository) Insert(ctx context.Context, record *Record) error {
	return circuitbreaker.Run(ctx, r.cb, func() error {
		return r.repo.Insert(ctx, record)
	})
}

func (r *CircuitBreakerRepository) ListByRequestID(ctx context.Context, requestID string) ([]Record, error) {
	return circuitbreaker.Do(ctx, r.cb, func() ([]Record, error) {
		return r.repo.ListByRequestID(ctx, requestID)
	})
}

func (r *CircuitBreakerRepository) State() string {
	return r.cb.State()
}
