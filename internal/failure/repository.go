package failure

import (
	"context"
	"sort"
	"sync"
)

// Repository is an insert-only store of failure records.
type Repository interface {
	Insert(ctx context.Context, record *Record) error
	ListByRequestID(ctx context.Context, requestID string) ([]Record, error)
}

// MemoryRepository keeps records in process. It backs tests and local runs
// with the in-memory broker.
type MemoryRepository struct {
	mu      sync.RWMutex
	records []Record
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

func (r *MemoryRepository) Insert(ctx context.Context, record *Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	record.prepare()

	r.mu.Lock()
	r.records = append(r.records, *record)
	r.mu.Unlock()
	return nil
}

func (r *MemoryRepository) ListByRequestID(ctx context.Context, requestID string) ([]Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Record
	for _, rec := range r.records {
		if rec.RequestID == requestID {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].FailedAt.Before(out[j].FailedAt)
	})
	return out, nil
}

// All returns every stored record in insertion order.
func (r *MemoryRepository) All() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Record, len(r.records))
	copy(out, r.records)
	return out
}
