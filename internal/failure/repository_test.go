package failure

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"onboarding/internal/config"
)

func TestMemoryRepository(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, repo.Insert(ctx, &Record{RequestID: "r1", Stage: "IDENTITY", FailedAt: now.Add(time.Second)}))
	require.NoError(t, repo.Insert(ctx, &Record{RequestID: "r1", Stage: "KYC", FailedAt: now}))
	require.NoError(t, repo.Insert(ctx, &Record{RequestID: "r2", Stage: "KYC"}))

	records, err := repo.ListByRequestID(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "KYC", records[0].Stage)
	assert.Equal(t, "IDENTITY", records[1].Stage)
	assert.NotEqual(t, records[0].ID, records[1].ID)

	none, err := repo.ListByRequestID(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, none)

	all := repo.All()
	require.Len(t, all, 3)
	assert.False(t, all[2].FailedAt.IsZero())
}

func TestCircuitBreakerRepository(t *testing.T) {
	t.Run("disabled passes through", func(t *testing.T) {
		inner := NewMemoryRepository()
		repo := NewCircuitBreakerRepository(inner, config.CircuitBreakerConfig{})

		require.NoError(t, repo.Insert(context.Background(), &Record{RequestID: "r1"}))
		records, err := repo.ListByRequestID(context.Background(), "r1")
		require.NoError(t, err)
		assert.Len(t, records, 1)
		assert.Equal(t, "disabled", repo.State())
	})

	t.Run("opens on a failing store", func(t *testing.T) {
		repo := NewCircuitBreakerRepository(failingRepository{}, config.CircuitBreakerConfig{
			Enabled:      true,
			Timeout:      time.Minute,
			FailureRatio: 0.5,
			MinRequests:  2,
		})

		for i := 0; i < 2; i++ {
			require.Error(t, repo.Insert(context.Background(), &Record{RequestID: "r1"}))
		}
		assert.Equal(t, "open", repo.State())

		_, err := repo.ListByRequestID(context.Background(), "r1")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "circuit breaker is open")
	})
}

func TestRecordFromEvent(t *testing.T) {
	evt := stageFailed("r9")
	rec := RecordFromEvent(evt, SourceStageFailed)

	assert.Equal(t, "r9", rec.RequestID)
	assert.Equal(t, "KYC", rec.Stage)
	assert.Equal(t, "KYC_FAILED", rec.ErrorCode)
	assert.Equal(t, 3, rec.RetryCount)
	assert.Equal(t, evt.Timestamp, rec.FailedAt)
	assert.Empty(t, rec.ID)
}
