package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"onboarding/internal/constants"
	"onboarding/internal/saga"
	"onboarding/pkg/errors"
)

// Entry is one observed saga event.
type Entry struct {
	State      saga.State `json:"state"`
	Stage      string     `json:"stage,omitempty"`
	RoutingKey string     `json:"routingKey"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// Snapshot is the latest entry for a request plus everything observed before it.
type Snapshot struct {
	RequestID string  `json:"requestId"`
	Current   Entry   `json:"current"`
	History   []Entry `json:"history"`
}

type Repository interface {
	Record(ctx context.Context, requestID string, entry Entry) error
	Get(ctx context.Context, requestID string) (*Snapshot, error)
}

// RedisRepository keeps the latest entry in a hash and the history in a list,
// both expiring after ttl.
type RedisRepository struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisRepository(client *redis.Client, ttl time.Duration) *RedisRepository {
	if ttl <= 0 {
		ttl = constants.DefaultProgressTTLSeconds * time.Second
	}
	return &RedisRepository{client: client, ttl: ttl}
}

func stateKey(requestID string) string {
	return constants.CacheKeyPrefixProgress + requestID
}

func historyKey(requestID string) string {
	return constants.CacheKeyPrefixProgress + requestID + constants.CacheKeySuffixHistory
}

func (r *RedisRepository) Record(ctx context.Context, requestID string, entry Entry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal progress entry: %w", err)
	}

	sk, hk := stateKey(requestID), historyKey(requestID)
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, sk,
		"state", string(entry.State),
		"stage", entry.Stage,
		"routingKey", entry.RoutingKey,
		"updatedAt", entry.UpdatedAt.Format(time.RFC3339Nano),
	)
	pipe.RPush(ctx, hk, raw)
	pipe.Expire(ctx, sk, r.ttl)
	pipe.Expire(ctx, hk, r.ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis progress update failed: %w", err)
	}
	return nil
}

func (r *RedisRepository) Get(ctx context.Context, requestID string) (*Snapshot, error) {
	fields, err := r.client.HGetAll(ctx, stateKey(requestID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis HGetAll failed: %w", err)
	}
	if len(fields) == 0 {
		return nil, errors.ErrNotFound.WithDetail("requestId", requestID)
	}

	current := Entry{
		State:      saga.State(fields["state"]),
		Stage:      fields["stage"],
		RoutingKey: fields["routingKey"],
	}
	if ts, err := time.Parse(time.RFC3339Nano, fields["updatedAt"]); err == nil {
		current.UpdatedAt = ts
	}

	raw, err := r.client.LRange(ctx, historyKey(requestID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis LRange failed: %w", err)
	}

	history := make([]Entry, 0, len(raw))
	for _, item := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			continue
		}
		history = append(history, e)
	}

	return &Snapshot{RequestID: requestID, Current: current, History: history}, nil
}

// MemoryRepository is the in-process projection used with the memory broker.
// It does not expire entries.
type MemoryRepository struct {
	mu      sync.RWMutex
	entries map[string][]Entry
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{entries: make(map[string][]Entry)}
}

func (r *MemoryRepository) Record(ctx context.Context, requestID string, entry Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	r.entries[requestID] = append(r.entries[requestID], entry)
	r.mu.Unlock()
	return nil
}

func (r *MemoryRepository) Get(ctx context.Context, requestID string) (*Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := r.entries[requestID]
	if len(entries) == 0 {
		return nil, errors.ErrNotFound.WithDetail("requestId", requestID)
	}
	history := make([]Entry, len(entries))
	copy(history, entries)
	return &Snapshot{RequestID: requestID, Current: history[len(history)-1], History: history}, nil
}
