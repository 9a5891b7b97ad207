package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"onboarding/internal/constants"
	"onboarding/internal/logger"
	"onboarding/pkg/models"
)

func TestTopicMatches(t *testing.T) {
	tests := []struct {
		pattern string
		key     string
		want    bool
	}{
		{"kyc.completed", "kyc.completed", true},
		{"kyc.completed", "kyc.failed", false},
		{"kyc.*", "kyc.failed", true},
		{"*.failed", "provisioning.failed", true},
		{"*.failed", "kyc.failed.again", false},
		{"#", "onboarding.requested", true},
		{"#", "", true},
		{"kyc.#", "kyc", true},
		{"kyc.#", "kyc.a.b", true},
		{"#.dlq", "kyc.dlq", true},
		{"onboarding.*", "onboarding", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.key, func(t *testing.T) {
			assert.Equal(t, tt.want, TopicMatches(tt.pattern, tt.key))
		})
	}
}

func newTestMemory(t *testing.T) *Memory {
	t.Helper()
	m := NewMemory(logger.NopLogger())
	require.NoError(t, m.DeclareExchange(constants.ExchangeName, constants.ExchangeKindTopic))
	require.NoError(t, m.DeclareExchange(constants.DeadLetterExchangeName, constants.ExchangeKindTopic))
	require.NoError(t, m.DeclareQueue("kyc.queue", map[string]interface{}{
		constants.HeaderDeadLetterExchange:   constants.DeadLetterExchangeName,
		constants.HeaderDeadLetterRoutingKey: "kyc.dlq",
	}))
	require.NoError(t, m.DeclareQueue("kyc.dlq", nil))
	require.NoError(t, m.BindQueue("kyc.queue", "onboarding.requested", constants.ExchangeName))
	require.NoError(t, m.BindQueue("kyc.dlq", "kyc.dlq", constants.DeadLetterExchangeName))
	return m
}

func TestMemory_RoutesByBinding(t *testing.T) {
	m := newTestMemory(t)
	ctx := context.Background()

	require.NoError(t, m.Publish(ctx, constants.ExchangeName, "onboarding.requested", Message{Body: []byte(`{}`)}))
	require.NoError(t, m.Publish(ctx, constants.ExchangeName, "nobody.listens", Message{Body: []byte(`{}`)}))

	assert.Equal(t, 1, m.Depth("kyc.queue"))
	assert.Equal(t, 0, m.Depth("kyc.dlq"))
	assert.Len(t, m.Published(constants.ExchangeName), 2)
}

func TestMemory_PublishToUndeclaredExchange(t *testing.T) {
	m := NewMemory(logger.NopLogger())
	err := m.Publish(context.Background(), "missing", "x", Message{})
	assert.Error(t, err)
}

func TestMemory_RedeclareWithDifferentArgsFails(t *testing.T) {
	m := newTestMemory(t)
	assert.NoError(t, m.DeclareQueue("kyc.queue", map[string]interface{}{
		constants.HeaderDeadLetterExchange:   constants.DeadLetterExchangeName,
		constants.HeaderDeadLetterRoutingKey: "kyc.dlq",
	}))
	assert.Error(t, m.DeclareQueue("kyc.queue", nil))
}

func TestMemory_MaxLengthDropsOldest(t *testing.T) {
	m := newTestMemory(t)
	ctx := context.Background()
	require.NoError(t, m.DeclareQueue("progress.queue", map[string]interface{}{constants.HeaderMaxLength: int32(2)}))
	require.NoError(t, m.BindQueue("progress.queue", "#", constants.ExchangeName))

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, m.Publish(ctx, constants.ExchangeName, "kyc.completed", Message{MessageID: id, Body: []byte(`{}`)}))
	}
	require.Equal(t, 2, m.Depth("progress.queue"))

	first, ok := m.queues["progress.queue"].pop()
	require.True(t, ok)
	assert.Equal(t, "b", first.MessageID)
}

func TestMemory_RejectedDeliveryIsDeadLettered(t *testing.T) {
	m := newTestMemory(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_ = m.Consume(ctx, "kyc.queue", func(ctx context.Context, d Delivery) error {
			return errors.New("boom")
		})
	}()

	require.NoError(t, m.Publish(ctx, constants.ExchangeName, "onboarding.requested", Message{Body: []byte(`{"requestId":"r-1"}`)}))

	require.Eventually(t, func() bool {
		return m.Depth("kyc.dlq") == 1
	}, time.Second, 5*time.Millisecond)

	dead := m.PublishedWithKey(constants.DeadLetterExchangeName, "kyc.dlq")
	require.Len(t, dead, 1)
	assert.Equal(t, "onboarding.requested", dead[0].Headers[constants.HeaderOriginalRoutingKey])
	assert.Contains(t, dead[0].Headers, constants.HeaderDeath)
	assert.JSONEq(t, `{"requestId":"r-1"}`, string(dead[0].Body))
}

func TestMemory_PanickingHandlerIsRejected(t *testing.T) {
	m := newTestMemory(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_ = m.Consume(ctx, "kyc.queue", func(ctx context.Context, d Delivery) error {
			panic("handler exploded")
		})
	}()

	require.NoError(t, m.Publish(ctx, constants.ExchangeName, "onboarding.requested", Message{Body: []byte(`{}`)}))

	require.Eventually(t, func() bool {
		return m.Depth("kyc.dlq") == 1
	}, time.Second, 5*time.Millisecond)
}

func TestMemory_ConsumeStopsOnCancel(t *testing.T) {
	m := newTestMemory(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- m.Consume(ctx, "kyc.queue", func(ctx context.Context, d Delivery) error { return nil })
	}()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop")
	}
}

func TestMemory_DeliversEachMessageOnce(t *testing.T) {
	m := newTestMemory(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	seen := map[string]int{}
	for i := 0; i < 2; i++ {
		go func() {
			_ = m.Consume(ctx, "kyc.queue", func(ctx context.Context, d Delivery) error {
				mu.Lock()
				seen[d.MessageID]++
				mu.Unlock()
				return nil
			})
		}()
	}

	for i := 0; i < 20; i++ {
		evt := models.NewEventBuilder(models.EventTypeOnboardingRequested).WithRequestID("r").Build()
		msg, err := NewEventMessage(evt)
		require.NoError(t, err)
		require.NoError(t, m.Publish(ctx, constants.ExchangeName, "onboarding.requested", msg))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 20
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for id, n := range seen {
		assert.Equal(t, 1, n, id)
	}
}

func TestNewEventMessage(t *testing.T) {
	evt := models.NewEventBuilder(models.EventTypeStageCompleted).
		WithRequestID("req-42").
		WithStage("KYC").
		Build()

	msg, err := NewEventMessage(evt)
	require.NoError(t, err)

	assert.NotEmpty(t, msg.MessageID)
	assert.Equal(t, "req-42", msg.CorrelationID)
	assert.NotNil(t, msg.Headers)

	decoded, err := DecodeEvent(msg.Body)
	require.NoError(t, err)
	assert.Equal(t, "req-42", decoded.RequestID)
	assert.Equal(t, models.EventTypeStageCompleted, decoded.Type)
}

func TestDelivery_HeaderInt(t *testing.T) {
	d := Delivery{Message: Message{Headers: map[string]interface{}{
		"a": int32(3),
		"b": int64(4),
		"c": "nope",
	}}}

	n, ok := d.HeaderInt("a")
	assert.True(t, ok)
	assert.Equal(t, 3, n)

	n, ok = d.HeaderInt("b")
	assert.True(t, ok)
	assert.Equal(t, 4, n)

	_, ok = d.HeaderInt("c")
	assert.False(t, ok)

	_, ok = d.HeaderInt("missing")
	assert.False(t, ok)
}
