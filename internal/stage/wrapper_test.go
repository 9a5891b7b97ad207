package stage

import (
	"context"
	stderrors "errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"onboarding/internal/broker"
	"onboarding/internal/config"
	"onboarding/internal/constants"
	"onboarding/internal/logger"
	"onboarding/internal/saga"
	"onboarding/internal/topology"
	"onboarding/pkg/errors"
	"onboarding/pkg/logging"
	"onboarding/pkg/models"
	"onboarding/pkg/retry"
)

func testPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		Multiplier:  2,
		MaxDelay:    10 * time.Millisecond,
	}
}

func newTestBroker(t *testing.T) *broker.Memory {
	t.Helper()
	mem := broker.NewMemory(logger.NopLogger())
	require.NoError(t, topology.NewManager(saga.DefaultRegistry(), logger.NopLogger()).Declare(context.Background(), mem))
	return mem
}

func requestedDelivery(t *testing.T, requestID, customerID string) broker.Delivery {
	t.Helper()
	evt := models.NewEventBuilder(models.EventTypeOnboardingRequested).
		WithRequestID(requestID).
		WithPayload(models.Payload{
			"customerId": customerID,
			"customerData": map[string]interface{}{
				"name":  "Jane Doe",
				"email": "jane@example.com",
			},
		}).
		Build()
	msg, err := broker.NewEventMessage(evt)
	require.NoError(t, err)
	return broker.Delivery{
		Message:    msg,
		Exchange:   constants.ExchangeName,
		RoutingKey: constants.RoutingKeyOnboardingRequested,
		Queue:      "kyc.queue",
	}
}

func countingFunc(failures int, calls *int32) Func {
	return func(ctx context.Context, p models.Payload) (models.Payload, error) {
		n := atomic.AddInt32(calls, 1)
		if int(n) <= failures {
			return nil, stderrors.New("downstream unavailable")
		}
		return KYC(ctx, p)
	}
}

func decode(t *testing.T, d broker.Delivery) models.Event {
	t.Helper()
	evt, err := broker.DecodeEvent(d.Body)
	require.NoError(t, err)
	return evt
}

func kycStage() saga.Stage {
	return saga.DefaultRegistry().MustStage("kyc")
}

func TestWrapper_SuccessCarriesCustomerID(t *testing.T) {
	mem := newTestBroker(t)
	w := NewWrapper(kycStage(), KYC, mem, testPolicy(), logger.NopLogger())

	require.NoError(t, w.Process(context.Background(), requestedDelivery(t, "r1", "c-42")))

	published := mem.PublishedWithKey(constants.ExchangeName, constants.RoutingKeyKYCCompleted)
	require.Len(t, published, 1)

	evt := decode(t, published[0])
	assert.Equal(t, models.EventTypeStageCompleted, evt.Type)
	assert.Equal(t, "r1", evt.RequestID)
	assert.Equal(t, "KYC", evt.Stage)
	assert.Equal(t, "c-42", evt.Payload.GetString("customerId"))
	assert.Equal(t, "BASIC", evt.Payload.GetString("kycLevel"))
	assert.Equal(t, "r1", published[0].CorrelationID)

	assert.Equal(t, 1, mem.Depth("identity.queue"))
	assert.Empty(t, mem.Published(constants.DeadLetterExchangeName))
}

func TestWrapper_TwoFailuresThenSuccess(t *testing.T) {
	mem := newTestBroker(t)
	var calls int32
	w := NewWrapper(kycStage(), countingFunc(2, &calls), mem, testPolicy(), logger.NopLogger())

	require.NoError(t, w.Process(context.Background(), requestedDelivery(t, "r2", "c-1")))

	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Len(t, mem.PublishedWithKey(constants.ExchangeName, constants.RoutingKeyKYCCompleted), 1)
	assert.Empty(t, mem.Published(constants.DeadLetterExchangeName))
}

func TestWrapper_ExhaustedRetriesDeadLetterOnce(t *testing.T) {
	mem := newTestBroker(t)
	var calls int32
	w := NewWrapper(kycStage(), countingFunc(100, &calls), mem, testPolicy(), logger.NopLogger())

	require.NoError(t, w.Process(context.Background(), requestedDelivery(t, "r3", "c-1")))

	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Empty(t, mem.PublishedWithKey(constants.ExchangeName, constants.RoutingKeyKYCCompleted))

	dead := mem.Published(constants.DeadLetterExchangeName)
	require.Len(t, dead, 1)
	assert.Equal(t, "kyc.dlq", dead[0].RoutingKey)
	assert.Equal(t, constants.RoutingKeyOnboardingRequested, dead[0].HeaderString(constants.HeaderOriginalRoutingKey))
	assert.Equal(t, constants.DeathReasonRetryExhausted, dead[0].HeaderString(constants.HeaderDeathReason))
	count, ok := dead[0].HeaderInt(constants.HeaderDeliveryCount)
	require.True(t, ok)
	assert.Equal(t, 1, count)

	assert.Equal(t, "r3", decode(t, dead[0]).RequestID)
	assert.Equal(t, 1, mem.Depth("kyc.dlq"))
}

func TestWrapper_RedeliveriesShareTheBudget(t *testing.T) {
	tests := []struct {
		name          string
		headers       map[string]interface{}
		redelivered   bool
		expectedCalls int32
	}{
		{name: "first delivery", expectedCalls: 3},
		{name: "redelivered flag", redelivered: true, expectedCalls: 2},
		{name: "delivered twice before", headers: map[string]interface{}{constants.HeaderDeliveryCount: int64(2)}, expectedCalls: 1},
		{name: "delivered many times before", headers: map[string]interface{}{constants.HeaderDeliveryCount: int32(9)}, expectedCalls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := newTestBroker(t)
			var calls int32
			w := NewWrapper(kycStage(), countingFunc(100, &calls), mem, testPolicy(), logger.NopLogger())

			d := requestedDelivery(t, "r4", "c-1")
			for k, v := range tt.headers {
				d.Headers[k] = v
			}
			d.Redelivered = tt.redelivered

			require.NoError(t, w.Process(context.Background(), d))
			assert.Equal(t, tt.expectedCalls, atomic.LoadInt32(&calls))
			assert.Len(t, mem.Published(constants.DeadLetterExchangeName), 1)
		})
	}
}

func TestWrapper_RejectionSkipsRetries(t *testing.T) {
	mem := newTestBroker(t)
	var calls int32
	fn := func(ctx context.Context, p models.Payload) (models.Payload, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.NewTerminalStageError("KYC_REJECTED", "customer on sanctions list")
	}
	w := NewWrapper(kycStage(), fn, mem, testPolicy(), logger.NopLogger())

	require.NoError(t, w.Process(context.Background(), requestedDelivery(t, "r5", "c-1")))

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Empty(t, mem.Published(constants.DeadLetterExchangeName))

	failed := mem.PublishedWithKey(constants.ExchangeName, constants.RoutingKeyKYCFailed)
	require.Len(t, failed, 1)
	evt := decode(t, failed[0])
	assert.Equal(t, models.EventTypeStageFailed, evt.Type)
	assert.Equal(t, "KYC_REJECTED", evt.ErrorCode)
	assert.Equal(t, "customer on sanctions list", evt.ErrorMessage)
	assert.Equal(t, 1, evt.RetryCount)
	assert.Equal(t, "KYC", evt.Stage)
	assert.Equal(t, 1, mem.Depth("kyc.failed.queue"))
}

func TestWrapper_MissingCustomerIsRejectedWithoutRetry(t *testing.T) {
	mem := newTestBroker(t)
	var calls int32
	fn := func(ctx context.Context, p models.Payload) (models.Payload, error) {
		atomic.AddInt32(&calls, 1)
		return KYC(ctx, p)
	}
	w := NewWrapper(kycStage(), fn, mem, testPolicy(), logger.NopLogger())

	require.NoError(t, w.Process(context.Background(), requestedDelivery(t, "r-nocust", "")))

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Empty(t, mem.Published(constants.DeadLetterExchangeName))

	failed := mem.PublishedWithKey(constants.ExchangeName, constants.RoutingKeyKYCFailed)
	require.Len(t, failed, 1)
	evt := decode(t, failed[0])
	assert.Equal(t, "KYC_MISSING_CUSTOMER", evt.ErrorCode)
	assert.Equal(t, 1, evt.RetryCount)
}

func TestWrapper_PanicIsDeadLetteredImmediately(t *testing.T) {
	mem := newTestBroker(t)
	var calls int32
	fn := func(ctx context.Context, p models.Payload) (models.Payload, error) {
		atomic.AddInt32(&calls, 1)
		panic("nil map")
	}
	w := NewWrapper(kycStage(), fn, mem, testPolicy(), logger.NopLogger())

	require.NoError(t, w.Process(context.Background(), requestedDelivery(t, "r6", "c-1")))

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	dead := mem.Published(constants.DeadLetterExchangeName)
	require.Len(t, dead, 1)
	assert.Equal(t, constants.DeathReasonFatal, dead[0].HeaderString(constants.HeaderDeathReason))
}

func TestWrapper_MalformedBody(t *testing.T) {
	mem := newTestBroker(t)
	var calls int32
	w := NewWrapper(kycStage(), countingFunc(0, &calls), mem, testPolicy(), logger.NopLogger())

	d := broker.Delivery{
		Message:    broker.Message{Body: []byte("{not json"), Headers: map[string]interface{}{}},
		Exchange:   constants.ExchangeName,
		RoutingKey: constants.RoutingKeyOnboardingRequested,
		Queue:      "kyc.queue",
	}
	require.NoError(t, w.Process(context.Background(), d))

	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
	dead := mem.Published(constants.DeadLetterExchangeName)
	require.Len(t, dead, 1)
	assert.Equal(t, []byte("{not json"), dead[0].Body)
	assert.Equal(t, constants.DeathReasonFatal, dead[0].HeaderString(constants.HeaderDeathReason))
}

// dlxUnavailable fails every publish to the dead-letter exchange.
type dlxUnavailable struct {
	broker.Producer
}

func (p dlxUnavailable) Publish(ctx context.Context, exchange, routingKey string, msg broker.Message) error {
	if exchange == constants.DeadLetterExchangeName {
		return errors.NewPublishError(routingKey, stderrors.New("channel closed"))
	}
	return p.Producer.Publish(ctx, exchange, routingKey, msg)
}

func TestWrapper_DeadLetterPublishFailureFallsBackToQueueArguments(t *testing.T) {
	mem := newTestBroker(t)
	var calls int32
	w := NewWrapper(kycStage(), countingFunc(100, &calls), dlxUnavailable{mem}, testPolicy(), logger.NopLogger())

	err := w.Process(context.Background(), requestedDelivery(t, "r7", "c-1"))
	require.Error(t, err)
	assert.False(t, broker.IsRequeue(err))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = mem.Consume(ctx, "kyc.queue", w.Process) }()

	require.NoError(t, mem.Publish(context.Background(), constants.ExchangeName, constants.RoutingKeyOnboardingRequested, requestedDelivery(t, "r8", "c-1").Message))

	require.Eventually(t, func() bool {
		return mem.Depth("kyc.dlq") == 1
	}, 2*time.Second, 5*time.Millisecond)

	dead := mem.Published(constants.DeadLetterExchangeName)
	require.Len(t, dead, 1)
	assert.Equal(t, "kyc.dlq", dead[0].RoutingKey)
	assert.Equal(t, constants.RoutingKeyOnboardingRequested, dead[0].HeaderString(constants.HeaderOriginalRoutingKey))
}

func TestWrapper_ShutdownRequeues(t *testing.T) {
	mem := newTestBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls int32
	fn := func(context.Context, models.Payload) (models.Payload, error) {
		atomic.AddInt32(&calls, 1)
		cancel()
		return nil, stderrors.New("downstream unavailable")
	}
	policy := testPolicy()
	policy.BaseDelay = time.Hour
	policy.MaxDelay = time.Hour
	w := NewWrapper(kycStage(), fn, mem, policy, logger.NopLogger())

	err := w.Process(ctx, requestedDelivery(t, "r9", "c-1"))
	require.Error(t, err)
	assert.True(t, broker.IsRequeue(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Empty(t, mem.Published(constants.DeadLetterExchangeName))
}

func TestWrapper_Triggers(t *testing.T) {
	triggers, err := NewTriggers("KYC", config.TriggerConfig{
		Transient: []string{`payload.customerId == "flaky"`},
		Reject:    []string{`payload.customerId.startsWith("blocked")`},
	})
	require.NoError(t, err)

	t.Run("transient trigger exhausts retries", func(t *testing.T) {
		mem := newTestBroker(t)
		w := NewWrapper(kycStage(), KYC, mem, testPolicy(), logger.NopLogger(), WithTriggers(triggers))

		require.NoError(t, w.Process(context.Background(), requestedDelivery(t, "r10", "flaky")))
		assert.Len(t, mem.Published(constants.DeadLetterExchangeName), 1)
	})

	t.Run("reject trigger publishes failure", func(t *testing.T) {
		mem := newTestBroker(t)
		w := NewWrapper(kycStage(), KYC, mem, testPolicy(), logger.NopLogger(), WithTriggers(triggers))

		require.NoError(t, w.Process(context.Background(), requestedDelivery(t, "r11", "blocked-7")))
		failed := mem.PublishedWithKey(constants.ExchangeName, constants.RoutingKeyKYCFailed)
		require.Len(t, failed, 1)
		assert.Equal(t, "KYC_REJECTED", decode(t, failed[0]).ErrorCode)
	})

	t.Run("no match passes through", func(t *testing.T) {
		mem := newTestBroker(t)
		w := NewWrapper(kycStage(), KYC, mem, testPolicy(), logger.NopLogger(), WithTriggers(triggers))

		require.NoError(t, w.Process(context.Background(), requestedDelivery(t, "r12", "c-9")))
		assert.Len(t, mem.PublishedWithKey(constants.ExchangeName, constants.RoutingKeyKYCCompleted), 1)
	})
}

func TestNewTriggers_InvalidExpression(t *testing.T) {
	_, err := NewTriggers("KYC", config.TriggerConfig{Transient: []string{"payload.customerId =="}})
	require.Error(t, err)
}

// cancellingProducer delivers a dead letter and then stops the consumer, the way
// a shutdown can land while the broker confirms the publish. It reports the
// publish context's error like a transport whose confirm wait lost to ctx.Done.
type cancellingProducer struct {
	*broker.Memory
	cancel context.CancelFunc
}

func (p *cancellingProducer) Publish(ctx context.Context, exchange, routingKey string, msg broker.Message) error {
	if err := p.Memory.Publish(ctx, exchange, routingKey, msg); err != nil {
		return err
	}
	if exchange != constants.DeadLetterExchangeName {
		return nil
	}
	p.cancel()
	return ctx.Err()
}

func TestWrapper_ShutdownDuringDeadLetterPublishYieldsOneDeadLetter(t *testing.T) {
	mem := newTestBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	producer := &cancellingProducer{Memory: mem, cancel: cancel}
	var calls int32
	w := NewWrapper(kycStage(), countingFunc(100, &calls), producer, testPolicy(), logger.NopLogger())

	d := requestedDelivery(t, "r-shutdown", "c-1")
	require.NoError(t, mem.Publish(context.Background(), constants.ExchangeName, constants.RoutingKeyOnboardingRequested, d.Message))

	err := mem.Consume(ctx, "kyc.queue", w.Process)
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, 1, mem.Depth("kyc.dlq"))
	assert.Equal(t, 0, mem.Depth("kyc.queue"))
}

func TestTerminalContext_IgnoresCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(logging.WithRequestID(context.Background(), "r-1"))
	cancel()

	pubCtx, done := terminalContext(ctx)
	defer done()

	assert.NoError(t, pubCtx.Err())
	assert.Equal(t, "r-1", logging.GetRequestID(pubCtx))
	deadline, ok := pubCtx.Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(constants.TerminalPublishTimeout), deadline, time.Second)
}
