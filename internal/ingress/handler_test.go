package ingress

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"onboarding/internal/broker"
	"onboarding/internal/constants"
	"onboarding/internal/failure"
	"onboarding/internal/logger"
	"onboarding/internal/progress"
	"onboarding/internal/saga"
	"onboarding/pkg/models"
)

type published struct {
	routingKey string
	event      models.Event
}

type recordingProducer struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (p *recordingProducer) Publish(_ context.Context, _, routingKey string, msg broker.Message) error {
	if p.err != nil {
		return p.err
	}
	evt, err := broker.DecodeEvent(msg.Body)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.msgs = append(p.msgs, published{routingKey: routingKey, event: evt})
	p.mu.Unlock()
	return nil
}

func (p *recordingProducer) Close() error { return nil }

func (p *recordingProducer) all() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.msgs...)
}

type fixture struct {
	router   *gin.Engine
	producer *recordingProducer
	failures *failure.MemoryRepository
	progress *progress.MemoryRepository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := &fixture{
		router:   gin.New(),
		producer: &recordingProducer{},
		failures: failure.NewMemoryRepository(),
		progress: progress.NewMemoryRepository(),
	}
	log := logger.NopLogger()
	NewHandler(NewService(f.producer, f.failures, f.progress, log), log).RegisterRoutes(f.router)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func validRequest() OnboardingRequest {
	return OnboardingRequest{
		CustomerID:     "CUST-001",
		Name:           "Jane Doe",
		Email:          "jane@example.com",
		DocumentType:   DocumentTypePassport,
		DocumentNumber: "AB123456",
	}
}

func TestRequestOnboarding_Accepted(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/onboarding", validRequest())
	require.Equal(t, http.StatusOK, w.Code)

	var resp OnboardingResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.RequestID)
	assert.Equal(t, constants.StatusInitiated, resp.Status)
	assert.False(t, resp.Timestamp.IsZero())

	msgs := f.producer.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, constants.RoutingKeyOnboardingRequested, msgs[0].routingKey)

	evt := msgs[0].event
	assert.Equal(t, models.EventTypeOnboardingRequested, evt.Type)
	assert.Equal(t, resp.RequestID, evt.RequestID)
	assert.Equal(t, "CUST-001", evt.Payload.GetString("customerId"))

	data, ok := evt.Payload["customerData"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "jane@example.com", data["email"])
	assert.Equal(t, "AB123456", data["documentNumber"])
}

func TestRequestOnboarding_IDCardSkipsPassportFormat(t *testing.T) {
	f := newFixture(t)

	req := validRequest()
	req.DocumentType = DocumentTypeIDCard
	req.DocumentNumber = "id-card-7"

	w := f.do(t, http.MethodPost, "/api/v1/onboarding", req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequestOnboarding_InvalidInput(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*OnboardingRequest)
		errorCode string
		publishes bool
	}{
		{
			name:      "missing customer id",
			mutate:    func(r *OnboardingRequest) { r.CustomerID = "" },
			errorCode: "VALIDATION_ERROR",
		},
		{
			name:      "invalid email",
			mutate:    func(r *OnboardingRequest) { r.Email = "not-an-email" },
			errorCode: "VALIDATION_ERROR",
		},
		{
			name:      "unsupported document type",
			mutate:    func(r *OnboardingRequest) { r.DocumentType = "DRIVING_LICENCE" },
			errorCode: "UNSUPPORTED_DOCUMENT_TYPE",
			publishes: true,
		},
		{
			name:      "lowercase passport number",
			mutate:    func(r *OnboardingRequest) { r.DocumentNumber = "ab123456" },
			errorCode: "INVALID_DOCUMENT_NUMBER_FORMAT",
			publishes: true,
		},
		{
			name:      "short passport number",
			mutate:    func(r *OnboardingRequest) { r.DocumentNumber = "AB12" },
			errorCode: "INVALID_DOCUMENT_NUMBER_FORMAT",
			publishes: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			req := validRequest()
			tt.mutate(&req)

			w := f.do(t, http.MethodPost, "/api/v1/onboarding", req)
			require.Equal(t, http.StatusBadRequest, w.Code)

			var body map[string]interface{}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.errorCode, body["error_code"])

			msgs := f.producer.all()
			for _, m := range msgs {
				assert.NotEqual(t, constants.RoutingKeyOnboardingRequested, m.routingKey)
			}
			if !tt.publishes {
				assert.Empty(t, msgs)
				return
			}

			require.Len(t, msgs, 1)
			assert.Equal(t, constants.RoutingKeyOnboardingFailed, msgs[0].routingKey)
			assert.Equal(t, ValidationStage, msgs[0].event.FailedStage)
			assert.Equal(t, tt.errorCode, msgs[0].event.ErrorCode)
			assert.Equal(t, 0, msgs[0].event.RetryCount)
		})
	}
}

func TestRequestOnboarding_BrokerUnavailable(t *testing.T) {
	f := newFixture(t)
	f.producer.err = errors.New("connection closed")

	w := f.do(t, http.MethodPost, "/api/v1/onboarding", validRequest())
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestGetFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.failures.Insert(ctx, &failure.Record{
		RequestID:    "r1",
		Stage:        "KYC",
		ErrorCode:    "KYC_FAILED",
		ErrorMessage: "processing failed after retries",
		RetryCount:   3,
		Source:       failure.SourceDeadLetter,
	}))

	w := f.do(t, http.MethodGet, "/api/v1/onboarding/r1/failures", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp FailuresResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Failures, 1)
	assert.Equal(t, "KYC_FAILED", resp.Failures[0].ErrorCode)
	assert.Equal(t, "dead_letter", resp.Failures[0].Source)

	w = f.do(t, http.MethodGet, "/api/v1/onboarding/none/failures", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Empty(t, resp.Failures)
}

func TestGetProgress(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.progress.Record(context.Background(), "r1", progress.Entry{
		State:      saga.StateKYCDone,
		RoutingKey: constants.RoutingKeyKYCCompleted,
		UpdatedAt:  time.Now().UTC(),
	}))

	w := f.do(t, http.MethodGet, "/api/v1/onboarding/r1/progress", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var snap progress.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, saga.StateKYCDone, snap.Current.State)

	w = f.do(t, http.MethodGet, "/api/v1/onboarding/unknown/progress", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetProgress_Disabled(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	log := logger.NopLogger()
	NewHandler(NewService(&recordingProducer{}, failure.NewMemoryRepository(), nil, log), log).RegisterRoutes(router)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/onboarding/r1/progress", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
