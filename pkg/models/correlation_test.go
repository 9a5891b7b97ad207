package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "onboarding/pkg/errors"
)

func TestExtractCorrelationID(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    string
		wantErr bool
	}{
		{name: "typed event", body: `{"eventType":"OnboardingRequested","requestId":"req-1"}`, want: "req-1"},
		{name: "untyped map", body: `{"requestId":"req-2","something":"else"}`, want: "req-2"},
		{name: "numeric id", body: `{"requestId":12345}`, want: "12345"},
		{name: "large numeric id keeps its digits", body: `{"requestId":12345678}`, want: "12345678"},
		{name: "boolean id", body: `{"requestId":true}`, want: UnknownCorrelationID, wantErr: true},
		{name: "object id", body: `{"requestId":{"value":"r-1"}}`, want: UnknownCorrelationID, wantErr: true},
		{name: "empty string id", body: `{"requestId":""}`, want: UnknownCorrelationID, wantErr: true},
		{name: "missing id", body: `{"customerId":"c-1"}`, want: UnknownCorrelationID, wantErr: true},
		{name: "null id", body: `{"requestId":null}`, want: UnknownCorrelationID, wantErr: true},
		{name: "not json", body: `not json at all`, want: UnknownCorrelationID, wantErr: true},
		{name: "empty", body: ``, want: UnknownCorrelationID, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractCorrelationID([]byte(tt.body))
			assert.Equal(t, tt.want, got)
			if tt.wantErr {
				require.Error(t, err)
				appErr, ok := apperrors.AsError(err)
				require.True(t, ok)
				assert.Equal(t, apperrors.ErrExtraction.Code, appErr.Code)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestExtractCorrelationID_DoesNotLeakDetails(t *testing.T) {
	_, err := ExtractCorrelationID([]byte(`{}`))
	require.Error(t, err)
	assert.Empty(t, apperrors.ErrExtraction.Details)
}

func TestEventJSONShape(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	evt := NewEventBuilder(EventTypeOnboardingFailed).
		WithRequestID("req-9").
		WithTimestamp(ts).
		WithFailure("KYC_FAILED", "processing failed after retries", 3).
		WithFailedStage("KYC").
		Build()

	body, err := json.Marshal(evt)
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &raw))

	assert.Equal(t, "OnboardingFailed", raw["eventType"])
	assert.Equal(t, "req-9", raw["requestId"])
	assert.Equal(t, "KYC", raw["failedStage"])
	assert.Equal(t, "KYC_FAILED", raw["errorCode"])
	assert.Equal(t, float64(3), raw["retryCount"])
	assert.NotContains(t, raw, "stage")
}

func TestValidateEvent(t *testing.T) {
	valid := NewEventBuilder(EventTypeStageCompleted).WithRequestID("r").WithStage("KYC").Build()
	assert.NoError(t, ValidateEvent(&valid))

	assert.Error(t, ValidateEvent(nil))

	noID := NewEventBuilder(EventTypeStageCompleted).Build()
	assert.Error(t, ValidateEvent(&noID))

	failureNoCode := NewEventBuilder(EventTypeStageFailed).WithRequestID("r").Build()
	assert.Error(t, ValidateEvent(&failureNoCode))

	terminalNoStage := NewEventBuilder(EventTypeOnboardingFailed).
		WithRequestID("r").
		WithFailure("KYC_FAILED", "x", 3).
		Build()
	var vErr *ValidationError
	require.ErrorAs(t, ValidateEvent(&terminalNoStage), &vErr)
	assert.Equal(t, "failedStage", vErr.Field)
}

func TestPayloadHelpers(t *testing.T) {
	p := Payload{"name": "Jane", "age": 42}

	assert.Equal(t, "Jane", p.GetString("name"))
	assert.Equal(t, "42", p.GetString("age"))
	assert.Equal(t, "", p.GetString("missing"))

	clone := p.Clone()
	clone["name"] = "John"
	assert.Equal(t, "Jane", p.GetString("name"))

	var nilPayload Payload
	_, ok := nilPayload.Get("x")
	assert.False(t, ok)
}
