package tracing

import (
	"context"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"onboarding/internal/config"
)

func sampledContext(t *testing.T) (context.Context, trace.SpanContext) {
	t.Helper()
	otel.SetTextMapPropagator(propagation.TraceContext{})

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
	return trace.ContextWithSpanContext(context.Background(), sc), sc
}

func TestHeaders_RoundTrip(t *testing.T) {
	ctx, sc := sampledContext(t)

	headers := map[string]interface{}{"x-delivery-count": int32(1)}
	InjectHeaders(ctx, headers)
	require.Contains(t, headers, "traceparent")
	assert.Equal(t, int32(1), headers["x-delivery-count"])

	// AMQP tables may hand the value back as bytes.
	headers["traceparent"] = []byte(headers["traceparent"].(string))

	extracted := trace.SpanContextFromContext(ExtractHeaders(context.Background(), headers))
	assert.Equal(t, sc.TraceID(), extracted.TraceID())
	assert.Equal(t, sc.SpanID(), extracted.SpanID())
}

func TestExtractHeaders_Nil(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, ctx, ExtractHeaders(ctx, nil))
}

func TestInjectTraceContext_Kafka(t *testing.T) {
	ctx, sc := sampledContext(t)

	headers := []kafka.Header{
		{Key: "routing-key", Value: []byte("onboarding.failed")},
		{Key: "traceparent", Value: []byte("stale")},
	}
	headers = InjectTraceContext(ctx, headers)

	require.Len(t, headers, 2)
	assert.Equal(t, "routing-key", headers[0].Key)
	assert.Contains(t, string(headers[1].Value), sc.TraceID().String())
}

func TestNewSampler(t *testing.T) {
	tests := []struct {
		cfg         config.SamplerConfig
		description string
	}{
		{config.SamplerConfig{Type: "always_off"}, sdktrace.NeverSample().Description()},
		{config.SamplerConfig{Type: "traceidratio", Param: 0.25}, sdktrace.TraceIDRatioBased(0.25).Description()},
		{config.SamplerConfig{Type: "parentbased_always_on"}, sdktrace.ParentBased(sdktrace.AlwaysSample()).Description()},
		{config.SamplerConfig{Type: "unknown"}, sdktrace.AlwaysSample().Description()},
	}

	for _, tt := range tests {
		t.Run(tt.cfg.Type, func(t *testing.T) {
			assert.Equal(t, tt.description, newSampler(tt.cfg).Description())
		})
	}
}

func TestInit_Disabled(t *testing.T) {
	tp, err := Init(context.Background(), config.TracingConfig{Enabled: false}, "kyc-service")
	require.NoError(t, err)
	assert.NotNil(t, tp.Tracer("kyc-service"))
	assert.NoError(t, tp.Shutdown(context.Background()))
}
