package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// InjectHeaders writes the span context of ctx into AMQP-style message headers.
// headers must be non-nil.
func InjectHeaders(ctx context.Context, headers map[string]interface{}) {
	otel.GetTextMapPropagator().Inject(ctx, tableCarrier(headers))
}

func ExtractHeaders(ctx context.Context, headers map[string]interface{}) context.Context {
	if headers == nil {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, tableCarrier(headers))
}

// StartConsumerSpan continues the trace carried by a delivery's headers.
func StartConsumerSpan(ctx context.Context, operationName string, headers map[string]interface{}) (context.Context, trace.Span) {
	ctx = ExtractHeaders(ctx, headers)
	return GetTracer("onboarding-broker").Start(ctx, operationName, trace.WithSpanKind(trace.SpanKindConsumer))
}

type tableCarrier map[string]interface{}

func (c tableCarrier) Get(key string) string {
	v, ok := c[key]
	if !ok || v == nil {
		return ""
	}
	switch val := v.(type) {
	case string:
		return val
	case []byte:
		return string(val)
	default:
		return fmt.Sprint(val)
	}
}

func (c tableCarrier) Set(key, value string) {
	c[key] = value
}

func (c tableCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
