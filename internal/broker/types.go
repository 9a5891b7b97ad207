package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"onboarding/pkg/models"
)

type Producer interface {
	Publish(ctx context.Context, exchange, routingKey string, msg Message) error
	Close() error
}

type Consumer interface {
	Consume(ctx context.Context, queue string, handler HandlerFunc) error
	Close() error
	SetServiceName(name string)
}

// HandlerFunc processes one delivery. Returning nil acknowledges it; returning an
// error rejects it without requeue, which routes it through the queue's
// dead-letter arguments if it has any.
type HandlerFunc func(ctx context.Context, d Delivery) error

// Message is what gets published. Body is opaque to the broker.
type Message struct {
	Body          []byte
	Headers       map[string]interface{}
	MessageID     string
	CorrelationID string
	Timestamp     time.Time
}

// Delivery is a consumed message plus the routing facts the broker attached to it.
type Delivery struct {
	Message
	Exchange    string
	RoutingKey  string
	Queue       string
	Redelivered bool
}

// NewEventMessage serializes evt as JSON and stamps it with a fresh message id.
func NewEventMessage(evt models.Event) (Message, error) {
	body, err := json.Marshal(evt)
	if err != nil {
		return Message{}, fmt.Errorf("failed to marshal %s event: %w", evt.Type, err)
	}

	ts := evt.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	return Message{
		Body:          body,
		Headers:       map[string]interface{}{},
		MessageID:     uuid.NewString(),
		CorrelationID: evt.RequestID,
		Timestamp:     ts,
	}, nil
}

// DecodeEvent parses a delivery body as a saga event.
func DecodeEvent(body []byte) (models.Event, error) {
	var evt models.Event
	if err := json.Unmarshal(body, &evt); err != nil {
		return models.Event{}, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	return evt, nil
}

func cloneHeaders(h map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// HeaderString reads a header as a string, accepting the byte slices some brokers use.
func (d Delivery) HeaderString(key string) string {
	switch v := d.Headers[key].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// HeaderInt reads a numeric header; AMQP tables deliver integers in several widths.
func (d Delivery) HeaderInt(key string) (int, bool) {
	return toInt(d.Headers[key])
}

func toInt(value interface{}) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int8:
		return int(v), true
	case int16:
		return int(v), true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case uint8:
		return int(v), true
	case uint16:
		return int(v), true
	case uint32:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}
