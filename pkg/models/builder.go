package models

import "time"

type EventBuilder struct {
	event *Event
}

func NewEventBuilder(eventType EventType) *EventBuilder {
	return &EventBuilder{
		event: &Event{
			Type:    eventType,
			Payload: make(Payload),
		},
	}
}

func (b *EventBuilder) WithRequestID(requestID string) *EventBuilder {
	b.event.RequestID = requestID
	return b
}

func (b *EventBuilder) WithStage(stage string) *EventBuilder {
	b.event.Stage = stage
	return b
}

func (b *EventBuilder) WithStatus(status string) *EventBuilder {
	b.event.Status = status
	return b
}

func (b *EventBuilder) WithTimestamp(timestamp time.Time) *EventBuilder {
	b.event.Timestamp = timestamp
	return b
}

func (b *EventBuilder) WithPayload(payload Payload) *EventBuilder {
	b.event.Payload = payload
	return b
}

func (b *EventBuilder) WithFailure(errorCode, errorMessage string, retryCount int) *EventBuilder {
	b.event.ErrorCode = errorCode
	b.event.ErrorMessage = errorMessage
	b.event.RetryCount = retryCount
	return b
}

func (b *EventBuilder) WithFailedStage(stage string) *EventBuilder {
	b.event.FailedStage = stage
	return b
}

func (b *EventBuilder) Build() Event {
	if b.event.Timestamp.IsZero() {
		b.event.Timestamp = time.Now().UTC()
	}
	return *b.event
}
