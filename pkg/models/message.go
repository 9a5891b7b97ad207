package models

import "time"

type EventType string

const (
	EventTypeOnboardingRequested EventType = "OnboardingRequested"
	EventTypeStageCompleted      EventType = "StageCompleted"
	EventTypeStageFailed         EventType = "StageFailed"
	EventTypeOnboardingCompleted EventType = "OnboardingCompleted"
	EventTypeOnboardingFailed    EventType = "OnboardingFailed"
)

// Payload is the opaque, stage-specific body carried by an event.
type Payload map[string]interface{}

// Event is the wire representation of every saga event. Failure variants
// populate ErrorCode, ErrorMessage and RetryCount; the terminal failure
// additionally populates FailedStage.
type Event struct {
	Type         EventType `json:"eventType"`
	RequestID    string    `json:"requestId"`
	Timestamp    time.Time `json:"timestamp"`
	Stage        string    `json:"stage,omitempty"`
	Status       string    `json:"status,omitempty"`
	Payload      Payload   `json:"payload,omitempty"`
	ErrorCode    string    `json:"errorCode,omitempty"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	RetryCount   int       `json:"retryCount,omitempty"`
	FailedStage  string    `json:"failedStage,omitempty"`
}

func (e Event) CorrelationID() string {
	return e.RequestID
}

func (e Event) IsFailure() bool {
	return e.Type == EventTypeStageFailed || e.Type == EventTypeOnboardingFailed
}

// DeadLetter is a message that exhausted its retry budget, as seen by a DLQ consumer.
type DeadLetter struct {
	Body               []byte
	Queue              string
	OriginalRoutingKey string
	DeliveryCount      int
	DeathReason        string
}
