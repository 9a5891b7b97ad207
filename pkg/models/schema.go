package models

import "fmt"

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

func ValidateEvent(evt *Event) error {
	if evt == nil {
		return &ValidationError{
			Field:   "event",
			Message: "event cannot be nil",
		}
	}

	if evt.Type == "" {
		return &ValidationError{
			Field:   "eventType",
			Message: "event type is required",
		}
	}

	if evt.RequestID == "" {
		return &ValidationError{
			Field:   "requestId",
			Message: "request ID is required",
		}
	}

	if evt.Timestamp.IsZero() {
		return &ValidationError{
			Field:   "timestamp",
			Message: "event timestamp is required",
		}
	}

	if evt.IsFailure() && evt.ErrorCode == "" {
		return &ValidationError{
			Field:   "errorCode",
			Message: "failure events must carry an error code",
		}
	}

	if evt.Type == EventTypeOnboardingFailed && evt.FailedStage == "" {
		return &ValidationError{
			Field:   "failedStage",
			Message: "terminal failure events must carry the failed stage",
		}
	}

	return nil
}

func (p Payload) Get(name string) (interface{}, bool) {
	if p == nil {
		return nil, false
	}

	value, ok := p[name]
	return value, ok
}

func (p Payload) GetString(name string) string {
	value, ok := p.Get(name)
	if !ok || value == nil {
		return ""
	}
	if s, ok := value.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", value)
}

// Clone returns a shallow copy so stage functions never mutate a consumed payload.
func (p Payload) Clone() Payload {
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
