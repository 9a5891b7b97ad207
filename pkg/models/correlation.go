package models

import (
	"bytes"
	"encoding/json"
	"fmt"

	"onboarding/pkg/errors"
)

// UnknownCorrelationID is recorded when no correlation id can be recovered from a payload.
const UnknownCorrelationID = "UNKNOWN"

const correlationIDField = "requestId"

// CorrelationIDer is implemented by every payload type that knows which saga it belongs to.
type CorrelationIDer interface {
	CorrelationID() string
}

// ExtractCorrelationID recovers the correlation id from raw message bytes. It always
// returns a usable id; the error only explains why UnknownCorrelationID was returned.
func ExtractCorrelationID(body []byte) (string, error) {
	var evt Event
	if err := json.Unmarshal(body, &evt); err == nil {
		if id := correlationIDOf(evt); id != "" {
			return id, nil
		}
	}

	var generic map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return UnknownCorrelationID, errors.ErrExtraction.WithCause(err)
	}

	switch raw := generic[correlationIDField].(type) {
	case string:
		if raw != "" {
			return raw, nil
		}
	case json.Number:
		return raw.String(), nil
	case nil:
	default:
		return UnknownCorrelationID, errors.ErrExtraction.WithDetail("message",
			fmt.Sprintf("requestId has unsupported type %T", raw))
	}

	return UnknownCorrelationID, errors.ErrExtraction.WithDetail("message", "payload carries no requestId")
}

func correlationIDOf(v interface{}) string {
	if c, ok := v.(CorrelationIDer); ok {
		return c.CorrelationID()
	}
	return ""
}
