package failure

import (
	"time"

	"github.com/google/uuid"

	"onboarding/pkg/models"
)

// Source says which component wrote a record.
type Source string

const (
	SourceDeadLetter  Source = "dead_letter"
	SourceStageFailed Source = "stage_failed"
)

// Record is one append-only entry in the failure log. Records are never
// updated or deleted.
type Record struct {
	ID           string    `json:"id" bson:"_id"`
	RequestID    string    `json:"requestId" bson:"request_id"`
	Stage        string    `json:"stage" bson:"stage"`
	ErrorCode    string    `json:"errorCode" bson:"error_code"`
	ErrorMessage string    `json:"errorMessage" bson:"error_message"`
	RetryCount   int       `json:"retryCount" bson:"retry_count"`
	FailedAt     time.Time `json:"failedAt" bson:"failed_at"`
	Source       Source    `json:"source" bson:"source"`
}

// RecordFromEvent builds the record for a StageFailed event.
func RecordFromEvent(evt models.Event, source Source) *Record {
	failedAt := evt.Timestamp
	if failedAt.IsZero() {
		failedAt = time.Now().UTC()
	}
	return &Record{
		RequestID:    evt.RequestID,
		Stage:        evt.Stage,
		ErrorCode:    evt.ErrorCode,
		ErrorMessage: evt.ErrorMessage,
		RetryCount:   evt.RetryCount,
		FailedAt:     failedAt,
		Source:       source,
	}
}

// prepare fills in the store-assigned fields.
func (r *Record) prepare() {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.FailedAt.IsZero() {
		r.FailedAt = time.Now().UTC()
	}
}
