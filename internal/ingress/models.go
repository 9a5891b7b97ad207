package ingress

import "time"

const (
	DocumentTypePassport = "PASSPORT"
	DocumentTypeIDCard   = "ID_CARD"

	// ValidationStage is the failed stage reported for requests rejected at ingress.
	ValidationStage = "VALIDATION"
)

type OnboardingRequest struct {
	CustomerID     string `json:"customerId" binding:"required"`
	Name           string `json:"name" binding:"required"`
	Email          string `json:"email" binding:"required,email"`
	DocumentType   string `json:"documentType" binding:"required"`
	DocumentNumber string `json:"documentNumber" binding:"required"`
}

type OnboardingResponse struct {
	RequestID string    `json:"requestId"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

type FailuresResponse struct {
	RequestID string          `json:"requestId"`
	Failures  []FailureRecord `json:"failures"`
}

type FailureRecord struct {
	Stage        string    `json:"stage"`
	ErrorCode    string    `json:"errorCode"`
	ErrorMessage string    `json:"errorMessage"`
	RetryCount   int       `json:"retryCount"`
	FailedAt     time.Time `json:"failedAt"`
	Source       string    `json:"source"`
}
