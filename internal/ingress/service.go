package ingress

import (
	"context"
	"time"

	"github.com/google/uuid"

	"onboarding/internal/broker"
	"onboarding/internal/constants"
	"onboarding/internal/failure"
	"onboarding/internal/logger"
	"onboarding/internal/progress"
	"onboarding/pkg/errors"
	"onboarding/pkg/logging"
	"onboarding/pkg/metrics"
	"onboarding/pkg/models"
)

// ProgressReader is the read side of the progress projection.
type ProgressReader interface {
	Get(ctx context.Context, requestID string) (*progress.Snapshot, error)
}

// Service starts sagas and answers queries about them. It never waits for a
// saga to finish.
type Service struct {
	producer broker.Producer
	failures failure.Repository
	progress ProgressReader
	logger   logger.Logger
	now      func() time.Time
}

func NewService(producer broker.Producer, failures failure.Repository, tracker ProgressReader, log logger.Logger) *Service {
	return &Service{
		producer: producer,
		failures: failures,
		progress: tracker,
		logger:   log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Initiate validates req and publishes OnboardingRequested under a fresh
// request id. A business rule violation publishes OnboardingFailed for the
// VALIDATION stage and is returned to the caller.
func (s *Service) Initiate(ctx context.Context, req OnboardingRequest) (OnboardingResponse, error) {
	requestID := uuid.NewString()
	ctx = logging.WithRequestID(ctx, requestID)

	s.logger.InfowCtx(ctx, "Initiating onboarding",
		"customer_id", req.CustomerID,
	)

	if err := ValidateBusinessRules(req); err != nil {
		metrics.IncOnboardingRequest("rejected")
		s.logger.WarnwCtx(ctx, "Onboarding request violates business rules",
			"error", err,
		)
		s.publishRejected(ctx, requestID, err)
		return OnboardingResponse{}, err
	}

	evt := models.NewEventBuilder(models.EventTypeOnboardingRequested).
		WithRequestID(requestID).
		WithStatus(constants.StatusInitiated).
		WithPayload(models.Payload{
			"customerId": req.CustomerID,
			"customerData": map[string]interface{}{
				"name":           req.Name,
				"email":          req.Email,
				"documentType":   req.DocumentType,
				"documentNumber": req.DocumentNumber,
			},
		}).
		Build()

	if err := s.publish(ctx, constants.RoutingKeyOnboardingRequested, evt); err != nil {
		metrics.IncOnboardingRequest("error")
		return OnboardingResponse{}, err
	}

	metrics.IncOnboardingRequest("accepted")
	s.logger.InfowCtx(ctx, "Published onboarding request")

	return OnboardingResponse{
		RequestID: requestID,
		Status:    constants.StatusInitiated,
		Timestamp: s.now(),
	}, nil
}

func (s *Service) publishRejected(ctx context.Context, requestID string, cause error) {
	code, message := "BUSINESS_RULE_VIOLATION", cause.Error()
	if appErr, ok := errors.AsError(cause); ok {
		code, message = appErr.Code, appErr.Message
	}

	evt := models.NewEventBuilder(models.EventTypeOnboardingFailed).
		WithRequestID(requestID).
		WithStatus(constants.StatusFailed).
		WithFailedStage(ValidationStage).
		WithFailure(code, message, 0).
		Build()

	if err := s.publish(ctx, constants.RoutingKeyOnboardingFailed, evt); err != nil {
		s.logger.ErrorwCtx(ctx, "Failed to publish validation failure",
			"error", err,
		)
	}
}

func (s *Service) publish(ctx context.Context, routingKey string, evt models.Event) error {
	msg, err := broker.NewEventMessage(evt)
	if err != nil {
		return errors.ErrInternal.WithCause(err)
	}
	if err := s.producer.Publish(ctx, constants.ExchangeName, routingKey, msg); err != nil {
		metrics.IncPublishFailure("onboarding-api", routingKey)
		return errors.NewPublishError(routingKey, err)
	}
	return nil
}

func (s *Service) Failures(ctx context.Context, requestID string) (FailuresResponse, error) {
	records, err := s.failures.ListByRequestID(ctx, requestID)
	if err != nil {
		return FailuresResponse{}, errors.ErrServiceUnavailable.WithCause(err)
	}

	out := FailuresResponse{RequestID: requestID, Failures: make([]FailureRecord, 0, len(records))}
	for _, r := range records {
		out.Failures = append(out.Failures, FailureRecord{
			Stage:        r.Stage,
			ErrorCode:    r.ErrorCode,
			ErrorMessage: r.ErrorMessage,
			RetryCount:   r.RetryCount,
			FailedAt:     r.FailedAt,
			Source:       string(r.Source),
		})
	}
	return out, nil
}

func (s *Service) Progress(ctx context.Context, requestID string) (*progress.Snapshot, error) {
	if s.progress == nil {
		return nil, errors.ErrNotFound.WithDetail("message", "progress tracking is disabled")
	}
	snap, err := s.progress.Get(ctx, requestID)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, err
		}
		return nil, errors.ErrServiceUnavailable.WithCause(err)
	}
	return snap, nil
}
