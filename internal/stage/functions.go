package stage

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"onboarding/pkg/errors"
	"onboarding/pkg/logging"
	"onboarding/pkg/models"
)

// Func is the business step a stage performs. It receives a copy of the
// incoming payload and returns the payload of the stage's success event. A
// returned error is retried unless it is an explicit rejection. Input the
// function can never accept is rejected rather than retried.
type Func func(ctx context.Context, payload models.Payload) (models.Payload, error)

const (
	fieldCustomerID   = "customerId"
	fieldCustomerData = "customerData"
	fieldEmail        = "email"
	fieldAccountID    = "accountId"
)

// Functions returns the reference stage functions keyed by stage id.
func Functions() map[string]Func {
	return map[string]Func{
		"kyc":          KYC,
		"identity":     Identity,
		"provisioning": Provisioning,
		"notification": Notification,
	}
}

// KYC approves the customer at the basic level. Everything in the incoming
// payload, including the customer data, is carried forward.
func KYC(ctx context.Context, payload models.Payload) (models.Payload, error) {
	customerID := payload.GetString(fieldCustomerID)
	if customerID == "" {
		return nil, errors.NewTerminalStageError("KYC_MISSING_CUSTOMER", "kyc check needs a customerId")
	}

	out := payload.Clone()
	out[fieldCustomerID] = customerID
	out["kycLevel"] = "BASIC"
	out["status"] = "APPROVED"
	out["documentVerified"] = true
	return out, nil
}

func Identity(ctx context.Context, payload models.Payload) (models.Payload, error) {
	out := payload.Clone()
	out["verificationLevel"] = "LEVEL_2"
	out["biometricMatch"] = true
	out["documentAuthenticity"] = "VERIFIED"
	out["livenessCheck"] = "PASSED"
	return out, nil
}

// Provisioning opens a standard account. Without a customer id it derives one
// from the request id.
func Provisioning(ctx context.Context, payload models.Payload) (models.Payload, error) {
	customerID := payload.GetString(fieldCustomerID)
	if customerID == "" {
		requestID := logging.GetRequestID(ctx)
		if requestID == "" {
			return nil, errors.NewTerminalStageError("PROVISIONING_MISSING_CUSTOMER", "provisioning needs a customerId or request id")
		}
		customerID = "CUST-" + prefix(requestID, 8)
	}

	out := payload.Clone()
	out[fieldAccountID] = "ACC-" + strings.ToUpper(prefix(uuid.NewString(), 8))
	out[fieldCustomerID] = customerID
	out["status"] = "ACTIVE"
	out["accountType"] = "STANDARD"
	return out, nil
}

func Notification(ctx context.Context, payload models.Payload) (models.Payload, error) {
	customerID := payload.GetString(fieldCustomerID)

	email := customerField(payload, fieldEmail)
	if email == "" {
		if customerID == "" {
			return nil, errors.NewTerminalStageError("NOTIFICATION_NO_RECIPIENT", "notification has no recipient")
		}
		email = customerID + "@example.com"
	}

	out := payload.Clone()
	out["recipient"] = email
	out["channel"] = "EMAIL"
	out["deliveryStatus"] = "SENT"
	return out, nil
}

func customerField(payload models.Payload, name string) string {
	data, ok := payload[fieldCustomerData].(map[string]interface{})
	if !ok {
		return ""
	}
	return models.Payload(data).GetString(name)
}

func prefix(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
