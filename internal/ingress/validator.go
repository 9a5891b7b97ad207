package ingress

import (
	"fmt"
	"regexp"

	"onboarding/pkg/errors"
)

var supportedDocumentTypes = map[string]bool{
	DocumentTypePassport: true,
	DocumentTypeIDCard:   true,
}

var passportNumberPattern = regexp.MustCompile(`^[A-Z0-9]{6,12}$`)

// ValidateBusinessRules checks the rules the binding tags cannot express. A
// violation is a terminal rejection carrying its own code.
func ValidateBusinessRules(req OnboardingRequest) error {
	if !supportedDocumentTypes[req.DocumentType] {
		return errors.NewTerminalStageError("UNSUPPORTED_DOCUMENT_TYPE",
			fmt.Sprintf("Document type '%s' is not supported. Supported types: [%s, %s]",
				req.DocumentType, DocumentTypePassport, DocumentTypeIDCard))
	}

	if req.DocumentType == DocumentTypePassport && !passportNumberPattern.MatchString(req.DocumentNumber) {
		return errors.NewTerminalStageError("INVALID_DOCUMENT_NUMBER_FORMAT",
			"Passport number format is invalid. Expected format: 6-12 alphanumeric characters")
	}

	return nil
}
