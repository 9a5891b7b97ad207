package cel

// TriggerExpressionExamples are conditions commonly used to force a stage failure
// in test environments.
var TriggerExpressionExamples = map[string]string{
	"by_name":           `payload.firstName == "Fail"`,
	"by_document":       `payload.documentType == "ID_CARD" && payload.documentNumber.startsWith("X")`,
	"by_request_prefix": `requestId.startsWith("chaos-")`,
	"has_flag":          `has(payload.simulateFailure) && payload.simulateFailure == true`,
	"by_stage":          `stage == "IDENTITY" && payload.email.endsWith("@blocked.example")`,
	"always":            `true`,
}
