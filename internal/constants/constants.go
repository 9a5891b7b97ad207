package constants

import "time"

const (
	KafkaBatchTimeout = 10 * time.Millisecond
	KafkaWriteTimeout = 10 * time.Second
)

const (
	ExchangeName           = "onboarding.exchange"
	DeadLetterExchangeName = "onboarding.dlx"
	ExchangeKindTopic      = "topic"
)

const (
	RoutingKeyOnboardingRequested = "onboarding.requested"
	RoutingKeyKYCCompleted        = "kyc.completed"
	RoutingKeyKYCFailed           = "kyc.failed"
	RoutingKeyIdentityVerified    = "identity.verified"
	RoutingKeyIdentityFailed      = "identity.failed"
	RoutingKeyAccountProvisioned  = "account.provisioned"
	RoutingKeyProvisioningFailed  = "provisioning.failed"
	RoutingKeyNotificationSent    = "notification.sent"
	RoutingKeyNotificationFailed  = "notification.failed"
	RoutingKeyOnboardingCompleted = "onboarding.completed"
	RoutingKeyOnboardingFailed    = "onboarding.failed"
)

const (
	CompletionQueueName = "completion.queue"
	ProgressQueueName   = "progress.queue"
	ProgressBindingKey  = "#"

	// ProgressQueueMaxLength bounds progress.queue so it cannot grow without
	// limit when no projection consumes it. The oldest messages are dropped.
	ProgressQueueMaxLength int32 = 100000
)

// AMQP header names. The x-dead-letter-* names are RabbitMQ queue arguments.
const (
	HeaderDeadLetterExchange   = "x-dead-letter-exchange"
	HeaderDeadLetterRoutingKey = "x-dead-letter-routing-key"
	HeaderOriginalRoutingKey   = "x-original-routing-key"
	HeaderDeliveryCount        = "x-delivery-count"
	HeaderDeathReason          = "x-death-reason"
	HeaderDeath                = "x-death"
	HeaderMaxLength            = "x-max-length"
)

const (
	DeadLetterErrorMessage    = "processing failed after retries"
	DeathReasonRetryExhausted = "retries_exhausted"
	DeathReasonRejected       = "rejected"
	DeathReasonFatal          = "fatal_error"
)

const (
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
	StatusInitiated = "INITIATED"
)

const (
	DefaultPrefetch = 1
	DefaultWorkers  = 1
)

const (
	DefaultMongoDBName         = "onboarding"
	FailureRecordsCollection   = "failure_records"
	CacheKeyPrefixProgress     = "progress:"
	CacheKeySuffixHistory      = ":history"
	DefaultProgressTTLSeconds  = 7 * 24 * 3600
	DefaultMigrationsDirectory = "migrations/postgres"
)

const (
	FailureStorePostgres = "postgres"
	FailureStoreMongoDB  = "mongodb"
	FailureStoreMemory   = "memory"
)

const (
	BrokerTypeRabbitMQ = "rabbitmq"
	BrokerTypeMemory   = "memory"
)

const (
	ShutdownTimeout = 5 * time.Second

	// TerminalPublishTimeout bounds the outcome publish of a stage, which runs
	// detached from the consumer's cancellation.
	TerminalPublishTimeout = 10 * time.Second
)

const (
	HTTPStatusOKMin = 200
	HTTPStatusOKMax = 300
)
