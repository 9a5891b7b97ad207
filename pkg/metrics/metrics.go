package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	StageMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stage_messages_total",
			Help: "Total number of messages processed by a saga stage (count)",
		},
		[]string{"stage", "status"},
	)

	StageProcessingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stage_processing_duration_ms",
			Help:    "Processing duration of a saga stage including retries in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		},
		[]string{"stage", "status"},
	)

	RetryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retry_attempts_total",
			Help: "Total number of retry attempts (count)",
		},
		[]string{"service", "queue"},
	)

	DLQMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlq_messages_total",
			Help: "Total number of messages sent to the dead-letter exchange (count)",
		},
		[]string{"service", "queue", "reason"},
	)

	DeadLettersReprocessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dead_letters_reprocessed_total",
			Help: "Total number of dead letters converted into failure events (count)",
		},
		[]string{"stage", "status"},
	)

	FailureRecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "failure_records_total",
			Help: "Total number of failure records written (count)",
		},
		[]string{"stage", "source", "status"},
	)

	OnboardingOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "onboarding_outcomes_total",
			Help: "Total number of terminal onboarding outcomes published (count)",
		},
		[]string{"outcome"},
	)

	OnboardingRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "onboarding_requests_total",
			Help: "Total number of onboarding requests received over HTTP (count)",
		},
		[]string{"status"},
	)

	BrokerMessagesPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_messages_published_total",
			Help: "Total number of messages published to the broker (count)",
		},
		[]string{"service", "exchange", "status"},
	)

	BrokerMessagesConsumedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_messages_consumed_total",
			Help: "Total number of messages consumed from the broker (count)",
		},
		[]string{"service", "queue", "outcome"},
	)

	BrokerPublishDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "broker_publish_duration_ms",
			Help:    "Duration of broker publishes in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"service", "exchange"},
	)

	BrokerMessageSizeBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "broker_message_size_bytes",
			Help:    "Size of broker messages in bytes",
			Buckets: []float64{100, 500, 1000, 5000, 10000, 50000, 100000, 500000},
		},
		[]string{"service", "direction"},
	)

	PublishFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "publish_failures_total",
			Help: "Total number of derived events that could not be published (count)",
		},
		[]string{"component", "routing_key"},
	)

	KafkaMessagesWrittenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_messages_written_total",
			Help: "Total number of outcome messages mirrored to Kafka (count)",
		},
		[]string{"service", "topic"},
	)

	KafkaWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kafka_write_duration_ms",
			Help:    "Duration of writing messages to Kafka in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"service", "topic"},
	)

	ProgressUpdatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "progress_updates_total",
			Help: "Total number of progress projection updates (count)",
		},
		[]string{"state", "status"},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open) (state code)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker (count)",
		},
		[]string{"name", "state"},
	)

	CircuitBreakerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_failures_total",
			Help: "Total number of failures through circuit breaker (count)",
		},
		[]string{"name"},
	)

	RateLimitRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_requests_total",
			Help: "Total number of requests checked against rate limit (count)",
		},
		[]string{"status"},
	)

	DatabaseQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "database_queries_total",
			Help: "Total number of database queries (count)",
		},
		[]string{"service", "database", "operation", "status"},
	)

	DatabaseQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "database_query_duration_ms",
			Help:    "Duration of database queries in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
		[]string{"service", "database", "operation"},
	)
)

var registerOnce = map[string]*sync.Once{
	"stage":           {},
	"failure":         {},
	"ingress":         {},
	"broker":          {},
	"circuit_breaker": {},
	"database":        {},
}

func register(group string, collectors ...prometheus.Collector) {
	registerOnce[group].Do(func() {
		prometheus.MustRegister(collectors...)
	})
}

func RegisterStageMetrics() {
	register("stage",
		StageMessagesTotal,
		StageProcessingDuration,
		DeadLettersReprocessedTotal,
		ProgressUpdatesTotal,
	)
}

func RegisterFailureMetrics() {
	register("failure",
		FailureRecordsTotal,
		OnboardingOutcomesTotal,
	)
}

func RegisterIngressMetrics() {
	register("ingress",
		OnboardingRequestsTotal,
		RateLimitRequestsTotal,
	)
}

func RegisterBrokerMetrics() {
	register("broker",
		RetryAttemptsTotal,
		DLQMessagesTotal,
		BrokerMessagesPublishedTotal,
		BrokerMessagesConsumedTotal,
		BrokerPublishDuration,
		BrokerMessageSizeBytes,
		PublishFailuresTotal,
		KafkaMessagesWrittenTotal,
		KafkaWriteDuration,
	)
}

func RegisterCircuitBreakerMetrics() {
	register("circuit_breaker",
		CircuitBreakerState,
		CircuitBreakerRequests,
		CircuitBreakerFailures,
	)
}

func RegisterDatabaseMetrics() {
	register("database",
		DatabaseQueriesTotal,
		DatabaseQueryDuration,
	)
}

func ObserveStageDuration(stage, status string, duration time.Duration) {
	StageProcessingDuration.WithLabelValues(stage, status).Observe(float64(duration.Milliseconds()))
}

func IncStageMessage(stage, status string) {
	StageMessagesTotal.WithLabelValues(stage, status).Inc()
}

func IncDeadLetterReprocessed(stage, status string) {
	DeadLettersReprocessedTotal.WithLabelValues(stage, status).Inc()
}

func IncFailureRecord(stage, source, status string) {
	FailureRecordsTotal.WithLabelValues(stage, source, status).Inc()
}

func IncOnboardingOutcome(outcome string) {
	OnboardingOutcomesTotal.WithLabelValues(outcome).Inc()
}

func IncOnboardingRequest(status string) {
	OnboardingRequestsTotal.WithLabelValues(status).Inc()
}

func IncBrokerPublished(service, exchange, status string) {
	BrokerMessagesPublishedTotal.WithLabelValues(service, exchange, status).Inc()
}

func IncBrokerConsumed(service, queue, outcome string) {
	BrokerMessagesConsumedTotal.WithLabelValues(service, queue, outcome).Inc()
}

func ObserveBrokerPublishDuration(service, exchange string, duration time.Duration) {
	BrokerPublishDuration.WithLabelValues(service, exchange).Observe(float64(duration.Milliseconds()))
}

func ObserveBrokerMessageSize(service, direction string, sizeBytes int) {
	BrokerMessageSizeBytes.WithLabelValues(service, direction).Observe(float64(sizeBytes))
}

func IncPublishFailure(component, routingKey string) {
	PublishFailuresTotal.WithLabelValues(component, routingKey).Inc()
}

func IncKafkaMessagesWritten(service, topic string) {
	KafkaMessagesWrittenTotal.WithLabelValues(service, topic).Inc()
}

func ObserveKafkaWriteDuration(service, topic string, duration time.Duration) {
	KafkaWriteDuration.WithLabelValues(service, topic).Observe(float64(duration.Milliseconds()))
}

func IncProgressUpdate(state, status string) {
	ProgressUpdatesTotal.WithLabelValues(state, status).Inc()
}

func IncDatabaseQuery(service, database, operation, status string) {
	DatabaseQueriesTotal.WithLabelValues(service, database, operation, status).Inc()
}

func ObserveDatabaseQueryDuration(service, database, operation string, duration time.Duration) {
	DatabaseQueryDuration.WithLabelValues(service, database, operation).Observe(float64(duration.Milliseconds()))
}
