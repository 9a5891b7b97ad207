package config

import (
	"fmt"
	"strings"

	"onboarding/internal/constants"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

func ValidateStatic(cfg *Config) error {
	var errors []error

	if err := validateServer(cfg.Server); err != nil {
		errors = append(errors, err)
	}

	if err := validateBroker(cfg.Broker); err != nil {
		errors = append(errors, err)
	}

	if err := validateDatabase(cfg.Database); err != nil {
		errors = append(errors, err)
	}

	if err := validateRetry(cfg.Retry); err != nil {
		errors = append(errors, err)
	}

	if err := validateFailureStore(cfg.FailureStore, cfg.Database); err != nil {
		errors = append(errors, err)
	}

	if err := validateProgress(cfg.Progress, cfg.Database); err != nil {
		errors = append(errors, err)
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errors)
	}

	return nil
}

func validateServer(cfg ServerConfig) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}

	if cfg.ReadTimeoutSeconds <= 0 {
		return &ValidationError{
			Field:   "server.read_timeout_seconds",
			Message: "read timeout must be positive",
		}
	}

	if cfg.WriteTimeoutSeconds <= 0 {
		return &ValidationError{
			Field:   "server.write_timeout_seconds",
			Message: "write timeout must be positive",
		}
	}

	return nil
}

func validateBroker(cfg BrokerConfig) error {
	if cfg.Type == "" {
		return &ValidationError{
			Field:   "broker.type",
			Message: "broker type is required",
		}
	}

	switch cfg.Type {
	case constants.BrokerTypeRabbitMQ:
		if err := validateRabbitMQ(cfg.RabbitMQ); err != nil {
			return err
		}
	case constants.BrokerTypeMemory:
		return &ValidationError{
			Field:   "broker.type",
			Message: "the memory broker is process-local and cannot connect saga services; use rabbitmq",
		}
	default:
		return &ValidationError{
			Field:   "broker.type",
			Message: fmt.Sprintf("unknown broker type: %s (supported: rabbitmq)", cfg.Type),
		}
	}

	if cfg.Kafka.OutcomeTopic != "" {
		return validateKafka(cfg.Kafka)
	}

	return nil
}

func validateKafka(cfg KafkaConfig) error {
	if len(cfg.Brokers) == 0 {
		return &ValidationError{
			Field:   "broker.kafka.brokers",
			Message: "at least one Kafka broker is required when outcome_topic is set",
		}
	}

	for i, broker := range cfg.Brokers {
		if broker == "" {
			return &ValidationError{
				Field:   fmt.Sprintf("broker.kafka.brokers[%d]", i),
				Message: "broker address cannot be empty",
			}
		}
	}

	return nil
}

func validateRabbitMQ(cfg RabbitMQConfig) error {
	if cfg.Host == "" {
		return &ValidationError{
			Field:   "broker.rabbitmq.host",
			Message: "RabbitMQ host is required",
		}
	}

	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "broker.rabbitmq.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}

	if cfg.Prefetch < 0 {
		return &ValidationError{
			Field:   "broker.rabbitmq.prefetch",
			Message: "prefetch must be non-negative",
		}
	}

	if cfg.Workers < 0 {
		return &ValidationError{
			Field:   "broker.rabbitmq.workers",
			Message: "workers must be non-negative",
		}
	}

	return nil
}

func validateDatabase(cfg DatabaseConfig) error {
	if cfg.Postgres.Host != "" || cfg.Postgres.Port > 0 {
		if err := validatePostgres(cfg.Postgres); err != nil {
			return err
		}
	}

	if cfg.Redis.Host != "" || cfg.Redis.Port > 0 {
		if err := validateRedis(cfg.Redis); err != nil {
			return err
		}
	}

	if cfg.MongoDB.URI != "" {
		if err := validateMongoDB(cfg.MongoDB); err != nil {
			return err
		}
	}

	return nil
}

func validatePostgres(cfg PostgresConfig) error {
	if cfg.Host == "" {
		return &ValidationError{
			Field:   "database.postgres.host",
			Message: "PostgreSQL host is required",
		}
	}

	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "database.postgres.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}

	if cfg.User == "" {
		return &ValidationError{
			Field:   "database.postgres.user",
			Message: "PostgreSQL user is required",
		}
	}

	if cfg.DBName == "" {
		return &ValidationError{
			Field:   "database.postgres.dbname",
			Message: "PostgreSQL database name is required",
		}
	}

	validSSLModes := map[string]bool{
		"disable": true, "allow": true, "prefer": true,
		"require": true, "verify-ca": true, "verify-full": true,
	}
	if cfg.SSLMode != "" && !validSSLModes[strings.ToLower(cfg.SSLMode)] {
		return &ValidationError{
			Field:   "database.postgres.sslmode",
			Message: fmt.Sprintf("invalid SSL mode: %s (valid: disable, allow, prefer, require, verify-ca, verify-full)", cfg.SSLMode),
		}
	}

	return nil
}

func validateRedis(cfg RedisConfig) error {
	if cfg.Host == "" {
		return &ValidationError{
			Field:   "database.redis.host",
			Message: "Redis host is required",
		}
	}

	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "database.redis.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}

	return nil
}

func validateMongoDB(cfg MongoDBConfig) error {
	if cfg.URI == "" {
		return &ValidationError{
			Field:   "database.mongodb.uri",
			Message: "MongoDB URI is required",
		}
	}

	if !strings.HasPrefix(cfg.URI, "mongodb://") && !strings.HasPrefix(cfg.URI, "mongodb+srv://") {
		return &ValidationError{
			Field:   "database.mongodb.uri",
			Message: "MongoDB URI must start with mongodb:// or mongodb+srv://",
		}
	}

	if cfg.Database == "" {
		return &ValidationError{
			Field:   "database.mongodb.database",
			Message: "MongoDB database name is required",
		}
	}

	return nil
}

func validateRetry(cfg RetryConfig) error {
	if cfg.MaxAttempts < 1 {
		return &ValidationError{
			Field:   "retry.max_attempts",
			Message: fmt.Sprintf("max_attempts must be at least 1, got %d", cfg.MaxAttempts),
		}
	}

	if cfg.BaseDelay < 0 {
		return &ValidationError{
			Field:   "retry.base_delay",
			Message: "base_delay must be non-negative",
		}
	}

	if cfg.Multiplier < 1 {
		return &ValidationError{
			Field:   "retry.multiplier",
			Message: "multiplier must be at least 1",
		}
	}

	if cfg.MaxDelay > 0 && cfg.MaxDelay < cfg.BaseDelay {
		return &ValidationError{
			Field:   "retry.max_delay",
			Message: "max_delay must be greater than or equal to base_delay",
		}
	}

	return nil
}

func validateFailureStore(cfg FailureStoreConfig, db DatabaseConfig) error {
	switch strings.ToLower(cfg.Type) {
	case constants.FailureStorePostgres:
		if db.Postgres.Host == "" {
			return &ValidationError{
				Field:   "database.postgres.host",
				Message: "PostgreSQL is required for the postgres failure store",
			}
		}
	case constants.FailureStoreMongoDB:
		if db.MongoDB.URI == "" {
			return &ValidationError{
				Field:   "database.mongodb.uri",
				Message: "MongoDB is required for the mongodb failure store",
			}
		}
	case constants.FailureStoreMemory:
	default:
		return &ValidationError{
			Field:   "failure_store.type",
			Message: fmt.Sprintf("invalid failure store: %s (valid: postgres, mongodb, memory)", cfg.Type),
		}
	}

	return nil
}

func validateProgress(cfg ProgressConfig, db DatabaseConfig) error {
	if !cfg.Enabled {
		return nil
	}

	if db.Redis.Host == "" {
		return &ValidationError{
			Field:   "database.redis.host",
			Message: "Redis is required when progress tracking is enabled",
		}
	}

	if cfg.TTLSeconds < 0 {
		return &ValidationError{
			Field:   "progress.ttl_seconds",
			Message: "TTL must be non-negative",
		}
	}

	return nil
}
