package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"onboarding/internal/constants"
)

func LoadConfig(configFile string) (*Config, error) {
	viper.Reset()

	viper.SetConfigType("yaml")
	viper.SetConfigFile(configFile)

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	bindEnvVariables()
	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := ValidateStatic(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("broker.type", constants.BrokerTypeRabbitMQ)
	viper.SetDefault("broker.rabbitmq.vhost", "/")
	viper.SetDefault("broker.rabbitmq.prefetch", constants.DefaultPrefetch)
	viper.SetDefault("broker.rabbitmq.workers", constants.DefaultWorkers)

	viper.SetDefault("retry.max_attempts", 3)
	viper.SetDefault("retry.base_delay", time.Second)
	viper.SetDefault("retry.multiplier", 2.0)
	viper.SetDefault("retry.max_delay", 30*time.Second)

	viper.SetDefault("failure_store.type", constants.FailureStorePostgres)
	viper.SetDefault("progress.ttl_seconds", constants.DefaultProgressTTLSeconds)
	viper.SetDefault("database.migrations_dir", constants.DefaultMigrationsDirectory)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("server.read_timeout_seconds", 10)
	viper.SetDefault("server.write_timeout_seconds", 10)
}

func bindEnvVariables() {
	viper.BindEnv("broker.type", "BROKER_TYPE")
	viper.BindEnv("broker.rabbitmq.host", "BROKER_RABBITMQ_HOST")
	viper.BindEnv("broker.rabbitmq.port", "BROKER_RABBITMQ_PORT")
	viper.BindEnv("broker.rabbitmq.user", "BROKER_RABBITMQ_USER")
	viper.BindEnv("broker.rabbitmq.password", "BROKER_RABBITMQ_PASSWORD")
	viper.BindEnv("broker.rabbitmq.vhost", "BROKER_RABBITMQ_VHOST")
	viper.BindEnv("broker.rabbitmq.prefetch", "BROKER_RABBITMQ_PREFETCH")
	viper.BindEnv("broker.rabbitmq.workers", "BROKER_RABBITMQ_WORKERS")
	viper.BindEnv("broker.kafka.brokers", "BROKER_KAFKA_BROKERS")
	viper.BindEnv("broker.kafka.outcome_topic", "BROKER_KAFKA_OUTCOME_TOPIC")

	viper.BindEnv("retry.max_attempts", "RETRY_MAX_ATTEMPTS")
	viper.BindEnv("retry.base_delay", "RETRY_BASE_DELAY")
	viper.BindEnv("retry.multiplier", "RETRY_MULTIPLIER")

	viper.BindEnv("failure_store.type", "FAILURE_STORE_TYPE")
	viper.BindEnv("progress.enabled", "PROGRESS_ENABLED")
	viper.BindEnv("progress.ttl_seconds", "PROGRESS_TTL_SECONDS")

	viper.BindEnv("database.postgres.host", "DATABASE_POSTGRES_HOST")
	viper.BindEnv("database.postgres.port", "DATABASE_POSTGRES_PORT")
	viper.BindEnv("database.postgres.user", "DATABASE_POSTGRES_USER")
	viper.BindEnv("database.postgres.password", "DATABASE_POSTGRES_PASSWORD")
	viper.BindEnv("database.postgres.dbname", "DATABASE_POSTGRES_DBNAME")
	viper.BindEnv("database.postgres.sslmode", "DATABASE_POSTGRES_SSLMODE")
	viper.BindEnv("database.run_migrations", "DATABASE_RUN_MIGRATIONS")

	viper.BindEnv("database.redis.host", "DATABASE_REDIS_HOST")
	viper.BindEnv("database.redis.port", "DATABASE_REDIS_PORT")
	viper.BindEnv("database.redis.password", "DATABASE_REDIS_PASSWORD")
	viper.BindEnv("database.redis.db", "DATABASE_REDIS_DB")

	viper.BindEnv("database.mongodb.uri", "DATABASE_MONGODB_URI")
	viper.BindEnv("database.mongodb.database", "DATABASE_MONGODB_DATABASE")

	viper.BindEnv("server.port", "SERVER_PORT")
	viper.BindEnv("server.read_timeout_seconds", "SERVER_READ_TIMEOUT_SECONDS")
	viper.BindEnv("server.write_timeout_seconds", "SERVER_WRITE_TIMEOUT_SECONDS")

	viper.BindEnv("logging.level", "LOGGING_LEVEL")
	viper.BindEnv("logging.format", "LOGGING_FORMAT")

	viper.BindEnv("tracing.otlp.endpoint", "TRACING_OTLP_ENDPOINT")
	viper.BindEnv("tracing.otlp.insecure", "TRACING_OTLP_INSECURE")
	viper.BindEnv("tracing.enabled", "TRACING_ENABLED")
	viper.BindEnv("tracing.service_name", "TRACING_SERVICE_NAME")
}

func applyEnvOverrides(cfg *Config) error {
	if brokersEnv := viper.GetString("BROKER_KAFKA_BROKERS"); brokersEnv != "" {
		brokers := strings.Split(brokersEnv, ",")
		for i := range brokers {
			brokers[i] = strings.TrimSpace(brokers[i])
		}
		if len(brokers) > 0 && brokers[0] != "" {
			cfg.Broker.Kafka.Brokers = brokers
		}
	}

	if otlpEndpoint := viper.GetString("TRACING_OTLP_ENDPOINT"); otlpEndpoint != "" {
		cfg.Tracing.OTLP.Endpoint = otlpEndpoint
	}

	// viper lower-cases map keys; stage identifiers are lower-case already
	normalized := make(map[string]TriggerConfig, len(cfg.Triggers))
	for stage, trigger := range cfg.Triggers {
		normalized[strings.ToLower(stage)] = trigger
	}
	cfg.Triggers = normalized

	return nil
}
