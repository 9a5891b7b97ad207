package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"onboarding/internal/broker"
	"onboarding/internal/config"
	"onboarding/internal/logger"
	"onboarding/internal/saga"
	"onboarding/internal/topology"
	"onboarding/pkg/retry"
)

// Base holds what every onboarding binary needs: configuration, a logger, the
// stage registry and a broker whose topology has been declared.
type Base struct {
	Config   *config.Config
	Logger   logger.Logger
	Registry *saga.Registry
	Broker   broker.Broker
	Producer broker.Producer
}

func NewBase(cfg *config.Config, log logger.Logger) *Base {
	return &Base{
		Config:   cfg,
		Logger:   log,
		Registry: saga.DefaultRegistry(),
	}
}

// InitBroker connects to the broker, declares the saga topology and builds the
// producer, mirrored to Kafka when configured.
func (b *Base) InitBroker(ctx context.Context, serviceName string) error {
	br, err := broker.New(b.Config.Broker, b.Logger)
	if err != nil {
		return fmt.Errorf("failed to create broker: %w", err)
	}

	if serviceName != "" {
		br.SetServiceName(serviceName)
	}

	if err := topology.NewManager(b.Registry, b.Logger).Declare(ctx, br); err != nil {
		br.Close()
		return fmt.Errorf("failed to declare topology: %w", err)
	}

	b.Broker = br
	b.Producer = broker.NewProducer(br, b.Config.Broker, b.Logger, serviceName)
	return nil
}

// RetryPolicy is the in-process retry budget from the retry section.
func (b *Base) RetryPolicy() retry.Policy {
	policy := retry.DefaultPolicy()
	if b.Config.Retry.MaxAttempts > 0 {
		policy.MaxAttempts = b.Config.Retry.MaxAttempts
	}
	if b.Config.Retry.BaseDelay > 0 {
		policy.BaseDelay = b.Config.Retry.BaseDelay
	}
	if b.Config.Retry.Multiplier > 0 {
		policy.Multiplier = b.Config.Retry.Multiplier
	}
	if b.Config.Retry.MaxDelay > 0 {
		policy.MaxDelay = b.Config.Retry.MaxDelay
	}
	return policy
}

// HTTPServer builds the server for the configured port. Timeouts are in seconds.
func (b *Base) HTTPServer(handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         fmt.Sprintf(":%d", b.Config.Server.Port),
		Handler:      handler,
		ReadTimeout:  b.Config.Server.ReadTimeoutSeconds * time.Second,
		WriteTimeout: b.Config.Server.WriteTimeoutSeconds * time.Second,
	}
}

func (b *Base) ShutdownBroker() []error {
	var errs []error

	if b.Producer != nil && b.Producer != broker.Producer(b.Broker) {
		if err := b.Producer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("producer close error: %w", err))
		}
	}

	if b.Broker != nil {
		if err := b.Broker.Close(); err != nil {
			errs = append(errs, fmt.Errorf("broker close error: %w", err))
		}
	}

	return errs
}

func (b *Base) Shutdown(ctx context.Context, additionalShutdown func(ctx context.Context) []error) error {
	b.Logger.InfowCtx(ctx, "Shutting down")

	var errs []error

	errs = append(errs, b.ShutdownBroker()...)

	if additionalShutdown != nil {
		errs = append(errs, additionalShutdown(ctx)...)
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}

	b.Logger.InfowCtx(ctx, "Shutdown complete")
	return nil
}
