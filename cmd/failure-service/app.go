package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"onboarding/internal/broker"
	"onboarding/internal/config"
	"onboarding/internal/constants"
	"onboarding/internal/deadletter"
	"onboarding/internal/failure"
	"onboarding/internal/logger"
	"onboarding/pkg/bootstrap"
	"onboarding/pkg/health"
	"onboarding/pkg/logging"
	"onboarding/pkg/metrics"
	"onboarding/pkg/tracing"
)

const serviceName = "failure-service"

type App struct {
	*bootstrap.Base
	dbConnector    *bootstrap.DatabaseConnector
	repo           failure.Repository
	tracerProvider *tracing.TracerProvider
	server         *http.Server
}

func NewApp(cfg *config.Config, log logger.Logger) (*App, error) {
	if sugaredLogger, ok := log.(*logger.SugaredLogger); ok {
		sugaredLogger.SetServiceName(serviceName)
	}
	return &App{
		Base:        bootstrap.NewBase(cfg, log),
		dbConnector: bootstrap.NewDatabaseConnector(cfg, log),
	}, nil
}

func (a *App) Initialize(ctx context.Context) error {
	tp, err := tracing.Init(ctx, a.Config.Tracing, serviceName)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracerProvider = tp

	metrics.RegisterFailureMetrics()
	metrics.RegisterStageMetrics()
	metrics.RegisterBrokerMetrics()
	metrics.RegisterDatabaseMetrics()
	if a.Config.CircuitBreaker.Enabled {
		metrics.RegisterCircuitBreakerMetrics()
	}

	repo, err := a.dbConnector.InitFailureStore(ctx, serviceName)
	if err != nil {
		return fmt.Errorf("failed to initialize failure store: %w", err)
	}
	a.repo = repo

	if err := a.InitBroker(ctx, serviceName); err != nil {
		return fmt.Errorf("failed to initialize broker: %w", err)
	}

	a.initHTTPServer()
	return nil
}

func (a *App) initHTTPServer() {
	mux := http.NewServeMux()

	healthRegistry := health.NewCheckerRegistry()
	healthRegistry.Register(health.NewBrokerChecker(a.Config.Broker.Type, a.Broker))
	for _, checker := range a.dbConnector.HealthCheckers() {
		healthRegistry.Register(checker)
	}
	if breaker, ok := a.repo.(health.BreakerState); ok {
		healthRegistry.Register(health.NewCircuitBreakerChecker("failure_store", breaker))
	}

	mux.HandleFunc("/health", healthRegistry.Handler())
	mux.Handle("/metrics", promhttp.Handler())

	a.server = a.HTTPServer(mux)
}

// Run consumes every stage's DLQ with a reprocessor and every stage's failed
// queue with the shared aggregator.
func (a *App) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)
	consumeCtx := logging.WithServiceName(gCtx, serviceName)

	g.Go(func() error {
		a.Logger.InfowCtx(ctx, "HTTP server starting", "port", a.Config.Server.Port)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})

	consume := func(queue string, handler broker.HandlerFunc) {
		g.Go(func() error {
			a.Logger.InfowCtx(consumeCtx, "Consuming queue", "queue", queue)
			return a.Broker.Consume(consumeCtx, queue, handler)
		})
	}

	maxAttempts := a.RetryPolicy().MaxAttempts
	aggregator := failure.NewAggregator(a.repo, a.Producer, a.Logger)

	for _, s := range a.Registry.Stages() {
		reprocessor := deadletter.NewReprocessor(s, a.repo, a.Producer, maxAttempts, a.Logger.With("dlq", s.DLQName))
		consume(s.DLQName, reprocessor.Handler())
		consume(s.FailedQueueName, aggregator.Handler())
	}

	return g.Wait()
}

func (a *App) Shutdown(ctx context.Context) error {
	shutdownCtx := logging.WithServiceName(ctx, serviceName)
	a.Logger.InfowCtx(shutdownCtx, "Shutting down failure service")

	additionalShutdown := func(ctx context.Context) []error {
		var errs []error
		if a.tracerProvider != nil {
			if err := a.tracerProvider.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("tracer provider shutdown error: %w", err))
			}
		}
		errs = append(errs, a.dbConnector.Shutdown(ctx)...)
		return errs
	}

	return a.Base.Shutdown(ctx, additionalShutdown)
}
