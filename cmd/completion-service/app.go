package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"onboarding/internal/completion"
	"onboarding/internal/config"
	"onboarding/internal/constants"
	"onboarding/internal/logger"
	"onboarding/pkg/bootstrap"
	"onboarding/pkg/health"
	"onboarding/pkg/logging"
	"onboarding/pkg/metrics"
	"onboarding/pkg/tracing"
)

const serviceName = "completion-service"

type App struct {
	*bootstrap.Base
	listener       *completion.Listener
	tracerProvider *tracing.TracerProvider
	server         *http.Server
}

func NewApp(cfg *config.Config, log logger.Logger) (*App, error) {
	if sugaredLogger, ok := log.(*logger.SugaredLogger); ok {
		sugaredLogger.SetServiceName(serviceName)
	}
	return &App{
		Base: bootstrap.NewBase(cfg, log),
	}, nil
}

func (a *App) Initialize(ctx context.Context) error {
	tp, err := tracing.Init(ctx, a.Config.Tracing, serviceName)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracerProvider = tp

	metrics.RegisterFailureMetrics()
	metrics.RegisterBrokerMetrics()

	if err := a.InitBroker(ctx, serviceName); err != nil {
		return fmt.Errorf("failed to initialize broker: %w", err)
	}

	a.listener = completion.NewListener(a.Producer, a.Logger)

	mux := http.NewServeMux()
	healthRegistry := health.NewCheckerRegistry()
	healthRegistry.Register(health.NewBrokerChecker(a.Config.Broker.Type, a.Broker))
	mux.HandleFunc("/health", healthRegistry.Handler())
	mux.Handle("/metrics", promhttp.Handler())
	a.server = a.HTTPServer(mux)

	return nil
}

func (a *App) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

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

	g.Go(func() error {
		consumeCtx := logging.WithServiceName(gCtx, serviceName)
		a.Logger.InfowCtx(consumeCtx, "Consuming queue", "queue", constants.CompletionQueueName)
		return a.Broker.Consume(consumeCtx, constants.CompletionQueueName, a.listener.Handler())
	})

	return g.Wait()
}

func (a *App) Shutdown(ctx context.Context) error {
	shutdownCtx := logging.WithServiceName(ctx, serviceName)
	a.Logger.InfowCtx(shutdownCtx, "Shutting down completion service")

	return a.Base.Shutdown(ctx, func(ctx context.Context) []error {
		if a.tracerProvider == nil {
			return nil
		}
		if err := a.tracerProvider.Shutdown(ctx); err != nil {
			return []error{fmt.Errorf("tracer provider shutdown error: %w", err)}
		}
		return nil
	})
}
