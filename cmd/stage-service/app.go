package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"onboarding/internal/config"
	"onboarding/internal/constants"
	"onboarding/internal/logger"
	"onboarding/internal/saga"
	"onboarding/internal/stage"
	"onboarding/pkg/bootstrap"
	"onboarding/pkg/health"
	"onboarding/pkg/logging"
	"onboarding/pkg/metrics"
	"onboarding/pkg/tracing"
)

type App struct {
	*bootstrap.Base
	stage          saga.Stage
	serviceName    string
	wrapper        *stage.Wrapper
	tracerProvider *tracing.TracerProvider
	server         *http.Server
}

func NewApp(cfg *config.Config, log logger.Logger, stageID string) (*App, error) {
	base := bootstrap.NewBase(cfg, log)
	s, ok := base.Registry.Stage(stageID)
	if !ok {
		return nil, fmt.Errorf("unknown stage %q, expected one of %v", stageID, base.Registry.IDs())
	}

	serviceName := s.ID + "-service"
	if sugaredLogger, ok := log.(*logger.SugaredLogger); ok {
		sugaredLogger.SetServiceName(serviceName)
	}

	return &App{
		Base:        base,
		stage:       s,
		serviceName: serviceName,
	}, nil
}

func (a *App) Initialize(ctx context.Context) error {
	tp, err := tracing.Init(ctx, a.Config.Tracing, a.serviceName)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracerProvider = tp

	metrics.RegisterStageMetrics()
	metrics.RegisterBrokerMetrics()

	if err := a.InitBroker(ctx, a.serviceName); err != nil {
		return fmt.Errorf("failed to initialize broker: %w", err)
	}

	if err := a.initWrapper(ctx); err != nil {
		return fmt.Errorf("failed to initialize stage: %w", err)
	}

	a.initHTTPServer()
	return nil
}

func (a *App) initWrapper(ctx context.Context) error {
	fn, ok := stage.Functions()[a.stage.ID]
	if !ok {
		return fmt.Errorf("no stage function registered for %s", a.stage.ID)
	}

	triggers, err := stage.NewTriggers(a.stage.Name, a.Config.Triggers[a.stage.ID])
	if err != nil {
		return err
	}
	if !triggers.Empty() {
		a.Logger.WarnwCtx(logging.WithServiceName(ctx, a.serviceName), "Fault triggers are active",
			"stage", a.stage.ID,
		)
	}

	a.wrapper = stage.NewWrapper(a.stage, fn, a.Producer, a.RetryPolicy(), a.Logger.With("stage_id", a.stage.ID),
		stage.WithTriggers(triggers),
		stage.WithServiceName(a.serviceName),
	)
	return nil
}

func (a *App) initHTTPServer() {
	mux := http.NewServeMux()

	healthRegistry := health.NewCheckerRegistry()
	healthRegistry.Register(health.NewBrokerChecker(a.Config.Broker.Type, a.Broker))

	mux.HandleFunc("/health", healthRegistry.Handler())
	mux.Handle("/metrics", promhttp.Handler())

	a.server = a.HTTPServer(mux)
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
		consumeCtx := logging.WithServiceName(gCtx, a.serviceName)
		a.Logger.InfowCtx(consumeCtx, "Consuming stage queue", "queue", a.stage.QueueName)
		return a.Broker.Consume(consumeCtx, a.stage.QueueName, a.wrapper.Process)
	})

	return g.Wait()
}

func (a *App) Shutdown(ctx context.Context) error {
	shutdownCtx := logging.WithServiceName(ctx, a.serviceName)
	a.Logger.InfowCtx(shutdownCtx, "Shutting down stage service")

	additionalShutdown := func(ctx context.Context) []error {
		var errs []error
		if a.tracerProvider != nil {
			if err := a.tracerProvider.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("tracer provider shutdown error: %w", err))
			}
		}
		return errs
	}

	return a.Base.Shutdown(ctx, additionalShutdown)
}
