package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"onboarding/internal/config"
	"onboarding/internal/constants"
	"onboarding/internal/failure"
	"onboarding/internal/ingress"
	"onboarding/internal/logger"
	"onboarding/internal/progress"
	"onboarding/pkg/bootstrap"
	"onboarding/pkg/health"
	"onboarding/pkg/logging"
	"onboarding/pkg/metrics"
	"onboarding/pkg/middleware"
	"onboarding/pkg/ratelimit"
	"onboarding/pkg/tracing"
)

const serviceName = "onboarding-api"

type App struct {
	*bootstrap.Base
	dbConnector    *bootstrap.DatabaseConnector
	failures       failure.Repository
	progressRepo   progress.Repository
	tracker        *progress.Tracker
	tracerProvider *tracing.TracerProvider
	router         *gin.Engine
	server         *http.Server
	cancelRouter   context.CancelFunc
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

	metrics.RegisterIngressMetrics()
	metrics.RegisterStageMetrics()
	metrics.RegisterBrokerMetrics()
	metrics.RegisterDatabaseMetrics()
	if a.Config.CircuitBreaker.Enabled {
		metrics.RegisterCircuitBreakerMetrics()
	}

	failures, err := a.dbConnector.InitFailureStore(ctx, serviceName)
	if err != nil {
		return fmt.Errorf("failed to initialize failure store: %w", err)
	}
	a.failures = failures

	progressRepo, err := a.dbConnector.InitProgressStore(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize progress store: %w", err)
	}
	a.progressRepo = progressRepo

	if err := a.InitBroker(ctx, serviceName); err != nil {
		return fmt.Errorf("failed to initialize broker: %w", err)
	}

	if a.progressRepo != nil {
		a.tracker = progress.NewTracker(a.Registry, a.progressRepo, a.Logger)
	}

	a.initRouter()
	a.server = a.HTTPServer(a.router)
	return nil
}

func (a *App) initRouter() {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	if a.Config.Tracing.Enabled {
		router.Use(tracing.GinMiddleware(serviceName))
	}

	router.Use(middleware.RecoveryMiddleware(a.Logger))
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.LoggerMiddleware(a.Logger))

	routerCtx, cancel := context.WithCancel(context.Background())
	a.cancelRouter = cancel

	healthRegistry := health.NewCheckerRegistry()
	healthRegistry.Register(health.NewBrokerChecker(a.Config.Broker.Type, a.Broker))
	for _, checker := range a.dbConnector.HealthCheckers() {
		healthRegistry.Register(checker)
	}
	if breaker, ok := a.failures.(health.BreakerState); ok {
		healthRegistry.Register(health.NewCircuitBreakerChecker("failure_store", breaker))
	}
	if breaker, ok := a.progressRepo.(health.BreakerState); ok {
		healthRegistry.Register(health.NewCircuitBreakerChecker("progress_store", breaker))
	}

	router.GET("/health", gin.WrapF(healthRegistry.Handler()))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("")
	if a.Config.Ingress.RateLimit.Enabled {
		rateLimitConfig := ratelimit.FromSettings(a.Config.Ingress.RateLimit)
		api.Use(ratelimit.RateLimitMiddleware(routerCtx, rateLimitConfig))
		a.Logger.Infow("Rate limiting enabled", "rps", rateLimitConfig.RPS, "burst", rateLimitConfig.Burst)
	}

	var reader ingress.ProgressReader
	if a.tracker != nil {
		reader = a.tracker
	}
	service := ingress.NewService(a.Producer, a.failures, reader, a.Logger)
	ingress.NewHandler(service, a.Logger).RegisterRoutes(api)

	a.router = router
}

func (a *App) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.InfowCtx(ctx, "Server listening", "port", a.Config.Server.Port)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})

	if a.tracker != nil {
		g.Go(func() error {
			consumeCtx := logging.WithServiceName(gCtx, serviceName)
			a.Logger.InfowCtx(consumeCtx, "Tracking saga progress", "queue", constants.ProgressQueueName)
			return a.Broker.Consume(consumeCtx, constants.ProgressQueueName, a.tracker.Handler())
		})
	}

	return g.Wait()
}

func (a *App) Shutdown(ctx context.Context) error {
	shutdownCtx := logging.WithServiceName(ctx, serviceName)
	a.Logger.InfowCtx(shutdownCtx, "Shutting down onboarding API")

	additionalShutdown := func(ctx context.Context) []error {
		var errs []error
		if a.cancelRouter != nil {
			a.cancelRouter()
		}
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
