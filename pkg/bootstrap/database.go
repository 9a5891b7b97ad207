package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"onboarding/internal/config"
	"onboarding/internal/constants"
	"onboarding/internal/failure"
	"onboarding/internal/logger"
	"onboarding/internal/progress"
	"onboarding/pkg/health"
	"onboarding/pkg/migrations"
)

// DatabaseConnector opens the stores a binary needs and remembers them so
// Shutdown can close whatever was opened.
type DatabaseConnector struct {
	Config *config.Config
	Logger logger.Logger

	Redis    *redis.Client
	Postgres *sql.DB
	Mongo    *mongo.Client
}

func NewDatabaseConnector(cfg *config.Config, log logger.Logger) *DatabaseConnector {
	return &DatabaseConnector{
		Config: cfg,
		Logger: log,
	}
}

func (dc *DatabaseConnector) InitRedis(ctx context.Context) (*redis.Client, error) {
	if dc.Config.Database.Redis.Host == "" {
		return nil, nil // Redis is optional
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", dc.Config.Database.Redis.Host, dc.Config.Database.Redis.Port),
		Password: dc.Config.Database.Redis.Password,
		DB:       dc.Config.Database.Redis.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	dc.Logger.InfowCtx(ctx, "Redis connected", "addr", rdb.Options().Addr)
	dc.Redis = rdb
	return rdb, nil
}

func (dc *DatabaseConnector) InitPostgreSQL(ctx context.Context) (*sql.DB, error) {
	if dc.Config.Database.Postgres.Host == "" {
		return nil, nil // PostgreSQL is optional
	}

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		dc.Config.Database.Postgres.User,
		dc.Config.Database.Postgres.Password,
		dc.Config.Database.Postgres.Host,
		dc.Config.Database.Postgres.Port,
		dc.Config.Database.Postgres.DBName,
		dc.Config.Database.Postgres.SSLMode,
	)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	dc.Logger.InfowCtx(ctx, "PostgreSQL connected",
		"host", dc.Config.Database.Postgres.Host,
		"database", dc.Config.Database.Postgres.DBName,
	)
	dc.Postgres = db
	return db, nil
}

func (dc *DatabaseConnector) InitMongoDB(ctx context.Context) (*mongo.Client, error) {
	if dc.Config.Database.MongoDB.URI == "" {
		return nil, nil // MongoDB is optional
	}

	mongoOpts := options.Client().ApplyURI(dc.Config.Database.MongoDB.URI)
	mongoClient, err := mongo.Connect(ctx, mongoOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := mongoClient.Ping(ctx, nil); err != nil {
		mongoClient.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	dc.Logger.InfowCtx(ctx, "MongoDB connected", "database", dc.mongoDatabaseName())
	dc.Mongo = mongoClient
	return mongoClient, nil
}

// InitFailureStore opens the configured failure store, applying schema
// migrations first when enabled. The result is wrapped in a circuit breaker.
func (dc *DatabaseConnector) InitFailureStore(ctx context.Context, serviceName string) (failure.Repository, error) {
	var repo failure.Repository

	switch dc.Config.FailureStore.Type {
	case constants.FailureStorePostgres:
		db, err := dc.InitPostgreSQL(ctx)
		if err != nil {
			return nil, err
		}
		if db == nil {
			return nil, fmt.Errorf("failure store %q needs database.postgres.host", constants.FailureStorePostgres)
		}
		if dc.Config.Database.RunMigrations {
			if err := migrations.RunPostgres(db, dc.Config.Database.MigrationsDir); err != nil {
				return nil, err
			}
			dc.Logger.Infow("PostgreSQL migrations applied", "dir", dc.Config.Database.MigrationsDir)
		}
		repo = failure.NewPostgresRepository(db, serviceName)

	case constants.FailureStoreMongoDB:
		client, err := dc.InitMongoDB(ctx)
		if err != nil {
			return nil, err
		}
		if client == nil {
			return nil, fmt.Errorf("failure store %q needs database.mongodb.uri", constants.FailureStoreMongoDB)
		}
		db := client.Database(dc.mongoDatabaseName())
		if dc.Config.Database.RunMigrations {
			if err := migrations.EnsureFailureIndexes(ctx, db); err != nil {
				return nil, err
			}
		}
		repo = failure.NewMongoRepository(db, serviceName)

	case constants.FailureStoreMemory:
		dc.Logger.WarnwCtx(ctx, "Using in-memory failure store, records are lost on restart")
		repo = failure.NewMemoryRepository()

	default:
		return nil, fmt.Errorf("unknown failure store type: %s", dc.Config.FailureStore.Type)
	}

	return failure.NewCircuitBreakerRepository(repo, dc.Config.CircuitBreaker), nil
}

// InitProgressStore opens the progress projection. It returns nil when progress
// tracking is disabled and falls back to memory when no Redis host is set.
func (dc *DatabaseConnector) InitProgressStore(ctx context.Context) (progress.Repository, error) {
	if !dc.Config.Progress.Enabled {
		return nil, nil
	}

	rdb, err := dc.InitRedis(ctx)
	if err != nil {
		return nil, err
	}
	if rdb == nil {
		dc.Logger.WarnwCtx(ctx, "No Redis host configured, progress is kept in memory")
		return progress.NewMemoryRepository(), nil
	}

	ttl := time.Duration(dc.Config.Progress.TTLSeconds) * time.Second
	repo := progress.NewRedisRepository(rdb, ttl)
	return progress.NewCircuitBreakerRepository(repo, dc.Config.CircuitBreaker), nil
}

// HealthCheckers returns a checker for every store opened so far.
func (dc *DatabaseConnector) HealthCheckers() []health.Checker {
	var checkers []health.Checker
	if dc.Postgres != nil {
		checkers = append(checkers, health.NewPostgreSQLChecker(dc.Postgres))
	}
	if dc.Redis != nil {
		checkers = append(checkers, health.NewRedisChecker(dc.Redis))
	}
	if dc.Mongo != nil {
		checkers = append(checkers, health.NewMongoDBChecker(dc.Mongo))
	}
	return checkers
}

func (dc *DatabaseConnector) mongoDatabaseName() string {
	if dc.Config.Database.MongoDB.Database != "" {
		return dc.Config.Database.MongoDB.Database
	}
	return constants.DefaultMongoDBName
}

// Shutdown closes every store this connector opened.
func (dc *DatabaseConnector) Shutdown(ctx context.Context) []error {
	var errs []error

	if dc.Redis != nil {
		if err := dc.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close error: %w", err))
		}
	}

	if dc.Postgres != nil {
		if err := dc.Postgres.Close(); err != nil {
			errs = append(errs, fmt.Errorf("postgres close error: %w", err))
		}
	}

	if dc.Mongo != nil {
		if err := dc.Mongo.Disconnect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("mongodb disconnect error: %w", err))
		}
	}

	return errs
}
