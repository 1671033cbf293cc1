package bootstrap

import (
	"context"
	"fmt"

	"github.com/fwlab/fact/common/blobstore"
	"github.com/fwlab/fact/common/cache"
	"github.com/fwlab/fact/common/config"
	"github.com/fwlab/fact/common/db"
	"github.com/fwlab/fact/common/logger"
	"github.com/fwlab/fact/common/queue"
	"github.com/fwlab/fact/common/redis"
	"github.com/fwlab/fact/common/repository"
	"github.com/fwlab/fact/common/telemetry"
	"github.com/fwlab/fact/common/unpacklock"
)

// Setup initializes all service components.
// This is the main entry point for all services.
func Setup(ctx context.Context, serviceName string, opts ...Option) (*Components, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	components := &Components{
		cleanupFuncs: make([]func() error, 0),
	}

	// 1. Load configuration
	var err error
	if options.customConfig != nil {
		components.Config = options.customConfig
	} else {
		components.Config, err = config.Load(serviceName)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}
	cfg := components.Config

	// 2. Initialize logger
	if options.customLogger != nil {
		components.Logger = options.customLogger
	} else {
		components.Logger = logger.New(cfg.Service.LogLevel, cfg.Service.LogFormat)
	}

	components.Logger.Info("initializing service",
		"service", serviceName,
		"environment", cfg.Service.Environment,
	)

	// from here on, partially initialized components are released on error
	fail := func(err error) (*Components, error) {
		_ = components.Shutdown(ctx)
		return nil, err
	}

	// 3. Object store: Postgres or memory, behind the analysis cache
	var store repository.Store
	if cfg.Storage.StoreBackend == "postgres" && !options.skipDB {
		components.Logger.Info("connecting to database")
		components.DB, err = db.New(ctx, cfg, components.Logger)
		if err != nil {
			return fail(fmt.Errorf("failed to connect to database: %w", err))
		}

		components.addCleanup(func() error {
			components.DB.Close()
			return nil
		})

		if options.dbInitHook != nil {
			components.Logger.Info("running database init hook")
			if err := options.dbInitHook(components.DB); err != nil {
				return fail(fmt.Errorf("database init hook failed: %w", err))
			}
		}
		store = repository.NewPostgresStore(components.DB)
	} else {
		store = repository.NewMemoryStore()
	}

	components.Cache, err = cache.NewMemoryCache(int64(cfg.Analysis.CacheSizeMB)*1024*1024, components.Logger)
	if err != nil {
		return fail(fmt.Errorf("failed to create cache: %w", err))
	}
	components.addCleanup(func() error {
		components.Logger.Info("closing cache")
		return components.Cache.Close()
	})
	components.Store = repository.NewCachedStore(store, components.Cache, cfg.Analysis.CacheTTL, components.Logger)

	// 4. Intercom transport and unpacking locks: Redis or in-process
	if cfg.Intercom.Backend == "redis" && !options.skipRedis {
		components.Redis, err = redis.Connect(ctx, cfg.RedisAddr(), cfg.Redis.Password, cfg.Redis.DB, components.Logger)
		if err != nil {
			return fail(fmt.Errorf("failed to connect to redis: %w", err))
		}
		components.addCleanup(func() error {
			components.Logger.Info("closing redis connection")
			return components.Redis.Close()
		})

		components.Intercom = queue.NewRedisQueue(components.Redis, "fact")
		components.Locks = unpacklock.NewRedisManager(components.Redis, cfg.Unpack.LockTTL)
	} else {
		components.Intercom = queue.NewMemoryQueue(components.Logger)
		components.Locks = unpacklock.NewMemoryManager()
	}
	components.addCleanup(func() error {
		components.Logger.Info("closing intercom")
		return components.Intercom.Close()
	})

	// 5. Blob store
	if !options.skipBlobs {
		switch cfg.Storage.BlobBackend {
		case "s3":
			components.Blobs, err = blobstore.NewS3StoreFromEnv(ctx, cfg.Storage.S3Bucket, cfg.Storage.S3Region, cfg.Storage.S3Endpoint)
		default:
			components.Blobs, err = blobstore.NewFSStore(cfg.Storage.BlobDir)
		}
		if err != nil {
			return fail(fmt.Errorf("failed to create blob store: %w", err))
		}
	}

	// 6. Initialize telemetry (if not skipped)
	if !options.skipTelemetry && cfg.Telemetry.EnableMetrics {
		components.Logger.Info("initializing telemetry")
		components.Telemetry = telemetry.New(
			cfg.Telemetry.PprofPort,
			cfg.Telemetry.MetricsPort,
			cfg.Telemetry.EnablePprof,
			components.Logger,
		)

		if err := components.Telemetry.Start(ctx); err != nil {
			// telemetry is optional
			components.Logger.Warn("failed to start telemetry", "error", err)
		} else {
			components.addCleanup(func() error {
				return components.Telemetry.Shutdown(context.Background())
			})
		}
	}

	components.Logger.Info("service initialization complete",
		"service", serviceName,
		"store", cfg.Storage.StoreBackend,
		"db", components.DB != nil,
		"redis", components.Redis != nil,
		"blobs", cfg.Storage.BlobBackend,
		"telemetry", components.Telemetry != nil,
	)

	return components, nil
}

// MustSetup is like Setup but panics on error
func MustSetup(ctx context.Context, serviceName string, opts ...Option) *Components {
	components, err := Setup(ctx, serviceName, opts...)
	if err != nil {
		panic(fmt.Sprintf("failed to setup service %s: %v", serviceName, err))
	}
	return components
}
