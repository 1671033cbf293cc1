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
	"github.com/hashicorp/go-multierror"
)

// Components holds all initialized service dependencies
type Components struct {
	Config    *config.Config
	Logger    *logger.Logger
	DB        *db.DB
	Redis     *redis.Client
	Intercom  queue.Transport
	Cache     cache.Cache
	Store     *repository.CachedStore
	Blobs     blobstore.Store
	Locks     unpacklock.Manager
	Telemetry *telemetry.Telemetry

	cleanupFuncs []func() error
}

// Shutdown performs graceful shutdown of all components.
// Should be called with defer after Setup().
func (c *Components) Shutdown(ctx context.Context) error {
	c.Logger.Info("shutting down components")

	var result *multierror.Error

	// LIFO
	for i := len(c.cleanupFuncs) - 1; i >= 0; i-- {
		if err := c.cleanupFuncs[i](); err != nil {
			result = multierror.Append(result, err)
			c.Logger.Error("cleanup error", "error", err)
		}
	}
	c.cleanupFuncs = nil

	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("shutdown errors: %w", err)
	}

	c.Logger.Info("shutdown complete")
	return nil
}

// Health checks health of all components
func (c *Components) Health(ctx context.Context) error {
	if c.DB != nil {
		if err := c.DB.Health(ctx); err != nil {
			return fmt.Errorf("database unhealthy: %w", err)
		}
	}

	if c.Redis != nil {
		if err := c.Redis.Ping(ctx); err != nil {
			return fmt.Errorf("redis unhealthy: %w", err)
		}
	}

	return nil
}

func (c *Components) addCleanup(fn func() error) {
	c.cleanupFuncs = append(c.cleanupFuncs, fn)
}
