package bootstrap

import (
	"context"
	"errors"
	"testing"

	"github.com/fwlab/fact/common/config"
	"github.com/fwlab/fact/common/logger"
	"github.com/fwlab/fact/common/models"
	"github.com/fwlab/fact/common/queue"
	"github.com/fwlab/fact/common/unpacklock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	cfg, err := config.Load("test")
	require.NoError(t, err)
	cfg.Storage.BlobDir = t.TempDir()
	cfg.Storage.StoreBackend = "memory"
	cfg.Intercom.Backend = "memory"
	cfg.Analysis.CacheSizeMB = 1
	return cfg
}

func TestSetup_InMemory(t *testing.T) {
	ctx := context.Background()
	c, err := Setup(ctx, "test",
		WithCustomConfig(testConfig(t)),
		WithCustomLogger(logger.New("error", "text")),
		WithoutTelemetry(),
	)
	require.NoError(t, err)

	assert.Nil(t, c.DB)
	assert.Nil(t, c.Redis)
	assert.IsType(t, &queue.MemoryQueue{}, c.Intercom)
	assert.IsType(t, &unpacklock.MemoryManager{}, c.Locks)
	require.NotNil(t, c.Store)
	require.NotNil(t, c.Blobs)

	fo := models.NewFileObject("x", []byte("x"))
	require.NoError(t, c.Store.AddObject(ctx, fo))
	exists, err := c.Store.Exists(ctx, fo.UID)
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, c.Health(ctx))
	require.NoError(t, c.Shutdown(ctx))
}

func TestComponents_ShutdownAggregatesErrors(t *testing.T) {
	c := &Components{Logger: logger.New("error", "text")}

	var order []int
	c.addCleanup(func() error { order = append(order, 1); return errors.New("first") })
	c.addCleanup(func() error { order = append(order, 2); return nil })
	c.addCleanup(func() error { order = append(order, 3); return errors.New("third") })

	err := c.Shutdown(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "first")
	assert.Contains(t, err.Error(), "third")
	assert.Equal(t, []int{3, 2, 1}, order)
}
