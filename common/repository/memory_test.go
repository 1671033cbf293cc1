package repository

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fwlab/fact/common/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func completed(version string) *models.AnalysisResult {
	return &models.AnalysisResult{
		PluginVersion: version,
		AnalysisDate:  time.Now().UTC(),
		Status:        models.StatusCompleted,
		Result:        json.RawMessage(`{"ok":true}`),
	}
}

// buildFirmware returns a firmware with two included files
func buildFirmware(t *testing.T, s Store) (*models.Firmware, *models.FileObject, *models.FileObject) {
	t.Helper()
	ctx := context.Background()

	fw := models.NewFirmware("fw.zip", []byte("firmware"))
	fw.DeviceName = "router"
	fw.Vendor = "ACME"
	fw.Version = "1.0"
	a := models.NewFileObject("a", []byte("a"))
	b := models.NewFileObject("b", []byte("b"))
	fw.AddIncludedFile(a, "/a")
	a.AddIncludedFile(b, "/b")

	require.NoError(t, s.AddFirmware(ctx, fw))
	require.NoError(t, s.AddObject(ctx, a))
	require.NoError(t, s.AddObject(ctx, b))
	return fw, a, b
}

func TestMemoryStore_ObjectsAndFirmware(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	fw, a, b := buildFirmware(t, s)

	isFw, err := s.IsFirmware(ctx, fw.UID)
	require.NoError(t, err)
	assert.True(t, isFw)

	isFw, err = s.IsFirmware(ctx, a.UID)
	require.NoError(t, err)
	assert.False(t, isFw)

	got, err := s.GetFirmware(ctx, fw.UID)
	require.NoError(t, err)
	assert.Equal(t, "router", got.DeviceName)
	assert.Equal(t, []string{a.UID}, got.FilesIncluded)

	_, err = s.GetFirmware(ctx, a.UID)
	assert.ErrorIs(t, err, ErrNotFound)

	included, err := s.IncludedUIDs(ctx, fw.UID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.UID, b.UID}, included)

	require.NoError(t, s.DeleteObject(ctx, b.UID))
	exists, err := s.Exists(ctx, b.UID)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMemoryStore_AddObjectMerges(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	fw1 := models.NewFileObject("fw1", []byte("fw1"))
	fw2 := models.NewFileObject("fw2", []byte("fw2"))
	shared1 := models.NewFileObject("busybox", []byte("busybox"))
	shared2 := models.NewFileObject("busybox", []byte("busybox"))
	fw1.AddIncludedFile(shared1, "/bin/busybox")
	fw2.AddIncludedFile(shared2, "/sbin/busybox")

	require.NoError(t, s.AddObject(ctx, shared1))
	require.NoError(t, s.AddObject(ctx, shared2))

	got, err := s.GetObject(ctx, shared1.UID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{fw1.UID, fw2.UID}, got.ParentFirmwareUIDs)
}

func TestMemoryStore_Analysis(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_, a, _ := buildFirmware(t, s)

	result, err := s.GetAnalysis(ctx, a.UID, "file_hashes")
	require.NoError(t, err)
	assert.Nil(t, result)

	require.NoError(t, s.UpdateAnalysis(ctx, a.UID, "file_hashes", completed("1.0")))
	result, err = s.GetAnalysis(ctx, a.UID, "file_hashes")
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, "1.0", result.PluginVersion)

	err = s.UpdateAnalysis(ctx, "unknown", "file_hashes", completed("1.0"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_MissingAndFailed(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	fw, a, b := buildFirmware(t, s)

	require.NoError(t, s.UpdateAnalysis(ctx, fw.UID, "file_type", completed("1.0")))
	require.NoError(t, s.UpdateAnalysis(ctx, a.UID, "file_type", completed("1.0")))
	require.NoError(t, s.UpdateAnalysis(ctx, b.UID, "file_type", &models.AnalysisResult{
		Status: models.StatusTimedOut,
		Error:  "timeout",
	}))
	require.NoError(t, s.UpdateAnalysis(ctx, a.UID, "printable_strings", &models.AnalysisResult{
		Status: models.StatusCompleted,
		Result: json.RawMessage(`{"failed":"plugin reported an error"}`),
	}))

	missing, err := s.MissingAnalyses(ctx)
	require.NoError(t, err)
	assert.Empty(t, missing)

	require.NoError(t, s.UpdateAnalysis(ctx, fw.UID, "file_hashes", completed("1.0")))
	missing, err = s.MissingAnalyses(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.UID, b.UID}, missing[fw.UID])

	failed, err := s.FailedAnalyses(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{b.UID}, failed["file_type"])
	assert.Equal(t, []string{a.UID}, failed["printable_strings"])
}

type testLogger struct {
	t *testing.T

	mu     sync.Mutex
	debugs []string
}

func (l *testLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.t.Logf("DEBUG: %s %v", msg, keysAndValues)
	l.mu.Lock()
	l.debugs = append(l.debugs, msg)
	l.mu.Unlock()
}

func (l *testLogger) messages() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.debugs...)
}

// brokenCache fails every call
type brokenCache struct{}

func (brokenCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return nil, false, errors.New("cache down")
}
func (brokenCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return errors.New("cache down")
}
func (brokenCache) Delete(ctx context.Context, key string) error { return errors.New("cache down") }
func (brokenCache) Close() error                                  { return nil }

// mapCache is a synchronous cache.Cache
type mapCache struct {
	mu   sync.Mutex
	data map[string][]byte
	hits int
}

func (c *mapCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	if ok {
		c.hits++
	}
	return v, ok, nil
}

func (c *mapCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	c.data[key] = value
	c.mu.Unlock()
	return nil
}

func (c *mapCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	delete(c.data, key)
	c.mu.Unlock()
	return nil
}

func (c *mapCache) Close() error { return nil }

func TestCachedStore(t *testing.T) {
	inner := NewMemoryStore()
	c := &mapCache{data: map[string][]byte{}}
	s := NewCachedStore(inner, c, time.Minute, &testLogger{t: t})
	ctx := context.Background()
	_, a, _ := buildFirmware(t, s)

	require.NoError(t, s.UpdateAnalysis(ctx, a.UID, "file_type", completed("1.0")))

	for i := 0; i < 3; i++ {
		r, err := s.GetAnalysis(ctx, a.UID, "file_type")
		require.NoError(t, err)
		assert.Equal(t, "1.0", r.PluginVersion)
	}
	assert.Equal(t, 2, c.hits)

	require.NoError(t, s.UpdateAnalysis(ctx, a.UID, "file_type", completed("2.0")))
	r, err := s.GetAnalysis(ctx, a.UID, "file_type")
	require.NoError(t, err)
	assert.Equal(t, "2.0", r.PluginVersion, "update invalidates the cached entry")

	missing, err := s.GetAnalysis(ctx, a.UID, "unknown")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, s.DeleteObject(ctx, a.UID))
	assert.Empty(t, c.data)
}

func TestCachedStore_ForgetDropsResultsDeletedElsewhere(t *testing.T) {
	inner := NewMemoryStore()
	c := &mapCache{data: map[string][]byte{}}
	s := NewCachedStore(inner, c, time.Minute, &testLogger{t: t})
	ctx := context.Background()
	_, a, _ := buildFirmware(t, s)

	require.NoError(t, s.UpdateAnalysis(ctx, a.UID, "file_type", completed("1.0")))
	r, err := s.GetAnalysis(ctx, a.UID, "file_type")
	require.NoError(t, err)
	require.NotNil(t, r)

	// another process deletes the object through its own store
	require.NoError(t, inner.DeleteObject(ctx, a.UID))
	r, err = s.GetAnalysis(ctx, a.UID, "file_type")
	require.NoError(t, err)
	assert.NotNil(t, r, "still served from the cache")

	s.Forget(ctx, a.UID, "file_type", "file_hashes")
	r, err = s.GetAnalysis(ctx, a.UID, "file_type")
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestCachedStore_CacheErrorsFallBackToStore(t *testing.T) {
	log := &testLogger{t: t}
	s := NewCachedStore(NewMemoryStore(), brokenCache{}, time.Minute, log)
	ctx := context.Background()
	_, a, _ := buildFirmware(t, s)

	require.NoError(t, s.UpdateAnalysis(ctx, a.UID, "file_type", completed("1.0")))
	r, err := s.GetAnalysis(ctx, a.UID, "file_type")
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, "1.0", r.PluginVersion)

	assert.Subset(t, log.messages(), []string{
		"failed to invalidate cached analysis",
		"failed to read cached analysis",
		"failed to cache analysis",
	})
}
