package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fwlab/fact/common/cache"
	"github.com/fwlab/fact/common/models"
)

// Logger interface for logging
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
}

// CachedStore keeps recently read analysis results in memory in front of
// another Store. Identical binaries recur across firmware images, so most
// lookups of a popular uid hit the cache.
type CachedStore struct {
	Store
	cache  cache.Cache
	ttl    time.Duration
	logger Logger
}

// NewCachedStore wraps inner with an analysis result cache
func NewCachedStore(inner Store, c cache.Cache, ttl time.Duration, logger Logger) *CachedStore {
	return &CachedStore{Store: inner, cache: c, ttl: ttl, logger: logger}
}

func analysisKey(uid, plugin string) string {
	return fmt.Sprintf("analysis:%s|%s", uid, plugin)
}

// GetAnalysis serves from cache, falling back to the inner store
func (s *CachedStore) GetAnalysis(ctx context.Context, uid, plugin string) (*models.AnalysisResult, error) {
	key := analysisKey(uid, plugin)

	raw, found, err := s.cache.Get(ctx, key)
	if err != nil {
		s.logger.Debug("failed to read cached analysis", "key", key, "error", err)
	} else if found {
		result := &models.AnalysisResult{}
		if err := json.Unmarshal(raw, result); err == nil {
			return result, nil
		}
	}

	result, err := s.Store.GetAnalysis(ctx, uid, plugin)
	if err != nil || result == nil {
		return result, err
	}

	if raw, err := json.Marshal(result); err == nil {
		if err := s.cache.Set(ctx, key, raw, s.ttl); err != nil {
			s.logger.Debug("failed to cache analysis", "key", key, "error", err)
		}
	}
	return result, nil
}

func (s *CachedStore) invalidate(ctx context.Context, uid, plugin string) {
	key := analysisKey(uid, plugin)
	if err := s.cache.Delete(ctx, key); err != nil {
		s.logger.Debug("failed to invalidate cached analysis", "key", key, "error", err)
	}
}

// Forget drops the cached results of uid for plugins. Used by processes
// that learn of a deletion made elsewhere.
func (s *CachedStore) Forget(ctx context.Context, uid string, plugins ...string) {
	for _, plugin := range plugins {
		s.invalidate(ctx, uid, plugin)
	}
}

// AddObject invalidates cached results carried by fo
func (s *CachedStore) AddObject(ctx context.Context, fo *models.FileObject) error {
	for plugin := range fo.ProcessedAnalysis {
		s.invalidate(ctx, fo.UID, plugin)
	}
	return s.Store.AddObject(ctx, fo)
}

// AddFirmware invalidates cached results carried by fw
func (s *CachedStore) AddFirmware(ctx context.Context, fw *models.Firmware) error {
	for plugin := range fw.ProcessedAnalysis {
		s.invalidate(ctx, fw.UID, plugin)
	}
	return s.Store.AddFirmware(ctx, fw)
}

// UpdateAnalysis writes through and drops the stale entry
func (s *CachedStore) UpdateAnalysis(ctx context.Context, uid, plugin string, result *models.AnalysisResult) error {
	s.invalidate(ctx, uid, plugin)
	return s.Store.UpdateAnalysis(ctx, uid, plugin, result)
}

// DeleteObject drops every cached result of uid
func (s *CachedStore) DeleteObject(ctx context.Context, uid string) error {
	if fo, err := s.Store.GetObject(ctx, uid); err == nil {
		for plugin := range fo.ProcessedAnalysis {
			s.invalidate(ctx, uid, plugin)
		}
	}
	return s.Store.DeleteObject(ctx, uid)
}
