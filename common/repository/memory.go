package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/fwlab/fact/common/models"
)

// MemoryStore is a process-local Store used in development and tests
type MemoryStore struct {
	mu        sync.RWMutex
	objects   map[string]*models.FileObject
	firmwares map[string]*models.Firmware
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects:   make(map[string]*models.FileObject),
		firmwares: make(map[string]*models.Firmware),
	}
}

func (s *MemoryStore) GetAnalysis(ctx context.Context, uid, plugin string) (*models.AnalysisResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fo, ok := s.objects[uid]
	if !ok {
		return nil, nil
	}
	return fo.ProcessedAnalysis[plugin], nil
}

func (s *MemoryStore) AddObject(ctx context.Context, fo *models.FileObject) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addObjectLocked(fo)
	return nil
}

func (s *MemoryStore) addObjectLocked(fo *models.FileObject) {
	if existing, ok := s.objects[fo.UID]; ok {
		existing.Merge(fo)
		return
	}
	c := fo.Clone()
	c.ScheduledAnalysis = nil
	c.ForceReanalysis = false
	s.objects[fo.UID] = c
}

func (s *MemoryStore) AddFirmware(ctx context.Context, fw *models.Firmware) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.addObjectLocked(&fw.FileObject)
	meta := *fw
	meta.FileObject = models.FileObject{UID: fw.UID}
	meta.Tags = append([]string(nil), fw.Tags...)
	meta.RequestedAnalysis = append([]string(nil), fw.RequestedAnalysis...)
	s.firmwares[fw.UID] = &meta
	return nil
}

func (s *MemoryStore) UpdateAnalysis(ctx context.Context, uid, plugin string, result *models.AnalysisResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fo, ok := s.objects[uid]
	if !ok {
		return fmt.Errorf("failed to update analysis %s of %s: %w", plugin, uid, ErrNotFound)
	}
	if fo.ProcessedAnalysis == nil {
		fo.ProcessedAnalysis = make(map[string]*models.AnalysisResult)
	}
	fo.ProcessedAnalysis[plugin] = result
	return nil
}

func (s *MemoryStore) GetObject(ctx context.Context, uid string) (*models.FileObject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fo, ok := s.objects[uid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, uid)
	}
	return fo.Clone(), nil
}

func (s *MemoryStore) GetFirmware(ctx context.Context, uid string) (*models.Firmware, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	meta, ok := s.firmwares[uid]
	if !ok {
		return nil, fmt.Errorf("%w: firmware %s", ErrNotFound, uid)
	}
	fw := *meta
	fw.FileObject = *s.objects[uid].Clone()
	fw.Tags = append([]string(nil), meta.Tags...)
	fw.RequestedAnalysis = append([]string(nil), meta.RequestedAnalysis...)
	return &fw, nil
}

func (s *MemoryStore) IsFirmware(ctx context.Context, uid string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.firmwares[uid]
	return ok, nil
}

func (s *MemoryStore) Exists(ctx context.Context, uid string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[uid]
	return ok, nil
}

func (s *MemoryStore) DeleteObject(ctx context.Context, uid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, uid)
	delete(s.firmwares, uid)
	return nil
}

func (s *MemoryStore) IncludedUIDs(ctx context.Context, uid string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	for _, fo := range s.objects {
		for _, root := range fo.ParentFirmwareUIDs {
			if root == uid {
				out = append(out, fo.UID)
				break
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) MissingAnalyses(ctx context.Context) (map[string][]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	missing := make(map[string][]string)
	for fwUID := range s.firmwares {
		fw := s.objects[fwUID]
		for _, fo := range s.objects {
			if !containsString(fo.ParentFirmwareUIDs, fwUID) {
				continue
			}
			for plugin := range fw.ProcessedAnalysis {
				if _, ok := fo.ProcessedAnalysis[plugin]; !ok {
					missing[fwUID] = append(missing[fwUID], fo.UID)
					break
				}
			}
		}
		if uids, ok := missing[fwUID]; ok {
			sort.Strings(uids)
		}
	}
	return missing, nil
}

func (s *MemoryStore) FailedAnalyses(ctx context.Context) (map[string][]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	failed := make(map[string][]string)
	for uid, fo := range s.objects {
		for plugin, result := range fo.ProcessedAnalysis {
			raw, err := marshalResult(result)
			if err != nil {
				return nil, fmt.Errorf("failed to encode result %s of %s: %w", plugin, uid, err)
			}
			if isFailedResult(raw) {
				failed[plugin] = append(failed[plugin], uid)
			}
		}
	}
	for _, uids := range failed {
		sort.Strings(uids)
	}
	return failed, nil
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
