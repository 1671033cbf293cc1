// Package unpacklock tracks which uids are currently being unpacked so that
// the deletion path never removes content mid-extraction and the same uid is
// never extracted twice concurrently.
package unpacklock

import (
	"context"
	"sync"
)

// Manager is shared between unpacking workers and the deletion path
type Manager interface {
	// TryAcquire locks uid if it is free and reports whether this caller got it
	TryAcquire(ctx context.Context, uid string) (bool, error)
	// Acquire marks uid as unpacking regardless of its current state
	Acquire(ctx context.Context, uid string) error
	// Release clears the lock; releasing a free uid is a no-op
	Release(ctx context.Context, uid string) error
	IsLocked(ctx context.Context, uid string) (bool, error)
}

// MemoryManager is a process-local Manager
type MemoryManager struct {
	mu     sync.Mutex
	locked map[string]struct{}
}

// NewMemoryManager creates an empty lock set
func NewMemoryManager() *MemoryManager {
	return &MemoryManager{locked: make(map[string]struct{})}
}

func (m *MemoryManager) TryAcquire(_ context.Context, uid string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, held := m.locked[uid]; held {
		return false, nil
	}
	m.locked[uid] = struct{}{}
	return true, nil
}

func (m *MemoryManager) Acquire(_ context.Context, uid string) error {
	m.mu.Lock()
	m.locked[uid] = struct{}{}
	m.mu.Unlock()
	return nil
}

func (m *MemoryManager) Release(_ context.Context, uid string) error {
	m.mu.Lock()
	delete(m.locked, uid)
	m.mu.Unlock()
	return nil
}

func (m *MemoryManager) IsLocked(_ context.Context, uid string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, held := m.locked[uid]
	return held, nil
}

// Len returns the number of held locks
func (m *MemoryManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locked)
}
