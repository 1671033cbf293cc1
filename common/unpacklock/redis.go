package unpacklock

import (
	"context"
	"fmt"
	"time"

	"github.com/fwlab/fact/common/redis"
)

// RedisManager shares locks between backend processes. Locks expire after
// ttl so a crashed worker cannot pin a uid forever.
type RedisManager struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisManager creates a Redis-backed Manager
func NewRedisManager(client *redis.Client, ttl time.Duration) *RedisManager {
	return &RedisManager{client: client, ttl: ttl}
}

func (m *RedisManager) key(uid string) string {
	return fmt.Sprintf("fact:unpacking:%s", uid)
}

func (m *RedisManager) TryAcquire(ctx context.Context, uid string) (bool, error) {
	ok, err := m.client.SetNX(ctx, m.key(uid), "1", m.ttl)
	if err != nil {
		return false, fmt.Errorf("failed to acquire unpacking lock: %w", err)
	}
	return ok, nil
}

func (m *RedisManager) Acquire(ctx context.Context, uid string) error {
	if err := m.client.Set(ctx, m.key(uid), "1", m.ttl); err != nil {
		return fmt.Errorf("failed to acquire unpacking lock: %w", err)
	}
	return nil
}

func (m *RedisManager) Release(ctx context.Context, uid string) error {
	if err := m.client.Delete(ctx, m.key(uid)); err != nil {
		return fmt.Errorf("failed to release unpacking lock: %w", err)
	}
	return nil
}

func (m *RedisManager) IsLocked(ctx context.Context, uid string) (bool, error) {
	locked, err := m.client.Exists(ctx, m.key(uid))
	if err != nil {
		return false, fmt.Errorf("failed to check unpacking lock: %w", err)
	}
	return locked, nil
}
