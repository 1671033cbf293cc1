package unpacklock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fwlab/fact/common/redis"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testLogger struct{ t *testing.T }

func (l *testLogger) Info(msg string, kv ...interface{})  { l.t.Logf("INFO: %s %v", msg, kv) }
func (l *testLogger) Error(msg string, kv ...interface{}) { l.t.Logf("ERROR: %s %v", msg, kv) }
func (l *testLogger) Warn(msg string, kv ...interface{})  { l.t.Logf("WARN: %s %v", msg, kv) }
func (l *testLogger) Debug(msg string, kv ...interface{}) {}

func managers(t *testing.T) map[string]Manager {
	out := map[string]Manager{"memory": NewMemoryManager()}

	rdb := goredis.NewClient(&goredis.Options{Addr: "localhost:6379", DB: 15})
	if err := rdb.Ping(context.Background()).Err(); err == nil {
		rdb.FlushDB(context.Background())
		t.Cleanup(func() {
			rdb.FlushDB(context.Background())
			rdb.Close()
		})
		out["redis"] = NewRedisManager(redis.NewClient(rdb, &testLogger{t}), time.Minute)
	}
	return out
}

func TestManager_LockLifecycle(t *testing.T) {
	for name, m := range managers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			locked, err := m.IsLocked(ctx, "uid-1")
			require.NoError(t, err)
			assert.False(t, locked)

			require.NoError(t, m.Acquire(ctx, "uid-1"))
			locked, err = m.IsLocked(ctx, "uid-1")
			require.NoError(t, err)
			assert.True(t, locked)

			ok, err := m.TryAcquire(ctx, "uid-1")
			require.NoError(t, err)
			assert.False(t, ok, "held lock cannot be taken again")

			require.NoError(t, m.Release(ctx, "uid-1"))
			locked, err = m.IsLocked(ctx, "uid-1")
			require.NoError(t, err)
			assert.False(t, locked)

			// releasing a free uid is a no-op
			require.NoError(t, m.Release(ctx, "uid-1"))
			require.NoError(t, m.Release(ctx, "never-locked"))
		})
	}
}

func TestManager_TryAcquireIsAtomic(t *testing.T) {
	for name, m := range managers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			const workers = 32

			var winners int32
			var wg sync.WaitGroup
			start := make(chan struct{})

			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					ok, err := m.TryAcquire(ctx, "contended")
					if err == nil && ok {
						atomic.AddInt32(&winners, 1)
					}
				}()
			}

			close(start)
			wg.Wait()

			assert.Equal(t, int32(1), winners)
			require.NoError(t, m.Release(ctx, "contended"))
		})
	}
}

func TestMemoryManager_IndependentUIDs(t *testing.T) {
	m := NewMemoryManager()
	ctx := context.Background()

	ok, _ := m.TryAcquire(ctx, "a")
	assert.True(t, ok)
	ok, _ = m.TryAcquire(ctx, "b")
	assert.True(t, ok)
	assert.Equal(t, 2, m.Len())

	_ = m.Release(ctx, "a")
	assert.Equal(t, 1, m.Len())
}
