package ratelimit

import (
	"context"
	_ "embed"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

//go:embed rate_limit.lua
var rateLimitScript string

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Result contains the result of a rate limit check
type Result struct {
	Allowed           bool
	CurrentCount      int64
	Limit             int64
	RetryAfterSeconds int64
}

// Limiter counts requests per key within a rule's window
type Limiter interface {
	Check(ctx context.Context, rule Rule, client string) (*Result, error)
}

func key(rule Rule, client string) string {
	return fmt.Sprintf("rate_limit:%s:%s", rule.Name, client)
}

// RedisLimiter shares counters between frontend instances using Redis + Lua
type RedisLimiter struct {
	redis  *redis.Client
	script *redis.Script
	logger Logger
}

// NewRedisLimiter creates a limiter with the embedded Lua script
func NewRedisLimiter(redisClient *redis.Client, logger Logger) *RedisLimiter {
	return &RedisLimiter{
		redis:  redisClient,
		script: redis.NewScript(rateLimitScript),
		logger: logger,
	}
}

// Check counts one request of client against rule
func (r *RedisLimiter) Check(ctx context.Context, rule Rule, client string) (*Result, error) {
	k := key(rule, client)
	window := int64(rule.Window / time.Second)
	if window < 1 {
		window = 1
	}

	result, err := r.script.Run(ctx, r.redis, []string{k}, rule.Limit, window).Result()
	if err != nil {
		r.logger.Error("rate limit check failed", "key", k, "error", err)
		return nil, fmt.Errorf("rate limit check failed: %w", err)
	}

	// {allowed, current_count, limit, retry_after}
	values, ok := result.([]interface{})
	if !ok || len(values) != 4 {
		return nil, fmt.Errorf("unexpected script result format")
	}
	ints := make([]int64, 4)
	for i, v := range values {
		n, ok := v.(int64)
		if !ok {
			return nil, fmt.Errorf("unexpected script result value %v", v)
		}
		ints[i] = n
	}

	res := &Result{
		Allowed:           ints[0] == 1,
		CurrentCount:      ints[1],
		Limit:             ints[2],
		RetryAfterSeconds: ints[3],
	}
	logCheck(r.logger, k, res)
	return res, nil
}

// MemoryLimiter keeps fixed window counters in process
type MemoryLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
	logger  Logger
}

type window struct {
	count int64
	ends  time.Time
}

// NewMemoryLimiter creates an in-process limiter
func NewMemoryLimiter(logger Logger) *MemoryLimiter {
	return &MemoryLimiter{
		windows: make(map[string]*window),
		now:     time.Now,
		logger:  logger,
	}
}

// Check counts one request of client against rule
func (m *MemoryLimiter) Check(ctx context.Context, rule Rule, client string) (*Result, error) {
	k := key(rule, client)
	now := m.now()

	m.mu.Lock()
	w, exists := m.windows[k]
	if !exists || !now.Before(w.ends) {
		w = &window{ends: now.Add(rule.Window)}
		m.windows[k] = w
	}
	w.count++
	res := &Result{
		Allowed:      w.count <= rule.Limit,
		CurrentCount: w.count,
		Limit:        rule.Limit,
	}
	if !res.Allowed {
		res.RetryAfterSeconds = int64(w.ends.Sub(now).Round(time.Second) / time.Second)
	}
	m.mu.Unlock()

	logCheck(m.logger, k, res)
	return res, nil
}

func logCheck(logger Logger, k string, res *Result) {
	if !res.Allowed {
		logger.Warn("rate limit exceeded",
			"key", k,
			"current", res.CurrentCount,
			"limit", res.Limit,
			"retry_after", res.RetryAfterSeconds)
		return
	}
	logger.Debug("rate limit check passed",
		"key", k,
		"current", res.CurrentCount,
		"limit", res.Limit)
}
