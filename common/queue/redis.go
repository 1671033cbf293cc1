package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fwlab/fact/common/redis"
)

// RedisQueue shares topics and responses between frontend and backend
// processes through Redis lists and expiring keys.
type RedisQueue struct {
	client *redis.Client
	prefix string
}

// NewRedisQueue creates a Redis-backed queue; keys are namespaced by prefix
func NewRedisQueue(client *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "fact"
	}
	return &RedisQueue{client: client, prefix: prefix}
}

func (q *RedisQueue) topicKey(topic string) string {
	return fmt.Sprintf("%s:queue:%s", q.prefix, topic)
}

func (q *RedisQueue) responseKey(key string) string {
	return fmt.Sprintf("%s:response:%s", q.prefix, key)
}

// Push appends a message with RPUSH
func (q *RedisQueue) Push(ctx context.Context, topic string, message []byte) error {
	if err := q.client.PushToList(ctx, q.topicKey(topic), message); err != nil {
		return fmt.Errorf("failed to push to %s: %w", topic, err)
	}
	return nil
}

// Pop waits on BLPOP
func (q *RedisQueue) Pop(ctx context.Context, topic string, timeout time.Duration) ([]byte, error) {
	result, err := q.client.BlockingPopList(ctx, timeout, q.topicKey(topic))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	if len(result) < 2 {
		return nil, nil
	}
	// BLPOP returns [key, value]
	return []byte(result[1]), nil
}

// Len returns LLEN of the topic list
func (q *RedisQueue) Len(ctx context.Context, topic string) (int, error) {
	n, err := q.client.ListLength(ctx, q.topicKey(topic))
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Put stores a response with SET EX
func (q *RedisQueue) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return q.client.Set(ctx, q.responseKey(key), string(value), ttl)
}

// Take consumes a response with GETDEL
func (q *RedisQueue) Take(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := q.client.GetDel(ctx, q.responseKey(key))
	if errors.Is(err, redis.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return []byte(val), true, nil
}

// Close is a no-op; the Redis client is owned by bootstrap
func (q *RedisQueue) Close() error {
	return nil
}
