package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fwlab/fact/common/logger"
)

// ErrClosed is returned by operations on a closed queue
var ErrClosed = errors.New("queue closed")

// Queue is a FIFO message channel per topic, shared between processes
// when backed by Redis.
type Queue interface {
	Push(ctx context.Context, topic string, message []byte) error
	// Pop blocks up to timeout; returns nil, nil when nothing arrived.
	Pop(ctx context.Context, topic string, timeout time.Duration) ([]byte, error)
	Len(ctx context.Context, topic string) (int, error)
	Close() error
}

// ResponseStore keeps correlated responses that are consumed exactly once
type ResponseStore interface {
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Take returns the value and removes it; found is false when pending or already taken.
	Take(ctx context.Context, key string) (value []byte, found bool, err error)
}

// MemoryQueue is an in-process Queue and ResponseStore
type MemoryQueue struct {
	topics    map[string]*topic
	responses map[string]*response
	closed    bool
	mu        sync.Mutex
	log       *logger.Logger
}

type topic struct {
	items  [][]byte
	notify chan struct{}
}

type response struct {
	value     []byte
	expiresAt time.Time
}

// NewMemoryQueue creates a new in-memory queue
func NewMemoryQueue(log *logger.Logger) *MemoryQueue {
	return &MemoryQueue{
		topics:    make(map[string]*topic),
		responses: make(map[string]*response),
		log:       log,
	}
}

func (q *MemoryQueue) topic(name string) *topic {
	t, exists := q.topics[name]
	if !exists {
		t = &topic{notify: make(chan struct{}, 1)}
		q.topics[name] = t
	}
	return t
}

// Push appends a message to a topic
func (q *MemoryQueue) Push(ctx context.Context, name string, message []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}

	t := q.topic(name)
	t.items = append(t.items, message)

	select {
	case t.notify <- struct{}{}:
	default:
	}
	return nil
}

// Pop removes the oldest message from a topic, waiting up to timeout
func (q *MemoryQueue) Pop(ctx context.Context, name string, timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		t := q.topic(name)
		if len(t.items) > 0 {
			msg := t.items[0]
			t.items = t.items[1:]
			// wake another waiter if more work is left
			if len(t.items) > 0 {
				select {
				case t.notify <- struct{}{}:
				default:
				}
			}
			q.mu.Unlock()
			return msg, nil
		}
		notify := t.notify
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-notify:
		}
	}
}

// Len returns the number of queued messages in a topic
func (q *MemoryQueue) Len(ctx context.Context, name string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.topic(name).items), nil
}

// Put stores a response until it is taken or expires
func (q *MemoryQueue) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}

	entry := &response{value: value}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	q.responses[key] = entry
	return nil
}

// Take returns a response once
func (q *MemoryQueue) Take(ctx context.Context, key string) ([]byte, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, exists := q.responses[key]
	if !exists {
		return nil, false, nil
	}
	delete(q.responses, key)

	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		return nil, false, nil
	}
	return entry.value, true, nil
}

// Close closes the queue
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true

	for name, t := range q.topics {
		close(t.notify)
		if q.log != nil {
			q.log.Info("closed topic", "topic", name, "pending", len(t.items))
		}
	}
	return nil
}

// Transport carries intercom requests and their one-shot responses
type Transport interface {
	Queue
	ResponseStore
}
