package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFIFO_Order(t *testing.T) {
	q := NewFIFO[int]()
	for i := 0; i < 5; i++ {
		q.Push(i)
	}
	assert.Equal(t, 5, q.Len())

	for i := 0; i < 5; i++ {
		v, ok := q.Pop(context.Background(), nil)
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
	assert.Zero(t, q.Len())
}

func TestFIFO_PopWaitsForPush(t *testing.T) {
	q := NewFIFO[string]()
	got := make(chan string, 1)
	go func() {
		v, _ := q.Pop(context.Background(), nil)
		got <- v
	}()

	time.Sleep(10 * time.Millisecond)
	q.Push("late")
	select {
	case v := <-got:
		assert.Equal(t, "late", v)
	case <-time.After(time.Second):
		t.Fatal("pop did not wake up")
	}
}

func TestFIFO_StopAndCancel(t *testing.T) {
	q := NewFIFO[int]()

	stop := make(chan struct{})
	close(stop)
	_, ok := q.Pop(context.Background(), stop)
	assert.False(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok = q.Pop(ctx, nil)
	assert.False(t, ok)
}

func TestFIFO_ManyConsumers(t *testing.T) {
	q := NewFIFO[int]()
	const items = 200

	var mu sync.Mutex
	seen := make(map[int]bool)
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				v, ok := q.Pop(context.Background(), stop)
				if !ok {
					return
				}
				mu.Lock()
				seen[v] = true
				mu.Unlock()
			}
		}()
	}

	for i := 0; i < items; i++ {
		q.Push(i)
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == items
	}, 2*time.Second, 5*time.Millisecond)

	close(stop)
	wg.Wait()
}
