package mutations

import (
	"context"
	"slices"
	"sync"
)

// keyedQueue serializes work per key in arrival order.
type keyedQueue struct {
	mu    sync.Mutex
	lanes map[string]*lane
}

type lane struct {
	held    bool
	waiters []chan struct{}
}

func newKeyedQueue() *keyedQueue {
	return &keyedQueue{lanes: make(map[string]*lane)}
}

// acquire blocks until every earlier request for key has released it. The returned func
// hands the key to the next waiter.
func (q *keyedQueue) acquire(ctx context.Context, key string) (func(), error) {
	q.mu.Lock()
	current, ok := q.lanes[key]
	if !ok {
		current = &lane{}
		q.lanes[key] = current
	}
	if !current.held {
		current.held = true
		q.mu.Unlock()
		return q.releaser(key), nil
	}
	turn := make(chan struct{})
	current.waiters = append(current.waiters, turn)
	q.mu.Unlock()

	select {
	case <-turn:
		return q.releaser(key), nil
	case <-ctx.Done():
		q.mu.Lock()
		index := slices.Index(current.waiters, turn)
		if index >= 0 {
			current.waiters = slices.Delete(current.waiters, index, index+1)
			q.mu.Unlock()
			return nil, ctx.Err()
		}
		q.mu.Unlock()
		// the key was handed over while the context ended
		q.release(key)
		return nil, ctx.Err()
	}
}

// depth returns the number of requests holding or waiting for key.
func (q *keyedQueue) depth(key string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	current, ok := q.lanes[key]
	if !ok {
		return 0
	}
	depth := len(current.waiters)
	if current.held {
		depth++
	}
	return depth
}

func (q *keyedQueue) releaser(key string) func() {
	var once sync.Once
	return func() {
		once.Do(func() { q.release(key) })
	}
}

func (q *keyedQueue) release(key string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	current, ok := q.lanes[key]
	if !ok {
		return
	}
	if len(current.waiters) > 0 {
		next := current.waiters[0]
		current.waiters = current.waiters[1:]
		close(next)
		return
	}
	delete(q.lanes, key)
}
