package testsupport

import (
	"context"
	"sync"
	"testing"
	"time"

	"taskqueue/internal/config"
	"taskqueue/internal/queue"
)

// MustOpenStore opens a queue.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config, opts ...queue.Option) *queue.Store {
	t.Helper()

	store, err := queue.Open(context.Background(), cfg, opts...)
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

// Clock is a manually advanced time source for lease tests.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a clock at a fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// MustEnqueue enqueues a task of the given type and priority or fails the test.
func MustEnqueue(t testing.TB, store *queue.Store, taskType string, priority int) *queue.Task {
	t.Helper()
	res, err := store.Enqueue(context.Background(), queue.EnqueueRequest{Type: taskType, Priority: priority})
	if err != nil {
		t.Fatalf("Enqueue(%s, %d): %v", taskType, priority, err)
	}
	return res.Task
}
