package transfer

import (
	"context"
	"sync"
)

// Guard keeps the process alive while a transfer runs. The returned release
// function must be called exactly once; extra calls are ignored.
type Guard interface {
	Acquire(reason string) (release func())
}

// Counter is a Guard that counts active holds so a shutting down process
// can wait for in-flight transfers.
type Counter struct {
	mu      sync.Mutex
	active  int
	waiters []chan struct{}
}

// NewCounter returns an idle Counter.
func NewCounter() *Counter {
	return &Counter{}
}

func (c *Counter) Acquire(string) func() {
	c.mu.Lock()
	c.active++
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(c.release)
	}
}

func (c *Counter) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active--
	if c.active > 0 {
		return
	}
	for _, ch := range c.waiters {
		close(ch)
	}
	c.waiters = nil
}

// Active returns the number of holds not yet released.
func (c *Counter) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Wait blocks until no hold is active or ctx is done.
func (c *Counter) Wait(ctx context.Context) error {
	c.mu.Lock()
	if c.active == 0 {
		c.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	c.waiters = append(c.waiters, ch)
	c.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
