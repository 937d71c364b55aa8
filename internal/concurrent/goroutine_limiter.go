package concurrent

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// LimitedGoroutineRunner runs at most limit functions at the same time
type LimitedGoroutineRunner struct {
	sem *semaphore.Weighted
}

// NewGoroutineLimiter creates a LimitedGoroutineRunner. A limit below 1 is treated as 1.
func NewGoroutineLimiter(limit int64) *LimitedGoroutineRunner {
	if limit < 1 {
		limit = 1
	}
	return &LimitedGoroutineRunner{
		sem: semaphore.NewWeighted(limit),
	}
}

// Go blocks until a slot is free or ctx is done, then runs fn in a new goroutine
func (l *LimitedGoroutineRunner) Go(ctx context.Context, fn func()) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}

	go func() {
		defer l.sem.Release(1)
		fn()
	}()

	return nil
}
