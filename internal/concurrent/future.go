package concurrent

import (
	"context"
	"fmt"
)

// A Future is the pending result of a function started through a GoroutineRunner. The task collector keeps one per
// task group, so a group can wait on the groups it depends on
type (
	GoroutineRunner interface {
		// Go starts a go routine and returns an error if the go routine could not be started.
		Go(context.Context, func()) error
	}

	Future[T any] struct {
		done *futureState[T]
	}

	futureState[T any] struct {
		ch  chan struct{}
		res T
		err error
	}
)

// SubmitFuture creates a new future that will run the given function in a go routine.
//
// This function will potentially block depending on the underlying GoroutineRunner implementation. E.g., the
// GoroutineRunner could be a worker pool with a limited number of workers, in which case this function could block until
// a worker is available. A panic in fn is converted into an error on the future.
func SubmitFuture[T any](ctx context.Context, runner GoroutineRunner, fn func() (T, error)) (Future[T], error) {
	state := &futureState[T]{ch: make(chan struct{})}

	if err := runner.Go(ctx, func() {
		defer close(state.ch)
		defer func() {
			if p := recover(); p != nil {
				state.err = fmt.Errorf("panic: %v", p)
			}
		}()
		state.res, state.err = fn()
	}); err != nil {
		return Future[T]{}, err
	}

	return Future[T]{done: state}, nil
}

// Done returns a channel that is closed once the result is available
func (f Future[T]) Done() <-chan struct{} {
	return f.done.ch
}

// Get blocks until the result is available or the context is cancelled. It can be called any number of times, from
// any number of go routines
func (f Future[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-ctx.Done():
		var zeroVal T
		return zeroVal, ctx.Err()
	case <-f.done.ch:
		return f.done.res, f.done.err
	}
}
