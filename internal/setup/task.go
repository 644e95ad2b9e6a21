// Package setup runs media setup sequences off the connection reader.
package setup

import (
	"context"
	"sync"
	"time"
)

// Task is one setup attempt. It is created, published to the coordinator's
// state, and only then started with Run, so that a concurrent stop can always
// find and cancel it.
type Task struct {
	ctx    context.Context
	cancel context.CancelFunc

	once sync.Once
	done chan struct{}
	err  error
}

// New returns an unstarted task whose context is cancelled after timeout
// (when positive) or by Cancel.
func New(parent context.Context, timeout time.Duration) *Task {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(parent, timeout)
	} else {
		ctx, cancel = context.WithCancel(parent)
	}
	return &Task{ctx: ctx, cancel: cancel, done: make(chan struct{})}
}

// Run starts fn in its own goroutine. Only the first call has any effect.
func (t *Task) Run(fn func(ctx context.Context) error) {
	t.once.Do(func() {
		go func() {
			defer close(t.done)
			defer t.cancel()
			t.err = fn(t.ctx)
		}()
	})
}

func (t *Task) Cancel() { t.cancel() }

func (t *Task) Done() <-chan struct{} { return t.done }

// Wait blocks until fn has returned and reports its error.
func (t *Task) Wait() error {
	<-t.done
	return t.err
}
