// Package loop provides the single execution context that owns the session,
// scheduler and history state. Work is posted as closures and runs one at a
// time on the goroutine that called Run.
package loop

import (
	"context"
	"errors"
	"sync"
)

// ErrStopped is returned when work is posted to a loop that is no longer running.
var ErrStopped = errors.New("loop stopped")

// Dispatcher accepts work for the owning context. Post reports false when
// the work will never run.
type Dispatcher interface {
	Post(fn func()) bool
}

// Loop is a serial executor.
type Loop struct {
	queue chan func()
	done  chan struct{}
	once  sync.Once
}

// New returns a loop with a queue of the given size.
func New(buffer int) *Loop {
	if buffer <= 0 {
		buffer = 256
	}
	return &Loop{
		queue: make(chan func(), buffer),
		done:  make(chan struct{}),
	}
}

// Post enqueues fn. It blocks only while the queue is full.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.queue <- fn:
		return true
	case <-l.done:
		return false
	}
}

// Do runs fn on the loop and waits for it to finish. It must not be called
// from the loop itself.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrStopped
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return ErrStopped
	}
}

// Run executes posted work until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	defer l.once.Do(func() { close(l.done) })
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-l.queue:
			fn()
		}
	}
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}
