// Package runloop provides the single logical thread the mesh runs on.
// Transport callbacks, sampler ticks and control-API requests are posted
// here so the managers never see concurrent calls.
package runloop

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
)

var ErrStopped = errors.New("run loop stopped")

// Loop is a FIFO task queue drained by a single goroutine. The queue is
// unbounded so that tasks running on the loop can post without waiting on
// the loop itself.
type Loop struct {
	mu    sync.Mutex
	queue []func()
	wake  chan struct{}

	done chan struct{}
	once sync.Once
}

// New returns a loop whose queue starts with room for size tasks.
func New(size int) *Loop {
	return &Loop{
		queue: make([]func(), 0, size),
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Run executes posted tasks until ctx is cancelled. A panicking task is
// logged and the loop keeps going.
func (l *Loop) Run(ctx context.Context) {
	defer l.once.Do(func() { close(l.done) })
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "runloop").Msg("loop ctx done")
			return
		case <-l.wake:
		}
		for {
			fn, ok := l.next()
			if !ok {
				break
			}
			l.exec(fn)
			if ctx.Err() != nil {
				log.Info().Str("module", "runloop").Msg("loop ctx done")
				return
			}
		}
	}
}

func (l *Loop) next() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return nil, false
	}
	fn := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return fn, true
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("module", "runloop").Interface("panic", r).Msg("task failed")
		}
	}()
	fn()
}

func (l *Loop) enqueue(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Post enqueues fn without blocking, from any goroutine including the
// loop's own. fn is dropped once the loop has stopped.
func (l *Loop) Post(fn func()) {
	if !l.enqueue(fn) {
		log.Debug().Str("module", "runloop").Msg("post after stop dropped")
	}
}

// Call runs fn on the loop and waits for its result. It must not be
// called from the loop itself.
func (l *Loop) Call(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	result := make(chan error, 1)
	if !l.enqueue(func() { result <- fn() }) {
		return ErrStopped
	}
	select {
	case err := <-result:
		return err
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} { return l.done }
