// CLAUDE:SUMMARY Single-goroutine cooperative event loop: posted tasks, synchronous calls, timers, idle slices.
// Package loop provides the single execution context that owns the content
// tree and every piece of engine state. Other goroutines hand work to it
// with Post or Call; timers and idle callbacks run on it too.
package loop

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// ErrStopped is returned by Call once the loop has exited.
var ErrStopped = errors.New("loop: stopped")

// Loop runs posted functions one at a time, in order.
type Loop struct {
	mu    sync.Mutex
	tasks []func()
	idle  []func()
	wake  chan struct{}
	done  chan struct{}

	running atomic.Bool
	exited  atomic.Bool
	logger  *slog.Logger
}

// Option configures a Loop.
type Option func(*Loop)

// WithLogger sets the logger used for recovered panics.
func WithLogger(l *slog.Logger) Option {
	return func(lp *Loop) { lp.logger = l }
}

// New creates a Loop. Call Run to start processing.
func New(opts ...Option) *Loop {
	l := &Loop{
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Post queues fn to run on the loop. Safe from any goroutine.
func (l *Loop) Post(fn func()) {
	if l.exited.Load() {
		return
	}
	l.mu.Lock()
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()
	l.signal()
}

// RequestIdle queues fn to run when no posted task is pending. Each idle
// slice runs a single idle callback.
func (l *Loop) RequestIdle(fn func()) {
	if l.exited.Load() {
		return
	}
	l.mu.Lock()
	l.idle = append(l.idle, fn)
	l.mu.Unlock()
	l.signal()
}

// Call runs fn on the loop and waits for it to finish. It must not be
// called from the loop goroutine itself.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	if l.exited.Load() {
		return ErrStopped
	}
	done := make(chan struct{})
	l.Post(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		select {
		case <-done:
			return nil
		default:
			return ErrStopped
		}
	}
}

// Timer is a cancellable delayed task.
type Timer struct {
	t       *time.Timer
	stopped atomic.Bool
}

// Stop prevents the task from running if it has not started yet.
func (t *Timer) Stop() {
	if t == nil {
		return
	}
	t.stopped.Store(true)
	t.t.Stop()
}

// AfterFunc runs fn on the loop after d.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	tm := &Timer{}
	tm.t = time.AfterFunc(d, func() {
		l.Post(func() {
			if !tm.stopped.Load() {
				fn()
			}
		})
	})
	return tm
}

// Done is closed once Run returns.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Run processes tasks until ctx is cancelled. Tasks queued but not yet
// started are dropped on exit.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return errors.New("loop: already running")
	}
	defer func() {
		l.exited.Store(true)
		close(l.done)
	}()
	for {
		for {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fn, idle := l.next()
			if fn == nil {
				break
			}
			l.run(fn, idle)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
	}
}

func (l *Loop) next() (fn func(), idle bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.tasks) > 0 {
		fn = l.tasks[0]
		l.tasks[0] = nil
		l.tasks = l.tasks[1:]
		return fn, false
	}
	if len(l.idle) > 0 {
		fn = l.idle[0]
		l.idle[0] = nil
		l.idle = l.idle[1:]
		return fn, true
	}
	return nil, false
}

func (l *Loop) run(fn func(), idle bool) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("loop: task panic recovered",
				"panic", r,
				"idle", idle,
				"stack", string(debug.Stack()))
		}
	}()
	fn()
}

func (l *Loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}
