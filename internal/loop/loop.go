// Package loop provides the single logical event loop that owns all room and
// connection state. Socket readers, timers and the monitor only ever touch that
// state by posting closures onto the loop.
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

// ErrStopped is returned when work is posted to a loop that has exited.
var ErrStopped = errors.New("event loop stopped")

// Timer is a one-shot or repeating timer created by a Scheduler.
type Timer interface {
	// Stop prevents the timer from firing again. It reports whether the
	// timer was still pending.
	Stop() bool
}

// Scheduler schedules callbacks on the loop. Callbacks never run
// concurrently with each other.
type Scheduler interface {
	After(d time.Duration, fn func()) Timer
	Now() time.Time
}

// Loop runs posted closures one at a time.
type Loop struct {
	tasks  chan func()
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

// New returns a loop with a task queue of the given capacity.
func New(capacity int, logger *slog.Logger) *Loop {
	if capacity <= 0 {
		capacity = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		tasks:  make(chan func(), capacity),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Run executes tasks until ctx is canceled. It must be called exactly once.
func (l *Loop) Run(ctx context.Context) error {
	defer l.once.Do(func() { close(l.done) })
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-l.tasks:
			l.exec(fn)
		}
	}
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("panic in event loop task", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	fn()
}

// Post queues fn. It blocks while the queue is full and returns false once
// the loop has exited.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.tasks <- fn:
		return true
	case <-l.done:
		return false
	}
}

// Call runs fn on the loop and waits for it to finish.
func (l *Loop) Call(ctx context.Context, fn func()) error {
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

// Done is closed when Run returns.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) Now() time.Time {
	return time.Now()
}

// After runs fn on the loop once d has elapsed.
func (l *Loop) After(d time.Duration, fn func()) Timer {
	t := &loopTimer{}
	t.timer = time.AfterFunc(d, func() {
		l.Post(func() {
			if t.stopped.Swap(true) {
				return
			}
			fn()
		})
	})
	return t
}

type loopTimer struct {
	timer   *time.Timer
	stopped atomic.Bool
}

func (t *loopTimer) Stop() bool {
	t.timer.Stop()
	return !t.stopped.Swap(true)
}

// Every runs fn on the scheduler every d until the returned timer is stopped.
// Stop must be called from the loop.
func Every(s Scheduler, d time.Duration, fn func()) Timer {
	r := &repeating{s: s, d: d, fn: fn}
	r.schedule()
	return r
}

type repeating struct {
	s       Scheduler
	d       time.Duration
	fn      func()
	current Timer
	stopped bool
}

func (r *repeating) schedule() {
	r.current = r.s.After(r.d, func() {
		if r.stopped {
			return
		}
		r.schedule()
		r.fn()
	})
}

func (r *repeating) Stop() bool {
	if r.stopped {
		return false
	}
	r.stopped = true
	r.current.Stop()
	return true
}
