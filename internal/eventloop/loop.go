// Package eventloop runs every relay handler on a single goroutine.
//
// Transport read loops, timers and the status API never touch session state
// directly. They Post closures, and the loop executes them one at a time in
// arrival order, each to completion. Delays and heartbeats are scheduled with
// After and Every; their callbacks are posted back onto the loop, so a
// pending delay never blocks other events.
package eventloop

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gluk-w/claworc/chat-bridge/internal/clock"
)

// ErrStopped is returned by Call when the loop stops before running fn.
var ErrStopped = errors.New("event loop stopped")

// Loop is a single-goroutine executor with an unbounded queue.
type Loop struct {
	clock clock.Clock

	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// New creates a Loop that schedules timers on c.
func New(c clock.Clock) *Loop {
	return &Loop{
		clock:   c,
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
}

// Clock returns the clock the loop schedules on.
func (l *Loop) Clock() clock.Clock { return l.clock }

// Post enqueues fn. It never blocks and is safe from any goroutine.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Run executes posted closures until ctx is cancelled. Closures still queued
// at that point are discarded.
func (l *Loop) Run(ctx context.Context) error {
	defer l.once.Do(func() { close(l.stopped) })
	for {
		l.Drain()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
	}
}

// Drain runs queued closures, including ones they post, until the queue is
// empty. Run calls it on every wake-up; tests that drive the loop by hand
// call it directly. It must only be called from the goroutine that owns the
// loop.
func (l *Loop) Drain() int {
	n := 0
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return n
		}
		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		fn()
		n++
	}
}

// Call runs fn on the loop and waits for it to finish.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	l.Post(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
		return nil
	case <-l.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handle cancels a scheduled callback. A callback whose timer already fired
// but which has not yet run on the loop is dropped as well.
type Handle struct {
	mu      sync.Mutex
	timer   clock.Timer
	stopped bool
}

// Stop cancels the callback. Stopping twice is harmless.
func (h *Handle) Stop() {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
	if h.timer != nil {
		h.timer.Stop()
	}
}

// Stopped reports whether Stop has been called.
func (h *Handle) Stopped() bool {
	if h == nil {
		return true
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}

// After runs fn on the loop once d has elapsed. A non-positive d still goes
// through the queue, so fn never runs re-entrantly inside its caller.
func (l *Loop) After(d time.Duration, fn func()) *Handle {
	h := &Handle{}
	run := func() {
		if !h.Stopped() {
			fn()
		}
	}
	if d <= 0 {
		l.Post(run)
		return h
	}
	h.mu.Lock()
	h.timer = l.clock.AfterFunc(d, func() { l.Post(run) })
	h.mu.Unlock()
	return h
}

// Every runs fn on the loop once per interval until the handle is stopped.
// The next tick is armed when the timer fires, so a slow loop delays a tick
// but never merges two into one.
func (l *Loop) Every(interval time.Duration, fn func()) *Handle {
	if interval <= 0 {
		panic("eventloop: non-positive interval for Every")
	}
	h := &Handle{}
	var arm func()
	arm = func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.stopped {
			return
		}
		h.timer = l.clock.AfterFunc(interval, func() {
			arm()
			l.Post(func() {
				if !h.Stopped() {
					fn()
				}
			})
		})
	}
	arm()
	return h
}
