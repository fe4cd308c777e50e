// Package eventloop provides the single-threaded executor that every session
// callback runs on.
package eventloop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var errAlreadyRunning = errors.New("eventloop: already running")

// Loop runs functions one at a time, in submission order.
type Loop interface {
	// RunInLoop queues fn for execution on the loop.
	RunInLoop(fn func())
	// RunAfter queues fn once d has elapsed.
	RunAfter(d time.Duration, fn func()) Timer
}

// Timer is a pending RunAfter call.
type Timer interface {
	// Stop cancels the call and reports whether it had not yet run.
	Stop() bool
}

// EventLoop is a goroutine-backed Loop.
type EventLoop struct {
	tasks   chan func()
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	started atomic.Bool
	once    sync.Once
}

// New creates an event loop with room for queueDepth tasks before RunInLoop
// blocks. Call Run or Start to begin executing.
func New(queueDepth int) *EventLoop {
	if queueDepth <= 0 {
		queueDepth = 1024
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &EventLoop{
		tasks:  make(chan func(), queueDepth),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Start runs the loop on a new goroutine.
func (l *EventLoop) Start() {
	go func() { _ = l.Run(context.Background()) }()
}

// Run executes tasks until ctx is cancelled or Stop is called.
func (l *EventLoop) Run(ctx context.Context) error {
	if !l.started.CompareAndSwap(false, true) {
		return errAlreadyRunning
	}
	defer close(l.done)
	for {
		select {
		case fn := <-l.tasks:
			fn()
		case <-ctx.Done():
			return ctx.Err()
		case <-l.ctx.Done():
			return nil
		}
	}
}

// Stop ends Run and waits for it to return if it was started.
func (l *EventLoop) Stop() {
	l.once.Do(l.cancel)
	if l.started.Load() {
		<-l.done
	}
}

// Done is closed once Run has returned.
func (l *EventLoop) Done() <-chan struct{} { return l.done }

// RunInLoop queues fn. Calls made after Stop are dropped.
func (l *EventLoop) RunInLoop(fn func()) {
	select {
	case l.tasks <- fn:
	case <-l.ctx.Done():
	}
}

// RunAndWait queues fn and blocks until it has run or the loop stopped.
func (l *EventLoop) RunAndWait(fn func()) {
	ran := make(chan struct{})
	l.RunInLoop(func() {
		fn()
		close(ran)
	})
	select {
	case <-ran:
	case <-l.ctx.Done():
	}
}

type loopTimer struct {
	t       *time.Timer
	stopped atomic.Bool
	fired   atomic.Bool
}

func (t *loopTimer) Stop() bool {
	if t.fired.Load() {
		return false
	}
	t.t.Stop()
	return t.stopped.CompareAndSwap(false, true)
}

// RunAfter queues fn on the loop once d has elapsed. Stopping the timer
// after it expired but before fn ran still cancels fn.
func (l *EventLoop) RunAfter(d time.Duration, fn func()) Timer {
	lt := &loopTimer{}
	lt.t = time.AfterFunc(d, func() {
		l.RunInLoop(func() {
			if lt.stopped.Load() {
				return
			}
			lt.fired.Store(true)
			fn()
		})
	})
	return lt
}
