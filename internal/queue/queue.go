// Package queue runs main-thread work on one pinned goroutine.
//
// The worker locks its OS thread and registers it as the host's main
// thread, so every plugin call that must happen on main goes through
// Enqueue or Do.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/shaban/claphost/host"
)

var (
	ErrNotStarted = errors.New("queue not started")
	ErrClosed     = errors.New("queue closed")
)

// Op is one unit of main-thread work. It receives a context that is
// canceled on shutdown.
type Op interface {
	Apply(ctx context.Context) error
}

// Func adapts a function to Op.
type Func func(ctx context.Context) error

func (f Func) Apply(ctx context.Context) error { return f(ctx) }

// Queue serializes operations onto a single pinned goroutine. An optional
// tick runs between operations at a fixed interval.
type Queue struct {
	ch     chan Op
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	log    logr.Logger

	mu      sync.Mutex
	started bool

	tickEvery time.Duration
	tick      func()
}

// New creates a queue with a fixed buffer.
func New(buffer int, log logr.Logger) *Queue {
	if buffer <= 0 {
		buffer = 32
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{ch: make(chan Op, buffer), ctx: ctx, cancel: cancel, log: log.WithName("queue")}
}

// SetTick installs fn to run every d on the worker. It must be called
// before Start.
func (q *Queue) SetTick(d time.Duration, fn func()) {
	q.tickEvery, q.tick = d, fn
}

// Start begins the worker goroutine. Calling it again is a no-op.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.started = true
	ready := make(chan struct{})
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		unbind := host.BindMainThread()
		defer unbind()
		close(ready)
		q.run()
	}()
	<-ready
}

func (q *Queue) run() {
	var tick <-chan time.Time
	if q.tick != nil && q.tickEvery > 0 {
		t := time.NewTicker(q.tickEvery)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-q.ctx.Done():
			// drain what is already queued, best effort
			for {
				select {
				case op := <-q.ch:
					q.apply(op)
				default:
					return
				}
			}
		case op := <-q.ch:
			q.apply(op)
		case <-tick:
			q.tick()
		}
	}
}

func (q *Queue) apply(op Op) {
	if op == nil {
		return
	}
	if err := op.Apply(q.ctx); err != nil {
		q.log.V(1).Info("queued operation failed", "error", err.Error())
	}
}

// Enqueue adds an operation without waiting for it.
func (q *Queue) Enqueue(op Op) error {
	if q == nil || q.ch == nil {
		return ErrNotStarted
	}
	select {
	case <-q.ctx.Done():
		return ErrClosed
	default:
	}
	select {
	case q.ch <- op:
		return nil
	case <-q.ctx.Done():
		return ErrClosed
	}
}

// Do runs fn on the worker and waits for its result. It must not be
// called from inside an operation.
func (q *Queue) Do(fn Func) error {
	q.mu.Lock()
	started := q.started
	q.mu.Unlock()
	if !started {
		return ErrNotStarted
	}
	done := make(chan error, 1)
	if err := q.Enqueue(Func(func(ctx context.Context) error {
		err := fn(ctx)
		done <- err
		return err
	})); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-q.ctx.Done():
		// the drain may still have run it
		select {
		case err := <-done:
			return err
		case <-time.After(10 * time.Millisecond):
			return ErrClosed
		}
	}
}

// Close stops the worker and waits for it to finish.
func (q *Queue) Close() {
	if q == nil {
		return
	}
	q.cancel()
	q.wg.Wait()
}
