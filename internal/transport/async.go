// Package transport provides a reusable asynchronous fan-in worker: many
// producer goroutines enqueue non-blockingly, one goroutine drains and
// performs the (possibly slow or fallible) side effect. It started life
// funneling CAN-frame writes to a single device; the CAN driver's TX path
// now retries synchronously on the mainline tick per spec.md §4.C, so the
// surviving use is the CAN error monitor's best-effort interface-reset
// dispatch (spec.md §4.B / §9): the monitor must never block its caller
// waiting on netlink.
package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrAsyncClosed is returned by Send once Close has been called.
var ErrAsyncClosed = errors.New("async worker closed")

// Hooks customize AsyncWorker behavior without subclassing.
type Hooks[T any] struct {
	// OnError is called when do returns a non-nil error.
	OnError func(item T, err error)
	// OnAfter is called only after a successful do.
	OnAfter func(item T)
	// OnDrop is called when the buffer is full; its returned error is
	// returned from Send. If nil, overflow is silent.
	OnDrop func(item T) error
}

// AsyncWorker funnels items of type T through a single goroutine that calls
// do for each one. Send is non-blocking: a full buffer triggers OnDrop
// instead of blocking the caller.
type AsyncWorker[T any] struct {
	mu     sync.Mutex
	ch     chan T
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	do     func(T) error
	hooks  Hooks[T]
	closed atomic.Bool
}

// NewAsyncWorker constructs a worker with a buffered channel of size buf.
func NewAsyncWorker[T any](parent context.Context, buf int, do func(T) error, hooks Hooks[T]) *AsyncWorker[T] {
	ctx, cancel := context.WithCancel(parent)
	a := &AsyncWorker[T]{
		ch:     make(chan T, buf),
		ctx:    ctx,
		cancel: cancel,
		do:     do,
		hooks:  hooks,
	}
	a.wg.Add(1)
	go a.loop()
	return a
}

func (a *AsyncWorker[T]) loop() {
	defer a.wg.Done()
	for {
		select {
		case item, ok := <-a.ch:
			if !ok {
				return
			}
			if err := a.do(item); err != nil {
				if a.hooks.OnError != nil {
					a.hooks.OnError(item, err)
				}
				continue
			}
			if a.hooks.OnAfter != nil {
				a.hooks.OnAfter(item)
			}
		case <-a.ctx.Done():
			return
		}
	}
}

// Send enqueues item for asynchronous processing, or invokes OnDrop (and
// returns its error) if the buffer is full.
func (a *AsyncWorker[T]) Send(item T) error {
	if a.closed.Load() {
		return ErrAsyncClosed
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed.Load() {
		return ErrAsyncClosed
	}
	select {
	case a.ch <- item:
		return nil
	default:
		if a.hooks.OnDrop != nil {
			return a.hooks.OnDrop(item)
		}
		return nil
	}
}

// Close stops the worker and waits for it to drain its current item.
func (a *AsyncWorker[T]) Close() {
	if a.closed.Swap(true) {
		return
	}
	a.cancel()
	a.mu.Lock()
	close(a.ch)
	a.mu.Unlock()
	a.wg.Wait()
}
