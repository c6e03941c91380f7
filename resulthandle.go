// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

package admitcore

import (
	"context"
	"sync"
	"sync/atomic"
)

// outcome is the single value a ResultHandle is ever settled with:
// either a value or an error, never both.
type outcome[T any] struct {
	val T
	err error
}

// ResultHandle bridges one asynchronous worker to one consumer. The
// producer settles it exactly once, by calling either Deliver or Fail;
// the consumer retrieves that with Await, or, if it needs to do other
// work (like writing heartbeats) while waiting, polls Settled and reads
// Outcome once it fires.
//
// Cancellation runs the other way: a consumer that is no longer
// interested in the result -- its client disconnected, say -- calls
// Close. That is the only cancellation signal a ResultHandle carries,
// and it flows consumer to producer, never the reverse. A producer that
// wants to notice cancellation selects on Cancelled.
type ResultHandle[T any] struct {
	doneCh     chan struct{}
	settleOnce sync.Once
	settled    atomic.Bool
	result     atomic.Pointer[outcome[T]]

	cancelCh  chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
}

// NewResultHandle returns a handle ready to be settled once and awaited
// any number of times.
func NewResultHandle[T any]() *ResultHandle[T] {
	return &ResultHandle[T]{
		doneCh:   make(chan struct{}),
		cancelCh: make(chan struct{}),
	}
}

// Deliver settles the handle with a successful value. It reports whether
// this call was the one that settled it; a false return means the
// handle was already settled, by Deliver or Fail, and val was dropped.
func (h *ResultHandle[T]) Deliver(val T) bool {
	return h.settle(outcome[T]{val: val})
}

// Fail settles the handle with an error. Like Deliver, it reports
// whether this call actually did the settling.
func (h *ResultHandle[T]) Fail(err error) bool {
	return h.settle(outcome[T]{err: err})
}

func (h *ResultHandle[T]) settle(o outcome[T]) bool {
	won := false
	h.settleOnce.Do(func() {
		won = true
		h.result.Store(&o)
		h.settled.Store(true)
		close(h.doneCh)
	})
	return won
}

// Settled returns a channel that closes once Deliver or Fail has been
// called. Unlike Await, reading from it does not consume the outcome;
// call Outcome afterward to retrieve it. This lets a caller select
// between settlement and other events -- a heartbeat ticker, say --
// without racing to drain a value-carrying channel.
func (h *ResultHandle[T]) Settled() <-chan struct{} {
	return h.doneCh
}

// Outcome returns the settled value or error. It must only be called
// after Settled has fired; calling it earlier returns the zero value
// and a nil error.
func (h *ResultHandle[T]) Outcome() (T, error) {
	o := h.result.Load()
	if o == nil {
		var zero T
		return zero, nil
	}
	return o.val, o.err
}

// Await blocks until the handle is settled or ctx is done, whichever
// happens first. A context cancellation here does not itself settle the
// handle or close it; callers that want cancellation to also notify the
// producer must call Close.
func (h *ResultHandle[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-h.doneCh:
		return h.Outcome()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Close signals the producer side that the consumer has given up on the
// result. It is idempotent and safe to call whether or not the handle
// has already been settled.
func (h *ResultHandle[T]) Close() {
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		close(h.cancelCh)
	})
}

// Cancelled returns a channel that is closed once Close has been
// called. Producers select on it alongside their own work to notice a
// departed consumer promptly.
func (h *ResultHandle[T]) Cancelled() <-chan struct{} {
	return h.cancelCh
}

// IsSettled reports whether Deliver or Fail has already been called.
func (h *ResultHandle[T]) IsSettled() bool {
	return h.settled.Load()
}

// IsClosed reports whether the consumer has called Close.
func (h *ResultHandle[T]) IsClosed() bool {
	return h.closed.Load()
}
