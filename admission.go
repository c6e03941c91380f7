// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

package admitcore

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/featurebasedb/admitcore/errors"
	"github.com/featurebasedb/admitcore/monitor"
	"github.com/featurebasedb/admitcore/task"
)

// Admitter ties a Registry of per-database brokers to a worker pool.
// Submit is the only entry point: it admits against the right broker,
// dispatches the work to the pool, and hands back a handle the caller
// can await or cancel.
type Admitter struct {
	registry *Registry
	pool     *task.JobPool
}

// NewAdmitter builds an Admitter. The registry and pool are both
// retained, not copied; closing either is the caller's responsibility
// and typically happens together, at process shutdown.
func NewAdmitter(registry *Registry, pool *task.JobPool) *Admitter {
	return &Admitter{registry: registry, pool: pool}
}

// Submit returns a ResultHandle immediately, before a permit has been
// admitted. Acquiring the permit and running work both happen in the
// background, on the pool: a caller streaming heartbeats off the handle
// -- the whole reason Settled/Outcome exist separately from Await --
// needs them flowing from the moment it holds a handle, not just once
// work starts, since the wait for a permit can be just as long as the
// work itself under a busy broker.
//
// Go does not allow a generic method on a non-generic (or differently
// parameterized) receiver, so Submit is a free function parameterized
// over the worker's result type rather than an *Admitter method.
func Submit[T any](a *Admitter, ctx context.Context, dbID int, work func(ctx context.Context) (T, error)) (*ResultHandle[T], error) {
	broker, err := a.registry.Broker(dbID)
	if err != nil {
		return nil, err
	}

	handle := NewResultHandle[T]()

	job := func() {
		runAdmission(ctx, broker, handle, work)
	}

	if err := a.pool.Submit(ctx, job); err != nil {
		return nil, err
	}

	return handle, nil
}

// runAdmission acquires a permit against broker and, once admitted,
// runs work. It is the body of the pool job Submit dispatches, so both
// the admission wait and the work itself run off the caller's own
// goroutine.
func runAdmission[T any](ctx context.Context, broker *Broker, handle *ResultHandle[T], work func(ctx context.Context) (T, error)) {
	acquireCtx, cancelAcquire := watchCancelled(ctx, handle.Cancelled())
	defer cancelAcquire()

	span := monitor.StartSpan(ctx, "Admission", "Acquire")
	permit, err := broker.Acquire(acquireCtx)
	monitor.Finish(span)
	if err != nil {
		handle.Fail(err)
		return
	}
	defer permit.Release()

	runAdmittedWork(ctx, handle, work)
}

// watchCancelled derives a context from parent that also ends the
// instant cancelled closes, so a blocking call like Broker.Acquire can
// be cancelled by a consumer giving up on its ResultHandle, not just by
// the parent context.
func watchCancelled(parent context.Context, cancelled <-chan struct{}) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-cancelled:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// runAdmittedWork runs work to completion against a context that keeps
// ctx's values but not its cancellation, and is cancelled the instant
// the consumer closes handle -- the handle's
// Cancelled channel is the sole cancellation signal, and it only ever
// flows consumer to producer. A worker that panics settles the handle
// with ErrWorkerFault instead of taking the whole job pool worker down
// with it.
func runAdmittedWork[T any](ctx context.Context, handle *ResultHandle[T], work func(ctx context.Context) (T, error)) {
	workCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	span := monitor.StartSpan(ctx, "Admission", "Worker")
	defer monitor.Finish(span)

	g, _ := errgroup.WithContext(workCtx)
	g.Go(func() error {
		select {
		case <-handle.Cancelled():
			cancel()
		case <-workCtx.Done():
		}
		return nil
	})
	g.Go(func() error {
		defer cancel()
		val, err := callWork(workCtx, work)
		if err != nil {
			if errors.Is(err, ErrCodeWorkerFault) {
				monitor.CaptureException(monitor.LevelError, "admitcore: worker fault: %v", err)
			}
			handle.Fail(err)
		} else {
			handle.Deliver(val)
		}
		return nil
	})
	_ = g.Wait()

	if !handle.IsSettled() {
		// Defensive: every path above settles the handle before
		// returning. This only fires if a future change manages to
		// return from the work goroutine without doing so.
		handle.Fail(ErrInputClosedUnexpectedly)
	}
}

// callWork recovers a panicking worker into ErrWorkerFault so one bad
// query can't take down the goroutine running it without at least
// notifying its consumer.
func callWork[T any](ctx context.Context, work func(ctx context.Context) (T, error)) (val T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Wrapf(ErrWorkerFault, "recovered panic: %v", r)
		}
	}()
	return work(ctx)
}
