// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

package task

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Submit once the pool has been closed.
var ErrClosed = errors.New("task: job pool closed")

// JobPool adapts Pool, which was built around a single fixed step
// function, into a generic dispatcher for arbitrary one-shot jobs. Each
// worker goroutine pulls a job off an internal queue and runs it wrapped
// in Block/Unblock, so a job that blocks for an unpredictable amount of
// time (the whole point of this type) causes Pool to spin up a
// replacement worker immediately, the same way it would for a blocked
// database read or write. When the job returns, the worker's Unblock
// call may cause it to retire if the pool has more unblocked workers
// than it wants.
//
// This is the realization of "an unbounded worker-thread pool" used to
// run admitted query workers off the cooperative scheduler. Response-body
// writes do not go through it; HTTPAdapter performs them on the request's
// own goroutine. Until it is closed, JobPool never refuses a Submit for
// lack of workers, it just grows and shrinks its goroutine count to
// match how many jobs are currently blocked.
type JobPool struct {
	pool *Pool
	jobs chan func()

	closeOnce sync.Once
	done      chan struct{}
}

// NewJobPool creates a JobPool with baseline idle workers. baseline
// workers sit parked waiting for jobs; Pool.Block's replacement-spawning
// behavior handles the rest.
func NewJobPool(baseline int) *JobPool {
	if baseline < 1 {
		baseline = 1
	}
	jp := &JobPool{
		jobs: make(chan func()),
		done: make(chan struct{}),
	}
	jp.pool = NewPool(baseline, jp.step, nil)
	return jp
}

func (jp *JobPool) step() {
	select {
	case job, ok := <-jp.jobs:
		if !ok {
			return
		}
		jp.pool.Block()
		job()
		jp.pool.Unblock()
	case <-jp.done:
	}
}

// Submit enqueues a job to run on the pool, blocking until a worker
// picks it up or ctx is cancelled. Submit never runs the job itself.
func (jp *JobPool) Submit(ctx context.Context, job func()) error {
	select {
	case jp.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-jp.done:
		return ErrClosed
	}
}

// Close stops accepting new work and waits for in-flight jobs to
// finish and all worker goroutines to exit.
func (jp *JobPool) Close() {
	jp.closeOnce.Do(func() {
		jp.pool.Shutdown()
		close(jp.done)
	})
	jp.pool.Close()
}

// Stats reports the pool's current live/unblocked/target worker counts,
// for monitoring purposes only.
func (jp *JobPool) Stats() (live, unblocked, target int) {
	return jp.pool.Stats()
}
