// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

package admitcore

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/featurebasedb/admitcore/logger"
)

// Broker is a counting semaphore scoped to a single database: it admits
// at most capacity concurrent holders, handing each one a Permit.
//
// Internally a Broker tracks two sets, the way a generational GC tracks
// live and free objects: the free set is the buffered channel of permits
// ready to hand out, and the live set is the bookkeeping of ids
// currently out with a holder. When a permit is released -- explicitly
// or via its finalizer reclaiming an abandoned one -- the id moves from
// the live set back to free, in the form of a freshly minted
// replacement Permit. Reusing ids would let a resurrected finalizer
// callback race a legitimate new holder, so every return mints a new id
// instead of recycling the old one.
type Broker struct {
	dbID     int
	capacity int
	logger   logger.Logger

	free     chan *Permit
	returnCh chan int64

	closeCh   chan struct{}
	closeOnce sync.Once

	nextID atomic.Int64

	liveMu sync.Mutex
	live   map[int64]struct{}

	sweeping atomic.Bool
}

// NewBroker constructs a Broker admitting up to capacity concurrent
// permits for database dbID. A capacity of zero is legal and means every
// Acquire blocks until the broker is closed or the context is done.
func NewBroker(dbID, capacity int, log logger.Logger) *Broker {
	if log == nil {
		log = logger.NopLogger
	}
	if capacity < 0 {
		capacity = 0
	}
	b := &Broker{
		dbID:     dbID,
		capacity: capacity,
		logger:   log,
		free:     make(chan *Permit, capacity),
		returnCh: make(chan int64, capacity+1),
		closeCh:  make(chan struct{}),
		live:     make(map[int64]struct{}, capacity),
	}
	for i := 0; i < capacity; i++ {
		b.free <- b.mint()
	}
	go b.run()
	return b
}

// mint allocates a fresh id, records it live, and wraps it in a Permit
// guarded by a finalizer. Callers must hold no locks; mint takes its own.
func (b *Broker) mint() *Permit {
	id := b.nextID.Add(1)
	b.liveMu.Lock()
	b.live[id] = struct{}{}
	b.liveMu.Unlock()

	p := &Permit{id: id, broker: b}
	runtime.SetFinalizer(p, permitFinalizer)
	return p
}

// Acquire blocks until a permit is available, the context is done, or
// the broker is closed.
func (b *Broker) Acquire(ctx context.Context) (*Permit, error) {
	select {
	case <-b.closeCh:
		return nil, ErrBrokerClosed
	default:
	}

	select {
	case p, ok := <-b.free:
		if !ok {
			return nil, ErrBrokerClosed
		}
		return p, nil
	default:
	}

	// The free set just came up empty. Provoke a GC cycle so that any
	// permit abandoned by a buggy caller gets a chance to run its
	// finalizer and feed a replacement back into the free set before we
	// park. sweeping de-dupes concurrent acquirers onto a single sweep.
	if b.sweeping.CompareAndSwap(false, true) {
		go func() {
			defer b.sweeping.Store(false)
			runtime.GC()
		}()
	}

	select {
	case p, ok := <-b.free:
		if !ok {
			return nil, ErrBrokerClosed
		}
		return p, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.closeCh:
		return nil, ErrBrokerClosed
	}
}

// permitReturned is the single path by which a permit id comes back to
// the broker, whether via an explicit Release or a finalizer-driven
// reclaim of an abandoned permit.
func (b *Broker) permitReturned(id int64, reclaimed bool) {
	if reclaimed {
		b.logger.Warnf("admitcore: broker for database %d reclaimed abandoned permit %d", b.dbID, id)
	}
	select {
	case b.returnCh <- id:
	case <-b.closeCh:
	}
}

// run is the broker's sole serialization point for mutating the live
// set. Every return -- explicit or reclaimed -- flows through here
// before a replacement permit is minted and pushed onto the free set.
func (b *Broker) run() {
	for {
		select {
		case id := <-b.returnCh:
			b.liveMu.Lock()
			_, stillLive := b.live[id]
			if stillLive {
				delete(b.live, id)
			}
			b.liveMu.Unlock()
			if !stillLive {
				// Already retired by a previous return of the same id;
				// the finalizer and an explicit Release raced and both
				// reached disarm, but disarm's sync.Once already
				// guarantees at most one send per permit, so this path
				// is defensive rather than reachable in practice.
				continue
			}

			p := b.mint()
			select {
			case b.free <- p:
			case <-b.closeCh:
				b.liveMu.Lock()
				delete(b.live, p.id)
				b.liveMu.Unlock()
				runtime.SetFinalizer(p, nil)
				return
			}
		case <-b.closeCh:
			return
		}
	}
}

// Close shuts the broker down. Any Acquire blocked on it wakes with
// ErrBrokerClosed; outstanding permits may still be released without
// error, they just won't be replaced.
func (b *Broker) Close() {
	b.closeOnce.Do(func() {
		close(b.closeCh)
	})
}

// Capacity returns the broker's configured concurrency limit.
func (b *Broker) Capacity() int {
	return b.capacity
}
