// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

package admitcore

import (
	"sync/atomic"

	"github.com/featurebasedb/admitcore/logger"
)

// Registry lazily creates and caches one Broker per database id. Lookup
// is entirely lock-free: it reads the current id-to-broker map off an
// atomic.Pointer, and on a miss builds a candidate broker and tries to
// install it with a compare-and-swap, looping if another goroutine won
// the race first.
type Registry struct {
	capacity int
	logger   logger.Logger

	brokers atomic.Pointer[map[int]*Broker]
	closed  atomic.Bool
}

// NewRegistry returns a Registry that, for any database id it has not
// seen before, mints a Broker admitting up to capacity concurrent
// permits.
func NewRegistry(capacity int, log logger.Logger) *Registry {
	if log == nil {
		log = logger.NopLogger
	}
	r := &Registry{capacity: capacity, logger: log}
	empty := make(map[int]*Broker)
	r.brokers.Store(&empty)
	return r
}

// Broker returns the broker for dbID, creating it on first use.
//
// Two goroutines racing to create a broker for the same unseen dbID
// will each build one optimistically; only the one that wins the
// compare-and-swap against the registry's map pointer gets published.
// The loser's broker is closed immediately -- retiring the permits it
// minted -- rather than left running unreferenced.
func (r *Registry) Broker(dbID int) (*Broker, error) {
	for {
		current := r.brokers.Load()
		if b, ok := (*current)[dbID]; ok {
			return b, nil
		}
		if r.closed.Load() {
			return nil, ErrBrokerClosed
		}

		candidate := NewBroker(dbID, r.capacity, r.logger)

		next := make(map[int]*Broker, len(*current)+1)
		for id, existing := range *current {
			next[id] = existing
		}
		next[dbID] = candidate

		if !r.brokers.CompareAndSwap(current, &next) {
			candidate.Close()
			continue
		}

		if r.closed.Load() {
			// Close ran concurrently with our install and may have
			// missed this broker's snapshot of the map; close it
			// ourselves to be sure it doesn't outlive the registry.
			candidate.Close()
			return nil, ErrBrokerClosed
		}
		return candidate, nil
	}
}

// Close closes every broker the registry has created so far and
// prevents any new ones from being minted.
func (r *Registry) Close() {
	if !r.closed.CompareAndSwap(false, true) {
		return
	}
	for _, b := range *r.brokers.Load() {
		b.Close()
	}
}

// Len reports how many brokers have been created so far. Mostly useful
// in tests and metrics.
func (r *Registry) Len() int {
	return len(*r.brokers.Load())
}
