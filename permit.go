// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

package admitcore

import (
	"runtime"
	"sync"
)

// Permit is an opaque, single-use, idempotently-releasable token handed
// out by a Broker. Possessing one entitles the holder to run exactly one
// worker against the database the issuing Broker guards.
//
// A Permit must be released exactly once by its holder. If a holder
// drops a Permit without releasing it -- a caller bug -- the garbage
// collector will eventually notice the Permit has become unreachable and
// run its finalizer, which reclaims it on the holder's behalf. This is
// the Go stand-in for the weak-reference sweep described for runtimes
// that have true weak references; see DESIGN.md.
type Permit struct {
	id     int64
	broker *Broker
	once   sync.Once
}

// Release returns the permit to its broker. The first call wins; every
// subsequent call, whether made explicitly or triggered by the permit
// being reclaimed as abandoned, is a silent no-op.
func (p *Permit) Release() {
	p.disarm(false)
}

// disarm implements the single release path shared by an explicit
// Release call and the finalizer-driven reclaim path. reclaimed
// distinguishes the two only for logging: the effect on the broker --
// minting a replacement permit -- is identical either way.
func (p *Permit) disarm(reclaimed bool) {
	p.once.Do(func() {
		runtime.SetFinalizer(p, nil)
		p.broker.permitReturned(p.id, reclaimed)
	})
}

// permitFinalizer is installed on every Permit minted by a Broker. It
// only fires once the permit has become unreachable from anywhere the
// program could still call Release -- i.e. the holder lost it without
// releasing it -- at which point it is indistinguishable, from the
// broker's point of view, from an abandoned permit.
func permitFinalizer(p *Permit) {
	p.disarm(true)
}
