// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

package admitcore

import (
	"context"
	"time"
)

// KeepAliveRelay streams a pending ResultHandle's outcome to a
// BodyWriter, filling the wait with periodic heartbeat newlines so a
// long-poll client -- and any proxy sitting between it and the server --
// sees the connection as alive rather than stalled.
//
// A failed heartbeat write almost always means the client disconnected.
// Rather than let the worker run to completion for an audience that's
// already gone, the relay closes the ResultHandle on the first failed
// write, which is this package's sole cancellation signal: it propagates
// from here back to the worker via Admitter's watch on Cancelled.
type KeepAliveRelay struct {
	interval time.Duration
}

// NewKeepAliveRelay returns a relay that heartbeats every interval.
// An interval of zero or less falls back to one second.
func NewKeepAliveRelay(interval time.Duration) *KeepAliveRelay {
	if interval <= 0 {
		interval = time.Second
	}
	return &KeepAliveRelay{interval: interval}
}

// Stream blocks until handle settles, ctx is done, or a heartbeat write
// fails. It writes only heartbeats to w, never the result: once the
// handle settles, the caller reads it with handle.Outcome and decides
// how to finish the response.
//
// On success it returns nil. On a ctx cancellation it closes handle and
// returns ctx.Err(). On a heartbeat write failure it closes handle and
// returns the write error (ErrPeerGone or ErrSinkFault).
func Stream[T any](ctx context.Context, w *BodyWriter, handle *ResultHandle[T]) error {
	relay := NewKeepAliveRelay(0)
	return relay.run(ctx, w, handle)
}

// StreamWithInterval is Stream with an explicit heartbeat interval,
// primarily so tests don't have to wait out the one-second default.
func StreamWithInterval[T any](ctx context.Context, w *BodyWriter, handle *ResultHandle[T], interval time.Duration) error {
	relay := NewKeepAliveRelay(interval)
	return relay.run(ctx, w, handle)
}

func (r *KeepAliveRelay) run(ctx context.Context, w *BodyWriter, handle interface {
	Settled() <-chan struct{}
	Close()
}) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-handle.Settled():
			return nil

		case <-ticker.C:
			if err := w.Heartbeat(); err != nil {
				handle.Close()
				return err
			}

		case <-ctx.Done():
			handle.Close()
			return ctx.Err()
		}
	}
}
