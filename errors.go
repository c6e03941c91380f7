// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

package admitcore

import "github.com/featurebasedb/admitcore/errors"

// Error codes surfaced to callers and, via errors.MarshalJSON, to HTTP
// clients of the demo daemon.
const (
	ErrCodeBrokerClosed             errors.Code = "BrokerClosed"
	ErrCodeWorkerFault               errors.Code = "WorkerFault"
	ErrCodeInputClosedUnexpectedly   errors.Code = "InputClosedUnexpectedly"
	ErrCodePeerGone                  errors.Code = "PeerGone"
	ErrCodeSinkFault                 errors.Code = "SinkFault"
)

var (
	// ErrBrokerClosed is returned by Acquire and Submit once the broker,
	// or the registry it belongs to, has been closed.
	ErrBrokerClosed = errors.New(ErrCodeBrokerClosed, "broker closed")

	// ErrWorkerFault wraps a panic recovered from a submitted worker.
	ErrWorkerFault = errors.New(ErrCodeWorkerFault, "worker panicked")

	// ErrInputClosedUnexpectedly is delivered to a pending ResultHandle
	// when its producer goroutine returns without ever calling Deliver
	// or Fail -- a caller bug in the worker, not a cancellation.
	ErrInputClosedUnexpectedly = errors.New(ErrCodeInputClosedUnexpectedly, "worker exited without delivering a result")

	// ErrPeerGone means a write to the client connection failed, almost
	// always because the peer disconnected mid-response.
	ErrPeerGone = errors.New(ErrCodePeerGone, "peer connection gone")

	// ErrSinkFault means the relay's underlying writer failed for a
	// reason other than the peer disconnecting (e.g. a local I/O error).
	ErrSinkFault = errors.New(ErrCodeSinkFault, "response sink fault")
)
