// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

package admitcore

import (
	"encoding/json"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/featurebasedb/admitcore/errors"
)

// BodyWriter frames writes to an HTTP response body: every heartbeat is
// a bare '\n', every final result is one JSON value followed by '\n',
// and every write is flushed immediately so a
// long-poll client sees bytes as soon as they're produced rather than
// buffered behind the server's default write coalescing.
//
// A BodyWriter is closed exactly once, on whichever exit path reaches it
// first -- a successful final write, a failed write, or the caller
// giving up -- so double-close bugs can't surface as double-counted
// metrics or a second, confusing write attempt.
type BodyWriter struct {
	w       io.Writer
	flusher flusher

	mu     sync.Mutex
	closed bool
}

// flusher is satisfied by http.Flusher; declared locally so tests can
// supply a fake without pulling in net/http.
type flusher interface {
	Flush()
}

// NewBodyWriter wraps w, flushing after every write if w also implements
// flusher (as http.ResponseWriter does).
func NewBodyWriter(w io.Writer) *BodyWriter {
	bw := &BodyWriter{w: w}
	if f, ok := w.(flusher); ok {
		bw.flusher = f
	}
	return bw
}

// Heartbeat writes a bare newline, the cheapest possible keep-alive: a
// long-poll client and any intermediate proxy see it as progress, but
// it carries no payload a caller could mistake for a real result.
func (bw *BodyWriter) Heartbeat() error {
	return bw.write([]byte("\n"))
}

// WriteResult marshals v as JSON, writes it followed by a newline, and
// closes the BodyWriter: a result is always the last thing written.
func (bw *BodyWriter) WriteResult(v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		bw.Close()
		return classifyWriteError(err)
	}
	payload = append(payload, '\n')
	err = bw.write(payload)
	bw.Close()
	return err
}

// WriteError marshals err via errors.MarshalJSON and writes it the same
// way WriteResult writes a success, so a long-poll client can parse the
// last line of the response uniformly whether the query succeeded or
// failed.
func (bw *BodyWriter) WriteError(err error) error {
	line := errors.MarshalJSON(err) + "\n"
	writeErr := bw.write([]byte(line))
	bw.Close()
	return writeErr
}

func (bw *BodyWriter) write(p []byte) error {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	if bw.closed {
		return ErrSinkFault
	}

	if _, err := bw.w.Write(p); err != nil {
		bw.closed = true
		return classifyWriteError(err)
	}
	if bw.flusher != nil {
		bw.flusher.Flush()
	}
	return nil
}

// Close marks the BodyWriter as done. Later writes fail fast with
// ErrSinkFault instead of touching the underlying writer again.
func (bw *BodyWriter) Close() {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	bw.closed = true
}

// classifyWriteError distinguishes a departed peer from every other
// write failure. net/http does not give callers a typed error for "the
// client hung up", only a wrapped syscall error or net.ErrClosed, so
// this is a best-effort heuristic over the common cases rather than an
// exhaustive match.
func classifyWriteError(err error) error {
	if err == nil {
		return nil
	}
	if isPeerGone(err) {
		return ErrPeerGone
	}
	return ErrSinkFault
}

func isPeerGone(err error) bool {
	if err == net.ErrClosed {
		return true
	}
	msg := err.Error()
	for _, needle := range []string{
		"broken pipe",
		"connection reset by peer",
		"use of closed network connection",
		"client disconnected",
	} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}
