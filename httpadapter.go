// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

package admitcore

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	fbcontext "github.com/featurebasedb/admitcore/context"
	"github.com/featurebasedb/admitcore/errors"
	"github.com/featurebasedb/admitcore/logger"
)

// Worker runs a single admitted query and returns its result as
// anything JSON-marshalable. It receives the request's context, which
// is cancelled the moment the consumer side -- the HTTP handler below --
// decides to give up on it.
type Worker func(ctx context.Context) (interface{}, error)

// HTTPAdapter exposes an Admitter as a long-poll HTTP endpoint: each
// request is admitted against the database named in the request,
// streamed with heartbeats while the worker runs, and finished with one
// line of newline-terminated JSON holding either the result or an
// error.
type HTTPAdapter struct {
	admitter *Admitter
	interval time.Duration
	logger   logger.Logger
}

// NewHTTPAdapter returns an adapter that heartbeats every interval
// while a request is pending. An interval of zero uses the package
// default of one second.
func NewHTTPAdapter(admitter *Admitter, interval time.Duration, log logger.Logger) *HTTPAdapter {
	if log == nil {
		log = logger.NopLogger
	}
	return &HTTPAdapter{admitter: admitter, interval: interval, logger: log}
}

// Handle admits and runs work against dbID, streaming the response to
// w with periodic heartbeats. It sets the response Content-Type before
// writing anything, since no byte can be written -- not even a
// heartbeat -- after headers are flushed without it being too late to
// change.
func (a *HTTPAdapter) Handle(w http.ResponseWriter, r *http.Request, dbID int, work Worker) {
	w.Header().Set("Content-Type", "application/json")

	ctx := fbcontext.WithDatabaseID(r.Context(), dbID)
	requestID, _ := fbcontext.RequestID(ctx)

	handle, err := Submit(a.admitter, ctx, dbID, func(ctx context.Context) (interface{}, error) {
		return work(ctx)
	})
	if err != nil {
		a.writeAdmissionError(w, err)
		return
	}

	body := NewBodyWriter(w)
	if err := StreamWithInterval(ctx, body, handle, a.interval); err != nil {
		// The relay already closed the handle; the worker has been (or
		// is being) cancelled. Nothing further to write: the peer is
		// either gone or the request context ended, and in either case
		// the response is abandoned mid-stream rather than finished.
		a.logger.Debugf("admitcore: request %s streaming ended early: %v", requestID, err)
		return
	}

	val, workErr := handle.Outcome()
	if workErr != nil {
		if writeErr := body.WriteError(workErr); writeErr != nil {
			a.logger.Debugf("admitcore: request %s failed to write error result: %v", requestID, writeErr)
		}
		return
	}
	if writeErr := body.WriteResult(val); writeErr != nil {
		a.logger.Debugf("admitcore: request %s failed to write result: %v", requestID, writeErr)
	}
}

// writeAdmissionError handles the case where admission itself failed --
// before any heartbeat was ever written -- so it's still safe to set an
// HTTP status code.
func (a *HTTPAdapter) writeAdmissionError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, ErrCodeBrokerClosed) {
		status = http.StatusServiceUnavailable
	}
	w.WriteHeader(status)
	body, marshalErr := json.Marshal(struct {
		Error string `json:"error"`
	}{Error: err.Error()})
	if marshalErr != nil {
		return
	}
	_, _ = w.Write(append(body, '\n'))
}
