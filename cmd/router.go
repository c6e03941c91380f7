// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	uuid "github.com/satori/go.uuid"

	admitcore "github.com/featurebasedb/admitcore"
	fbcontext "github.com/featurebasedb/admitcore/context"
	"github.com/featurebasedb/admitcore/logger"
)

// NewRouter builds the demo daemon's HTTP surface: one long-poll query
// endpoint per database id, fronted by request-id assignment and
// combined access logging.
func NewRouter(adapter *admitcore.HTTPAdapter, log logger.Logger) http.Handler {
	router := mux.NewRouter()

	router.HandleFunc("/databases/{dbID}/query", handleQuery(adapter)).Methods("POST").Name("PostQuery")
	router.HandleFunc("/health", handleHealth).Methods("GET").Name("GetHealth")

	return handlers.CombinedLoggingHandler(logWriter{log}, withRequestID(router))
}

// withRequestID assigns every request a correlation id -- its own if it
// doesn't already carry one via X-Request-Id -- before handing off to
// the wrapped handler.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" {
			id, err := uuid.NewV4()
			if err == nil {
				requestID = id.String()
			}
		}
		ctx := fbcontext.WithRequestID(r.Context(), requestID)
		w.Header().Set("X-Request-Id", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// handleQuery adapts an HTTP request into an admitcore.Worker. The demo
// query is intentionally trivial -- it sleeps for an optional "delay"
// duration and echoes it back -- since this daemon exists to exercise
// admission and streaming, not to implement a query language.
func handleQuery(adapter *admitcore.HTTPAdapter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dbID, err := strconv.Atoi(mux.Vars(r)["dbID"])
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		delay, _ := time.ParseDuration(r.URL.Query().Get("delay"))
		shouldFail := r.URL.Query().Get("fail") != ""
		shouldPanic := r.URL.Query().Get("panic") != ""

		adapter.Handle(w, r, dbID, func(ctx context.Context) (interface{}, error) {
			if shouldPanic {
				panic("demo query asked to panic")
			}
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			if shouldFail {
				return nil, admitcore.ErrWorkerFault
			}
			// Read the database id back out of the context the adapter
			// stashed it in, rather than closing over dbID directly, so
			// a worker run against a request it didn't parse itself can
			// still find out which database it was admitted against.
			resolvedDBID, _ := fbcontext.DatabaseID(ctx)
			return map[string]interface{}{
				"database": resolvedDBID,
				"delay":    delay.String(),
			}, nil
		})
	}
}

// logWriter adapts a logger.Logger into an io.Writer so
// handlers.CombinedLoggingHandler can write access log lines through it.
type logWriter struct {
	log logger.Logger
}

func (lw logWriter) Write(p []byte) (int, error) {
	lw.log.Infof("%s", p)
	return len(p), nil
}
