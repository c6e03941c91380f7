// Package context holds small helpers for stashing per-request values
// (a correlation id, the resolved database id) in a context.Context so
// that logging and the HTTP adapter can pick them back up without
// threading extra parameters through every call.
package context

import "context"

// Empty struct to avoid allocations.
type contextKeyRequestID struct{}
type contextKeyDatabaseID struct{}

// RequestID gets the request correlation id from the context.
func RequestID(ctx context.Context) (requestID string, ok bool) {
	requestID, ok = ctx.Value(contextKeyRequestID{}).(string)
	return
}

// WithRequestID returns a new context carrying the given correlation id.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, contextKeyRequestID{}, requestID)
}

// DatabaseID gets the resolved database id from the context, if one has
// been attached.
func DatabaseID(ctx context.Context) (dbID int, ok bool) {
	dbID, ok = ctx.Value(contextKeyDatabaseID{}).(int)
	return
}

// WithDatabaseID returns a new context carrying the given database id.
func WithDatabaseID(ctx context.Context, dbID int) context.Context {
	return context.WithValue(ctx, contextKeyDatabaseID{}, dbID)
}
