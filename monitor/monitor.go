// Package monitor wraps Sentry exception/span reporting behind a small
// package-level API so the rest of the module doesn't need to import
// sentry-go directly. It starts out disabled; callers that want crash
// reporting call InitErrorMonitor with a DSN obtained from configuration.
package monitor

import (
	"context"
	"flag"
	"fmt"
	"time"

	sentry "github.com/getsentry/sentry-go"
)

const (
	LevelPanic = iota
	LevelError
	LevelWarn
	LevelInfo
	LevelDebug
)

var isOn bool

// InitErrorMonitor turns on Sentry reporting using the given DSN. Passing
// an empty DSN leaves the monitor disabled, so callers can wire this
// unconditionally from config without special-casing "no DSN configured".
func InitErrorMonitor(dsn, release string) error {
	if dsn == "" {
		return nil
	}
	isOn = true
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		AttachStacktrace: true,
		TracesSampleRate: 1,
		Release:          release,
	})
	if err != nil {
		isOn = false
		return err
	}
	sentry.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetUser(sentry.User{IPAddress: "{{auto}}"})
	})
	CaptureMessage("session:started")
	go monitorRun()
	return nil
}

// CaptureMessage sends a message to Sentry.
func CaptureMessage(message string) {
	if !isOn || isTest() {
		return
	}
	sentry.CaptureMessage(message)
	defer sentry.Flush(2 * time.Second)
}

// CaptureException sends an error to Sentry. Only warn level and above are
// forwarded; debug/info noise stays local to the logger.
func CaptureException(level int, format string, v ...interface{}) {
	if !isOn || isTest() {
		return
	}
	if level > LevelWarn {
		return
	}
	err := fmt.Errorf(format, v...)

	sentry.CaptureException(err)
	defer sentry.Flush(2 * time.Second)
}

// monitorRun runs in a goroutine and sends a heartbeat to Sentry every 24 hours,
// so a silently-wedged process is still visible as "stopped reporting."
func monitorRun() {
	for i := 0; ; i++ {
		CaptureMessage(fmt.Sprintf("session:%d", i))
		time.Sleep(24 * time.Hour)
	}
}

// IsOn returns true if the monitor is enabled.
func IsOn() bool {
	return isOn
}

// isTest returns true if execution is part of a test binary.
func isTest() bool {
	return flag.Lookup("test.v") != nil
}

// StartSpan wraps Sentry's span API to minimize exposure of sentry
// elsewhere in the codebase.
func StartSpan(ctx context.Context, opName, description string) *sentry.Span {
	if !isOn || isTest() {
		return &sentry.Span{}
	}
	return sentry.StartSpan(ctx, opName, sentry.TransactionName(description))
}

// Finish ends a span started with StartSpan.
func Finish(span *sentry.Span) {
	if !isOn || isTest() {
		return
	}
	span.Finish()
}
