package errors_test

import (
	"fmt"
	"testing"

	"github.com/featurebasedb/admitcore/errors"
	"github.com/stretchr/testify/assert"
)

func TestErrors(t *testing.T) {
	t.Run("Is", func(t *testing.T) {
		uncoded := newUncoded("uncoded error")
		closed := newErrBrokerClosed("db42")
		fault := newErrWorkerFault("boom")
		closedCustom := errors.New(errBrokerClosed, "custom closed message")

		tests := []struct {
			err    error
			target errors.Code
			exp    bool
		}{
			{
				err:    uncoded,
				target: errUncoded,
				exp:    true,
			},
			{
				err:    uncoded,
				target: errBrokerClosed,
				exp:    false,
			},
			{
				err:    closed,
				target: errBrokerClosed,
				exp:    true,
			},
			{
				err:    closed,
				target: errWorkerFault,
				exp:    false,
			},
			{
				err:    errors.Wrap(fault, "with message"),
				target: errWorkerFault,
				exp:    true,
			},
			{
				err:    closedCustom,
				target: errBrokerClosed,
				exp:    true,
			},
		}

		for i, test := range tests {
			t.Run(fmt.Sprintf("test-%d", i), func(t *testing.T) {
				got := errors.Is(test.err, test.target)
				assert.Equal(t, test.exp, got)
			})
		}
	})

	t.Run("MarshalJSON", func(t *testing.T) {
		err := newErrWorkerFault("boom")
		j := errors.MarshalJSON(err)
		assert.Contains(t, j, `"code":"WorkerFault"`)
		assert.Contains(t, j, `"message":"boom"`)
	})
}

// Test error codes.

const (
	errUncoded      errors.Code = "Uncoded"
	errBrokerClosed errors.Code = "BrokerClosed"
	errWorkerFault  errors.Code = "WorkerFault"
)

func newUncoded(message string) error {
	return errors.New(
		errUncoded,
		message,
	)
}

func newErrBrokerClosed(dbID string) error {
	return errors.New(
		errBrokerClosed,
		"broker closed for database: "+dbID,
	)
}

func newErrWorkerFault(message string) error {
	return errors.New(
		errWorkerFault,
		message,
	)
}
