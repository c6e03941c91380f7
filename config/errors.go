package config

import "github.com/featurebasedb/admitcore/errors"

const errCodeInvalidConfig errors.Code = "InvalidConfig"

var errInvalidMaxSimultaneous = errors.New(errCodeInvalidConfig, "max-simultaneous-queries-per-db must be >= 0")
