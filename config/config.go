// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package config holds the process-wide configuration for admitcore's
// demo daemon: the per-database admission capacity, the keep-alive
// heartbeat interval, and the bits needed to stand up the HTTP listener
// and optional crash reporting.
package config

import (
	"os"
	"time"

	toml "github.com/pelletier/go-toml"

	fbtoml "github.com/featurebasedb/admitcore/toml"
)

const (
	// DefaultMaxSimultaneousQueriesPerDB bounds concurrent query workers
	// admitted against any single database.
	DefaultMaxSimultaneousQueriesPerDB = 15

	// DefaultHeartbeatInterval is how often the keep-alive relay emits a
	// newline while a query is still pending.
	DefaultHeartbeatInterval = fbtoml.Duration(time.Second)

	// DefaultListenAddress is the demo daemon's HTTP bind address.
	DefaultListenAddress = "localhost:10112"
)

// Config is the top-level configuration for the admission core and its
// demo HTTP daemon.
type Config struct {
	// MaxSimultaneousQueriesPerDB is passed to the Registry when it is
	// built, and every broker that Registry creates uses that value;
	// changing the field afterward affects neither existing brokers nor
	// ones created later.
	MaxSimultaneousQueriesPerDB int `toml:"max-simultaneous-queries-per-db" mapstructure:"max-simultaneous-queries-per-db"`

	// HeartbeatInterval is how often the keep-alive relay writes a
	// newline heartbeat while a result is still pending.
	HeartbeatInterval fbtoml.Duration `toml:"heartbeat-interval" mapstructure:"heartbeat-interval"`

	// ListenAddress is the bind address used by the demo daemon.
	ListenAddress string `toml:"listen-address" mapstructure:"listen-address"`

	// SentryDSN, if set, turns on crash reporting via the monitor package.
	SentryDSN string `toml:"sentry-dsn" mapstructure:"sentry-dsn"`

	// LogPath, if set, directs log output to a reopenable file instead
	// of stderr.
	LogPath string `toml:"log-path" mapstructure:"log-path"`
}

// NewDefaultConfig returns a Config populated with the package defaults.
func NewDefaultConfig() *Config {
	return &Config{
		MaxSimultaneousQueriesPerDB: DefaultMaxSimultaneousQueriesPerDB,
		HeartbeatInterval:           DefaultHeartbeatInterval,
		ListenAddress:               DefaultListenAddress,
	}
}

// LoadFile decodes a TOML configuration file on top of the package
// defaults. A missing file is not an error; the defaults are returned
// unchanged, so the daemon starts cleanly in development without one.
func LoadFile(path string) (*Config, error) {
	cfg := NewDefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	} else if err != nil {
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for nonsensical values before it's
// used to build a BrokerRegistry or HTTP listener.
func (c *Config) Validate() error {
	if c.MaxSimultaneousQueriesPerDB < 0 {
		return errInvalidMaxSimultaneous
	}
	return nil
}
