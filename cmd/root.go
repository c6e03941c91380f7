// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package cmd holds the demo daemon's cobra command tree, kept
// separate from cmd/admitd's main.go so the binary entry point stays
// a thin wrapper around Execute.
package cmd

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"reflect"
	"syscall"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	admitcore "github.com/featurebasedb/admitcore"
	"github.com/featurebasedb/admitcore/config"
	"github.com/featurebasedb/admitcore/logger"
	"github.com/featurebasedb/admitcore/monitor"
	"github.com/featurebasedb/admitcore/task"
	fbtoml "github.com/featurebasedb/admitcore/toml"
)

// NewRootCommand builds the admitd command tree.
func NewRootCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	rc := &cobra.Command{
		Use:   "admitd",
		Short: "admitd runs the query admission and streaming-response demo daemon.",
	}
	rc.AddCommand(newServeCommand(stdin, stdout, stderr))
	rc.SetOut(stdout)
	rc.SetErr(stderr)
	return rc
}

func newServeCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	cfg := config.NewDefaultConfig()

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the admission core behind a long-poll HTTP endpoint.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := decodeFlagsOntoConfig(cmd.Flags(), cfg); err != nil {
				return fmt.Errorf("applying flags to configuration: %w", err)
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return runServe(cfg, stderr)
		},
	}

	flags := serveCmd.Flags()
	flags.StringP("config", "c", "", "Configuration file to read from.")
	flags.IntVar(&cfg.MaxSimultaneousQueriesPerDB, "max-simultaneous-queries-per-db", cfg.MaxSimultaneousQueriesPerDB, "Concurrent query limit per database.")
	flags.DurationVar((*time.Duration)(&cfg.HeartbeatInterval), "heartbeat-interval", time.Duration(cfg.HeartbeatInterval), "Long-poll heartbeat interval.")
	flags.StringVar(&cfg.ListenAddress, "listen-address", cfg.ListenAddress, "HTTP bind address.")
	flags.StringVar(&cfg.SentryDSN, "sentry-dsn", cfg.SentryDSN, "Sentry DSN for crash reporting; empty disables it.")
	flags.StringVar(&cfg.LogPath, "log-path", cfg.LogPath, "File to log to; empty logs to stderr.")

	return serveCmd
}

// decodeFlagsOntoConfig layers, in increasing priority, the config file
// named by --config, then the pflag values actually changed on the
// command line, onto cfg. Flag values are collected into a plain map
// and decoded with mapstructure rather than applied one field at a
// time, the way a larger flag set would need to be handled.
func decodeFlagsOntoConfig(flags *pflag.FlagSet, cfg *config.Config) error {
	if path, _ := flags.GetString("config"); path != "" {
		fileCfg, err := config.LoadFile(path)
		if err != nil {
			return err
		}
		*cfg = *fileCfg
	}

	changed := map[string]interface{}{}
	flags.Visit(func(f *pflag.Flag) {
		if f.Name == "config" {
			return
		}
		changed[f.Name] = f.Value.String()
	})
	if len(changed) == 0 {
		return nil
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			durationTextHookFunc,
		),
	})
	if err != nil {
		return err
	}
	// changed's keys already match the mapstructure tags declared on
	// config.Config, since the flags above were named to match them.
	return decoder.Decode(changed)
}

// durationTextHookFunc lets mapstructure decode a flag's string value
// into fbtoml.Duration via its encoding.TextUnmarshaler implementation,
// which mapstructure does not invoke on its own.
func durationTextHookFunc(from, to reflect.Type, data interface{}) (interface{}, error) {
	if to != reflect.TypeOf(fbtoml.Duration(0)) {
		return data, nil
	}
	s, ok := data.(string)
	if !ok {
		return data, nil
	}
	var d fbtoml.Duration
	if err := d.UnmarshalText([]byte(s)); err != nil {
		return nil, err
	}
	return d, nil
}

// setupLogOutput opens cfg's configured log file for the daemon's log
// output, reopening it on SIGHUP the way a log rotator expects to be
// able to signal a long-running process, or falls back to stderr when
// no log path is configured.
func setupLogOutput(path string, stderr io.Writer) (io.Writer, func(), error) {
	if path == "" {
		return stderr, func() {}, nil
	}

	f, err := logger.NewFileWriter(path)
	if err != nil {
		return nil, nil, err
	}

	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			_ = f.Reopen()
		}
	}()

	return f, func() {
		signal.Stop(sighup)
		_ = f.Close()
	}, nil
}

func runServe(cfg *config.Config, stderr io.Writer) error {
	logOutput, closeLog, err := setupLogOutput(cfg.LogPath, stderr)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	defer closeLog()
	log := logger.NewStandardLogger(logOutput)

	if cfg.SentryDSN != "" {
		if err := monitor.InitErrorMonitor(cfg.SentryDSN, "admitd"); err != nil {
			log.Warnf("admitd: failed to initialize error monitor: %v", err)
		}
	}

	registry := admitcore.NewRegistry(cfg.MaxSimultaneousQueriesPerDB, log)
	pool := task.NewJobPool(cfg.MaxSimultaneousQueriesPerDB)
	admitter := admitcore.NewAdmitter(registry, pool)
	adapter := admitcore.NewHTTPAdapter(admitter, time.Duration(cfg.HeartbeatInterval), log)

	router := NewRouter(adapter, log)

	srv := &http.Server{
		Addr:    cfg.ListenAddress,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("admitd: listening on %s", cfg.ListenAddress)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Infof("admitd: received %s, shutting down", sig)
		go func() { <-sigCh; os.Exit(1) }()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)

	pool.Close()
	registry.Close()
	return nil
}
