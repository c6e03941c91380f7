package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/featurebasedb/admitcore/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultConfig(t *testing.T) {
	cfg := config.NewDefaultConfig()
	assert.Equal(t, config.DefaultMaxSimultaneousQueriesPerDB, cfg.MaxSimultaneousQueriesPerDB)
	assert.Equal(t, time.Second, time.Duration(cfg.HeartbeatInterval))
	assert.NoError(t, cfg.Validate())
}

func TestLoadFileMissingReturnsDefaults(t *testing.T) {
	cfg, err := config.LoadFile(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	require.NoError(t, err)
	assert.Equal(t, config.DefaultMaxSimultaneousQueriesPerDB, cfg.MaxSimultaneousQueriesPerDB)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "admitcore.toml")
	contents := `
max-simultaneous-queries-per-db = 4
heartbeat-interval = "250ms"
listen-address = "0.0.0.0:9999"
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	cfg, err := config.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.MaxSimultaneousQueriesPerDB)
	assert.Equal(t, 250*time.Millisecond, time.Duration(cfg.HeartbeatInterval))
	assert.Equal(t, "0.0.0.0:9999", cfg.ListenAddress)
}

func TestValidateRejectsNegativeCapacity(t *testing.T) {
	cfg := config.NewDefaultConfig()
	cfg.MaxSimultaneousQueriesPerDB = -1
	assert.Error(t, cfg.Validate())
}
