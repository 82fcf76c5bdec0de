package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "0 0 1 1,4,7,10 *", cfg.Scheduler.QuarterSpec)
	assert.Equal(t, "0 0 1 1 *", cfg.Scheduler.ClosureSpec)
	assert.True(t, cfg.Scheduler.Enabled)
	assert.Empty(t, cfg.Database.DSN, "default runs without a database")
	assert.Equal(t, time.UTC, cfg.Location())
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
  rate_limit: 10
logging:
  level: debug
scheduler:
  enabled: false
  timezone: Europe/Berlin
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, float64(10), cfg.Server.RateLimit)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.False(t, cfg.Scheduler.Enabled)
	assert.Equal(t, "Europe/Berlin", cfg.Scheduler.Timezone)
	// Unset fields keep their defaults.
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "0 12 15 2,5,8,11 *", cfg.Scheduler.VerifySpec)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("BUDGETCORE_SERVER_PORT", "7070")
	t.Setenv("BUDGETCORE_DATABASE_DSN", "postgres://localhost/budgets")
	t.Setenv("BUDGETCORE_LOG_LEVEL", "warn")
	t.Setenv("BUDGETCORE_SCHEDULER_ENABLED", "false")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "postgres://localhost/budgets", cfg.Database.DSN)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.False(t, cfg.Scheduler.Enabled)
}

func TestValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: -1\n"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)

	path2 := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path2, []byte("scheduler:\n  timezone: Mars/Olympus\n"), 0o600))
	_, err = Load(path2)
	assert.Error(t, err)
}

func TestMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
