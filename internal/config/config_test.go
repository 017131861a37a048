package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err, "an explicitly requested file must exist")

	// With no file at all, defaults apply.
	cfg, err = loadInDir(t, t.TempDir(), "")
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, 15*time.Second, cfg.Scheduler.Interval.Std())
	assert.Equal(t, "@every 10m", cfg.Maintenance.Schedule)
	assert.Equal(t, 0.03, cfg.Memory.MemoryEvictionFloor)
	assert.Empty(t, cfg.Server.AuthToken)
}

func TestLoad_YAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rune.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
storage:
  driver: postgres
  dsn: postgres://localhost/rune?sslmode=disable
scheduler:
  interval: 5s
  batch_limit: 8
planner:
  fact_key_allowlist: [city, birthday]
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Storage.Driver)
	assert.Equal(t, 5*time.Second, cfg.Scheduler.Interval.Std())
	assert.Equal(t, 8, cfg.Scheduler.BatchLimit)
	assert.Equal(t, []string{"city", "birthday"}, cfg.Planner.FactKeyAllowlist)
	// Untouched sections keep defaults.
	assert.Equal(t, time.Minute, cfg.Scheduler.RetryDelay.Std())
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rune.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  dsn: file.db\n"), 0o600))

	t.Setenv("RUNE_STORAGE_DSN", "env.db")
	t.Setenv("RUNE_SCHEDULER_INTERVAL", "2s")
	t.Setenv("RUNE_SCHEDULER_ENABLED", "false")
	t.Setenv("RUNE_MEMORY_MAX_PER_USER", "50")
	t.Setenv("RUNE_FACT_KEY_ALLOWLIST", "city, timezone ,")
	t.Setenv("RUNE_API_TOKEN", "sekrit")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "env.db", cfg.Storage.DSN)
	assert.Equal(t, 2*time.Second, cfg.Scheduler.Interval.Std())
	assert.False(t, cfg.Scheduler.Enabled)
	assert.Equal(t, 50, cfg.Memory.MaxPerUser)
	assert.Equal(t, []string{"city", "timezone"}, cfg.Planner.FactKeyAllowlist)
	assert.Equal(t, "sekrit", cfg.Server.AuthToken)
}

func TestLoad_RejectsUnknownDriver(t *testing.T) {
	t.Setenv("RUNE_STORAGE_DRIVER", "mysql")
	_, err := loadInDir(t, t.TempDir(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown storage driver")
}

// loadInDir runs Load with the working directory moved, so an incidental
// rune.yaml or .env in the repo cannot leak into the test.
func loadInDir(t *testing.T, dir, path string) (*Config, error) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	return Load(path)
}
