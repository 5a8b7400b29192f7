package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate points the settings lookup at an empty temp dir and clears every
// PLAYBOOKS_* variable for the test.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("PLAYBOOKS_CONFIG", filepath.Join(dir, "settings.yaml"))
	for _, key := range []string{
		"PLAYBOOKS_DB_DRIVER", "PLAYBOOKS_DB_DSN", "PLAYBOOKS_LOG_LEVEL", "PLAYBOOKS_LOG_FORMAT",
		"PLAYBOOKS_SEED_FILE", "PLAYBOOKS_PARTITIONS", "PLAYBOOKS_MAX_REDELIVERIES",
		"PLAYBOOKS_MAX_ITERATIONS", "PLAYBOOKS_POOL_SIZE", "PLAYBOOKS_REDELIVERY_DELAY",
		"PLAYBOOKS_SCHEDULE_INTERVAL", "PLAYBOOKS_RESUME_SWEEP_INTERVAL", "PLAYBOOKS_LOCK_WAIT_TIMEOUT",
	} {
		t.Setenv(key, "")
	}
	return dir
}

func writeSettings(t *testing.T, dir, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.yaml"), []byte(body), 0o644))
}

func TestLoadConfig_Defaults(t *testing.T) {
	dir := isolate(t)

	cfg, err := loadConfig()
	require.NoError(t, err)

	assert.Equal(t, "libsql", cfg.DBDriver)
	assert.Equal(t, "file:"+filepath.Join(dir, ".playbooks", "playbooks.db"), cfg.DBDSN)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, 16, cfg.Partitions)
	assert.Equal(t, 50, cfg.MaxIterations)
	assert.Equal(t, 30*time.Second, cfg.ScheduleInterval)
	assert.Equal(t, 15*time.Second, cfg.ResumeSweepInterval)
	assert.Empty(t, cfg.SeedFile)
}

func TestLoadConfig_FileOverridesDefaults(t *testing.T) {
	dir := isolate(t)
	writeSettings(t, dir, `
db_driver: postgres
db_dsn: postgres://localhost/playbooks?sslmode=disable
log_format: json
partitions: 4
redelivery_delay: 250ms
schedule_interval: 1m
`)

	cfg, err := loadConfig()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.DBDriver)
	assert.Equal(t, "postgres://localhost/playbooks?sslmode=disable", cfg.DBDSN)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 4, cfg.Partitions)
	assert.Equal(t, 250*time.Millisecond, cfg.RedeliveryDelay)
	assert.Equal(t, time.Minute, cfg.ScheduleInterval)
	assert.Equal(t, 10, cfg.PoolSize, "unset keys keep their default")
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	dir := isolate(t)
	writeSettings(t, dir, "partitions: 4\nlog_level: warn\n")
	t.Setenv("PLAYBOOKS_PARTITIONS", "32")
	t.Setenv("PLAYBOOKS_DB_DRIVER", "memory")
	t.Setenv("PLAYBOOKS_LOCK_WAIT_TIMEOUT", "5s")

	cfg, err := loadConfig()
	require.NoError(t, err)

	assert.Equal(t, 32, cfg.Partitions)
	assert.Equal(t, "memory", cfg.DBDriver)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, 5*time.Second, cfg.LockWaitTimeout)
}

func TestLoadConfig_Errors(t *testing.T) {
	tests := []struct {
		name     string
		settings string
		env      map[string]string
	}{
		{name: "malformed yaml", settings: "partitions: [1"},
		{name: "bad env int", env: map[string]string{"PLAYBOOKS_POOL_SIZE": "many"}},
		{name: "bad env duration", env: map[string]string{"PLAYBOOKS_REDELIVERY_DELAY": "soon"}},
		{name: "unknown driver", env: map[string]string{"PLAYBOOKS_DB_DRIVER": "mysql"}},
		{name: "unknown format", env: map[string]string{"PLAYBOOKS_LOG_FORMAT": "xml"}},
		{name: "unknown level", env: map[string]string{"PLAYBOOKS_LOG_LEVEL": "loud"}},
		{name: "zero partitions", settings: "partitions: 0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := isolate(t)
			if tt.settings != "" {
				writeSettings(t, dir, tt.settings)
			}
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := loadConfig()
			assert.Error(t, err)
		})
	}
}

func TestParseLevel(t *testing.T) {
	for _, s := range []string{"debug", "INFO", "warn", "error"} {
		_, err := parseLevel(s)
		assert.NoError(t, err, s)
	}
}
