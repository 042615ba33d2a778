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
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.Scheduler.TickInterval)
	assert.Equal(t, 100, cfg.Scheduler.BatchSize)
	assert.Equal(t, int64(64), cfg.Scheduler.MaxConcurrentRuns)
	assert.Equal(t, ExecutorHTTP, cfg.Executor.Type)
	assert.Equal(t, 10*time.Minute, cfg.Executor.Timeout)
	assert.Equal(t, 30*24*time.Hour, cfg.Ledger.Retention)
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.API.AllowedOrigins)
	assert.Equal(t, 5, cfg.API.RunSummaryLimit)
	assert.False(t, cfg.Log.Development)
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	yaml := `
scheduler:
  tick_interval: 10s
  batch_size: 20
executor:
  type: nats
api:
  allowed_origins:
    - https://ui.example.com
log:
  development: true
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))
	t.Setenv("SCHEDULER_SCHEDULER_BATCH_SIZE", "50")
	t.Setenv("SCHEDULER_DATABASE_PATH", "/var/lib/scheduler/data.db")

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, cfg.Scheduler.TickInterval)
	assert.Equal(t, 50, cfg.Scheduler.BatchSize)
	assert.Equal(t, ExecutorNATS, cfg.Executor.Type)
	assert.Equal(t, "/var/lib/scheduler/data.db", cfg.Database.Path)
	assert.Equal(t, []string{"https://ui.example.com"}, cfg.API.AllowedOrigins)
	assert.True(t, cfg.Log.Development)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		msg  string
	}{
		{
			name: "tick too coarse",
			yaml: "scheduler:\n  tick_interval: 2m\n",
			msg:  "tick_interval",
		},
		{
			name: "tick not dividing a minute",
			yaml: "scheduler:\n  tick_interval: 40s\n",
			msg:  "tick_interval",
		},
		{
			name: "unknown executor",
			yaml: "executor:\n  type: grpc\n",
			msg:  "executor.type",
		},
		{
			name: "missing platform",
			yaml: "platform:\n  base_url: \"\"\n",
			msg:  "platform.base_url",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(tt.yaml), 0o644))

			_, err := Load(dir)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestLoad_MalformedFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("scheduler: [\n"), 0o644))

	_, err := Load(dir)
	require.Error(t, err)
}
