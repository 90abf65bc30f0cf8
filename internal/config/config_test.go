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
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 8, cfg.Engine.MaxConcurrent)
	assert.Equal(t, 5*time.Minute, cfg.Engine.LeaseTTL)
	assert.Equal(t, 60*time.Second, cfg.Scheduler.Interval)
	assert.Equal(t, 10*time.Second, cfg.Scheduler.Buffer)
	assert.True(t, cfg.Scheduler.Enabled)
	assert.Equal(t, 30, cfg.Cleanup.RetentionDays)
	assert.Equal(t, "gpt-4o-mini", cfg.LLM.OpenAI.Model)
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stepflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  driver: postgres
  dsn: postgres://localhost/stepflow
scheduler:
  interval: 30s
log:
  format: json
script:
  allowed_commands: [python3, jq]
`), 0o600))

	t.Setenv("STEPFLOW_LOG_LEVEL", "debug")
	t.Setenv("STEPFLOW_LLM_ANTHROPIC_API_KEY", "sk-test")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.Interval)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "sk-test", cfg.LLM.Anthropic.APIKey)
	assert.Equal(t, []string{"python3", "jq"}, cfg.Script.AllowedCommands)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	dir := t.TempDir()
	path := filepath.Join(dir, "stepflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database:\n  driver: oracle\n"), 0o600))
	_, err = Load(path)
	assert.ErrorContains(t, err, "unsupported database driver")
}
