package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/openrooms/pkg/schema"
)

func withSettings(t *testing.T, content string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings.json")
	if content != "" {
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	t.Setenv("OPENROOMS_SETTINGS", path)
}

func TestLoadConfigDefaults(t *testing.T) {
	withSettings(t, "")

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, defaultConfig(), cfg)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfigLayers(t *testing.T) {
	withSettings(t, `{
		"listen_addr": ":9000",
		"redis_addr": "redis:6379",
		"lock_timeout": "45s",
		"max_execution_time": 120000,
		"pool_size": 4
	}`)
	t.Setenv("OPENROOMS_POOL_SIZE", "8")
	t.Setenv("OPENROOMS_LOCK_RENEW_INTERVAL", "15s")
	t.Setenv("OPENROOMS_DISPATCH_RATE", "2.5")
	t.Setenv("OPENROOMS_REDIS_DB", "not-a-number")

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.Equal(t, 45*time.Second, cfg.LockTimeout.Std())
	assert.Equal(t, 2*time.Minute, cfg.MaxExecutionTime.Std())
	assert.Equal(t, 8, cfg.PoolSize)
	assert.Equal(t, 15*time.Second, cfg.LockRenewInterval.Std())
	assert.InDelta(t, 2.5, cfg.DispatchRate, 1e-9)
	assert.Equal(t, 0, cfg.RedisDB)
}

func TestLoadConfigMalformedSettings(t *testing.T) {
	withSettings(t, `{"pool_size": "many"}`)

	_, err := loadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "settings.json")
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{"missing listen addr", func(c *Config) { c.ListenAddr = "" }, ErrInvalidListenAddr},
		{"missing db path", func(c *Config) { c.DBPath = "" }, ErrInvalidDBPath},
		{"missing redis", func(c *Config) { c.RedisAddr = "" }, ErrInvalidRedisAddr},
		{"zero pool", func(c *Config) { c.PoolSize = 0 }, ErrInvalidPoolSize},
		{"zero lock timeout", func(c *Config) { c.LockTimeout = 0 }, ErrInvalidLockTimeout},
		{"renew not shorter than timeout", func(c *Config) { c.LockRenewInterval = c.LockTimeout }, ErrInvalidLockRenew},
		{"zero max execution", func(c *Config) { c.MaxExecutionTime = 0 }, ErrInvalidMaxExecTime},
		{"zero ttl", func(c *Config) { c.StateTTL = 0 }, ErrInvalidStateTTL},
		{"zero burst", func(c *Config) { c.DispatchBurst = 0 }, ErrInvalidDispatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), tt.want)
		})
	}

	cfg := defaultConfig()
	cfg.LockRenewInterval = 0
	assert.NoError(t, cfg.Validate())
}

func TestRunValidate(t *testing.T) {
	dir := t.TempDir()
	valid := filepath.Join(dir, "ok.yaml")
	require.NoError(t, os.WriteFile(valid, []byte(`
id: ok
name: OK
status: ACTIVE
initial_node_id: start
nodes:
  - id: start
    type: START
    name: Start
    transitions:
      - condition: ALWAYS
        target_node_id: end
  - id: end
    type: END
    name: End
`), 0o644))

	var out bytes.Buffer
	require.NoError(t, runValidate(&out, valid))

	invalid := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(invalid, []byte(`{
  "id": "bad",
  "name": "Bad",
  "initial_node_id": "start",
  "nodes": [
    {"id": "start", "type": "START", "name": "Start",
     "transitions": [{"condition": "ALWAYS", "target_node_id": "call"}]},
    {"id": "call", "type": "TOOL_EXECUTION", "name": "Call",
     "config": {"tool": "does_not_exist"},
     "transitions": [{"condition": "SUCCESS", "target_node_id": "end"}]},
    {"id": "end", "type": "END", "name": "End"}
  ]
}`), 0o644))

	out.Reset()
	err := runValidate(&out, invalid)
	require.Error(t, err)
	assert.Contains(t, out.String(), schema.ErrCodeToolNotFound)

	_, err = os.Stat(filepath.Join(dir, "missing.json"))
	require.Error(t, err)
	assert.Error(t, runValidate(&out, filepath.Join(dir, "missing.json")))
}
