package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:6379", cfg.RedisAddr)
	assert.Equal(t, "delayed", cfg.QueueName)
	assert.Equal(t, 5*time.Second, cfg.KillTimeout)
	assert.Equal(t, 30*time.Second, cfg.DefaultTimeout)
	assert.False(t, cfg.PersistentChild)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "delayedworker.toml")
	contents := `
redis_addr = "10.0.0.5:6380"
queue_name = "overflow"
kill_timeout = "7s"
default_timeout = "45"
persistent_child = true
log_level = "debug"
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	t.Setenv(configFileEnv, path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5:6380", cfg.RedisAddr)
	assert.Equal(t, "overflow", cfg.QueueName)
	assert.Equal(t, 7*time.Second, cfg.KillTimeout)
	assert.Equal(t, 45*time.Second, cfg.DefaultTimeout)
	assert.True(t, cfg.PersistentChild)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	t.Setenv(configFileEnv, filepath.Join(t.TempDir(), "does-not-exist.toml"))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:6379", cfg.RedisAddr)
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "delayedworker.toml")
	require.NoError(t, os.WriteFile(path, []byte(`redis_addr = "file-addr:6379"`+"\n"), 0o600))
	t.Setenv(configFileEnv, path)
	t.Setenv(redisAddrEnv, "env-addr:6379")
	t.Setenv(persistentEnv, "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "env-addr:6379", cfg.RedisAddr)
	assert.True(t, cfg.PersistentChild)
}

func TestParseDuration(t *testing.T) {
	cases := []struct {
		name string
		val  string
		def  time.Duration
		want time.Duration
	}{
		{"bare digits mean seconds", "45", time.Second, 45 * time.Second},
		{"go duration string passes through", "1m15s", time.Second, 75 * time.Second},
		{"empty falls back to default", "", 9 * time.Second, 9 * time.Second},
		{"garbage falls back to default", "not-a-duration", 9 * time.Second, 9 * time.Second},
		{"negative falls back to default", "-5s", 9 * time.Second, 9 * time.Second},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, parseDuration("TEST_ENV", tc.val, tc.def))
		})
	}
}

func TestIsAllDigits(t *testing.T) {
	assert.True(t, isAllDigits("1234"))
	assert.False(t, isAllDigits(""))
	assert.False(t, isAllDigits("12m"))
	assert.False(t, isAllDigits("-5"))
}
