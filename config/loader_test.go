package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-school/types"
)

func TestLoadOverlaysDefaults(t *testing.T) {
	t.Setenv("SCHOOL_REDIS_HOST", "redis.internal")

	cfg, err := NewLoader().Load([]byte(`
kv_store:
  type: redis
  redis:
    host: ${SCHOOL_REDIS_HOST}
    port: ${SCHOOL_REDIS_PORT:-6380}
rate_limit:
  enabled: true
  auth:
    max: 5
    window: 1m
`))
	require.NoError(t, err)

	assert.Equal(t, "redis.internal", cfg.KVStore.Redis.Host)
	assert.Equal(t, 6380, cfg.KVStore.Redis.Port)
	assert.Equal(t, time.Minute, cfg.RateLimit.Auth.Window)
	assert.EqualValues(t, 5, cfg.RateLimit.Auth.Max)
	assert.EqualValues(t, 100, cfg.RateLimit.General.Max, "untouched tiers keep defaults")
	assert.Equal(t, time.Hour, cfg.Cache.DefaultTTL)
	assert.Equal(t, "sqlite3", cfg.Database.Driver)
}

func TestLoadAuthTokens(t *testing.T) {
	t.Setenv("SCHOOL_REGISTRAR_TOKEN", "reg-secret")

	cfg, err := NewLoader().Load([]byte(`
auth:
  enabled: true
  tokens:
    registrar: ${SCHOOL_REGISTRAR_TOKEN}
`))
	require.NoError(t, err)

	require.NotNil(t, cfg.Auth)
	assert.True(t, cfg.Auth.Enabled)
	assert.Equal(t, map[string]string{"registrar": "reg-secret"}, cfg.Auth.Tokens)
	assert.Equal(t, 500*time.Millisecond, cfg.KVStore.OperationTimeout)

	defaults := NewLoader().Defaults()
	assert.False(t, defaults.Auth.Enabled)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	loader := NewLoader()

	_, err := loader.Load([]byte("rate_limit: [unclosed"))
	assert.ErrorIs(t, err, types.ErrConfigParseFailed)

	_, err = loader.Load([]byte(`
database:
  driver: oracle
`))
	assert.ErrorIs(t, err, types.ErrConfigValidateFailed)

	_, err = loader.Load([]byte(`
rate_limit:
  strict:
    max: 0
    window: 15m
`))
	assert.ErrorIs(t, err, types.ErrConfigValidateFailed)
}

func TestConfigurationManagerLoadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: school-api\nversion: 1.2.3\n"), 0o600))

	manager, err := NewConfigurationManager(path)
	require.NoError(t, err)
	assert.Equal(t, "school-api", manager.GetConfig().Name)

	_, err = NewConfigurationManager(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, types.ErrConfigNotFound)
}
