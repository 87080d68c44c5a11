package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerDefaults(t *testing.T) {
	t.Setenv(PathEnv, "")
	cfg, err := LoadServer("")
	require.NoError(t, err)
	assert.Equal(t, DefaultServer(), cfg)
	assert.NoError(t, cfg.Validate())
}

func TestEnvOverridesFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "canvass.yaml")
	body := "addr: 0.0.0.0:9000\nstore: postgres://db/canvass\ncache_ttl: 90s\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	t.Setenv("CANVASS_ADDR", "127.0.0.1:9999")
	t.Setenv("CANVASS_REDIS_ADDR", "localhost:6379")

	cfg, err := LoadServer(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9999", cfg.Addr)
	assert.Equal(t, "postgres://db/canvass", cfg.Store)
	assert.Equal(t, 90*time.Second, cfg.CacheTTL)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, time.Minute, cfg.RefreshInterval)
}

func TestDeviceConfigFromEnv(t *testing.T) {
	t.Setenv(PathEnv, "")
	t.Setenv("CANVASS_CAMPAIGN", "recife-2026")
	t.Setenv("CANVASS_AGENT", "ana")
	t.Setenv("CANVASS_RETRY_INTERVAL", "45s")
	t.Setenv("CANVASS_MAX_ATTEMPTS", "3")

	cfg, err := LoadDevice("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 45*time.Second, cfg.RetryInterval)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 4, cfg.FlushWorkers)
}

func TestDeviceValidate(t *testing.T) {
	cfg := DefaultDevice()
	assert.Error(t, cfg.Validate())
	cfg.CampaignID, cfg.AgentID = "c1", "ana"
	assert.NoError(t, cfg.Validate())
	cfg.MaxAttempts = 0
	assert.Error(t, cfg.Validate())
}

func TestBadEnvValue(t *testing.T) {
	t.Setenv(PathEnv, "")
	t.Setenv("CANVASS_CACHE_TTL", "soon")
	_, err := LoadServer("")
	assert.Error(t, err)
}

func TestMissingConfigFile(t *testing.T) {
	_, err := LoadServer(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
