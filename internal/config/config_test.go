package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsNeedASecret(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CONFIG_ENV", "missing")
	t.Setenv("SPACES_SECRET", "")

	_, err := Load()
	require.Error(t, err)

	t.Setenv("SPACES_SECRET", "s3cret")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "release", cfg.Mode)
	assert.Equal(t, 54*time.Second, cfg.PingPeriod)
	assert.Equal(t, 3, cfg.Reconnect.Attempts)
	assert.Equal(t, 2*time.Second, cfg.Reconnect.Base)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, []byte("s3cret"), cfg.RelaySecret())
}

func TestFileAndEnvironment(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "config"), 0o755))
	yaml := `
port: 9000
secret: from-file
signaling:
  url: ws://relay.local/api/ws/signal
  secret: relay-key
rtc:
  udp_port_min: 40000
  udp_port_max: 40100
  negotiation_timeout: 5s
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config", "config.test.yaml"), []byte(yaml), 0o600))
	t.Chdir(dir)
	t.Setenv("CONFIG_ENV", "test")
	t.Setenv("SPACES_PORT", "9100")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Port, "environment wins over the file")
	assert.Equal(t, "ws://relay.local/api/ws/signal", cfg.Signaling.URL)
	assert.Equal(t, []byte("relay-key"), cfg.RelaySecret())
	assert.Equal(t, uint16(40000), cfg.RTC.UDPPortMin)
	assert.Equal(t, 5*time.Second, cfg.RTC.NegotiationTimeout)
}

func TestPostgresNeedsURL(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CONFIG_ENV", "missing")
	t.Setenv("SPACES_SECRET", "s3cret")
	t.Setenv("SPACES_STORE_DRIVER", "postgres")

	_, err := Load()
	assert.ErrorContains(t, err, "database_url")

	t.Setenv("SPACES_STORE_DATABASE_URL", "postgres://localhost/spaces")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Store.Driver)
}

func TestDotEnvIsLoaded(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("SPACES_SECRET=from-dotenv\n"), 0o600))
	t.Chdir(dir)
	t.Setenv("CONFIG_ENV", "missing")
	t.Setenv("SPACES_SECRET", "")
	require.NoError(t, os.Unsetenv("SPACES_SECRET"))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.Secret)
	require.NoError(t, os.Unsetenv("SPACES_SECRET"))
}
