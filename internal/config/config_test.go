// ABOUTME: Tests for YAML config loading, env expansion, duration
// ABOUTME: parsing and validation.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hivewire.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

const validYAML = `
broker:
  id: "broker-1"
  default_max_retries: 5
  request_timeout: "10s"
  cleanup_interval: "2m"
  retention_window: "48h"

discovery:
  roster_path: "/etc/hivewire/roster.toml"
  health_check: "grpc"
  probe_retries: 2
  discovery_interval: "1m"
  health_check_interval: "15s"
  health_check_timeout: "3s"

transports:
  websocket:
    - name: "upstream"
      url: "ws://10.0.0.5:8080/ws"
      breaker_preset: "fast-fail"

server:
  http_addr: ":8080"
  listen_path: "/ws"

database:
  path: "/var/lib/hivewire/messages.db"

logging:
  level: "debug"
  format: "json"
`

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.Equal(t, "broker-1", cfg.Broker.ID)
	assert.Equal(t, 5, cfg.Broker.DefaultMaxRetries)
	assert.Equal(t, 10*time.Second, cfg.Broker.RequestTimeout)
	assert.Equal(t, 2*time.Minute, cfg.Broker.CleanupInterval)
	assert.Equal(t, 48*time.Hour, cfg.Broker.RetentionWindow)

	assert.Equal(t, "grpc", cfg.Discovery.HealthCheck)
	assert.Equal(t, time.Minute, cfg.Discovery.DiscoveryInterval)
	assert.Equal(t, 15*time.Second, cfg.Discovery.HealthCheckInterval)
	assert.Equal(t, 3*time.Second, cfg.Discovery.HealthCheckTimeout)

	require.Len(t, cfg.Transports.WebSocket, 1)
	assert.Equal(t, "upstream", cfg.Transports.WebSocket[0].Name)
	assert.Equal(t, "fast-fail", cfg.Transports.WebSocket[0].BreakerPreset)

	assert.Equal(t, ":8080", cfg.Server.HTTPAddr)
	assert.Equal(t, "/var/lib/hivewire/messages.db", cfg.Database.Path)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("HIVEWIRE_TEST_DB", "/tmp/test.db")
	t.Setenv("HIVEWIRE_TEST_ADDR", ":9999")

	cfg, err := Load(writeConfig(t, `
server:
  http_addr: "${HIVEWIRE_TEST_ADDR}"
database:
  path: "${HIVEWIRE_TEST_DB}"
`))
	require.NoError(t, err)
	assert.Equal(t, "/tmp/test.db", cfg.Database.Path)
	assert.Equal(t, ":9999", cfg.Server.HTTPAddr)
}

func TestLoad_UnsetEnvExpandsEmpty(t *testing.T) {
	_, err := Load(writeConfig(t, `
server:
  http_addr: ":8080"
database:
  path: "${HIVEWIRE_DEFINITELY_UNSET_VAR}"
`))
	require.ErrorContains(t, err, "database.path is required")
}

func TestLoad_InvalidDuration(t *testing.T) {
	_, err := Load(writeConfig(t, `
broker:
  request_timeout: "soon"
server:
  http_addr: ":8080"
database:
  path: "/tmp/test.db"
`))
	require.ErrorContains(t, err, "broker.request_timeout")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.ErrorContains(t, err, "reading config file")
}

func TestLoad_MalformedYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "broker: [unclosed"))
	require.ErrorContains(t, err, "parsing config file")
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Server:   ServerConfig{HTTPAddr: ":8080"},
			Database: DatabaseConfig{Path: "/tmp/test.db"},
		}
	}

	require.NoError(t, base().Validate())

	t.Run("missing database path", func(t *testing.T) {
		cfg := base()
		cfg.Database.Path = ""
		require.ErrorContains(t, cfg.Validate(), "database.path")
	})

	t.Run("missing http addr", func(t *testing.T) {
		cfg := base()
		cfg.Server.HTTPAddr = ""
		require.ErrorContains(t, cfg.Validate(), "server.http_addr")
	})

	t.Run("bad health check kind", func(t *testing.T) {
		cfg := base()
		cfg.Discovery.HealthCheck = "icmp"
		require.ErrorContains(t, cfg.Validate(), "health_check")
	})

	t.Run("websocket without name", func(t *testing.T) {
		cfg := base()
		cfg.Transports.WebSocket = []WebSocketTransportConfig{{URL: "ws://x/ws"}}
		require.ErrorContains(t, cfg.Validate(), "name is required")
	})

	t.Run("websocket without url", func(t *testing.T) {
		cfg := base()
		cfg.Transports.WebSocket = []WebSocketTransportConfig{{Name: "peer"}}
		require.ErrorContains(t, cfg.Validate(), "url is required")
	})
}
