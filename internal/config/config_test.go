// ABOUTME: Tests for configuration loading, env expansion, and validation
// ABOUTME: Uses temp files to exercise the YAML parsing path end to end

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
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	t.Run("parses full config", func(t *testing.T) {
		path := writeConfig(t, `
server:
  http_addr: ":9090"
database:
  path: "/tmp/test.db"
auth:
  jwt_secret: "secret"
  token_ttl: "1h"
geo:
  enabled: true
  endpoint: "http://geo.example/json"
  timeout: "2s"
agents:
  write_timeout: "5s"
  pong_timeout: "30s"
logging:
  level: "debug"
  format: "json"
`)

		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, ":9090", cfg.Server.HTTPAddr)
		assert.Equal(t, "/tmp/test.db", cfg.Database.Path)
		assert.Equal(t, "secret", cfg.Auth.JWTSecret)
		assert.Equal(t, time.Hour, cfg.Auth.TokenTTL)
		assert.Equal(t, 2*time.Second, cfg.Geo.Timeout)
		assert.Equal(t, 5*time.Second, cfg.Agents.WriteTimeout)
		assert.Equal(t, 30*time.Second, cfg.Agents.PongTimeout)
		assert.Equal(t, "debug", cfg.Logging.Level)
	})

	t.Run("applies defaults for omitted fields", func(t *testing.T) {
		path := writeConfig(t, `
auth:
  jwt_secret: "secret"
`)

		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, ":8080", cfg.Server.HTTPAddr)
		assert.Equal(t, "data/ops-gateway.db", cfg.Database.Path)
		assert.Equal(t, 12*time.Hour, cfg.Auth.TokenTTL)
		assert.True(t, cfg.Geo.Enabled)
		assert.Equal(t, 60*time.Second, cfg.Agents.PongTimeout)
	})

	t.Run("expands environment variables", func(t *testing.T) {
		t.Setenv("OPS_TEST_SECRET", "from-env")
		path := writeConfig(t, `
auth:
  jwt_secret: "${OPS_TEST_SECRET}"
`)

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "from-env", cfg.Auth.JWTSecret)
	})

	t.Run("rejects missing jwt secret", func(t *testing.T) {
		path := writeConfig(t, `
server:
  http_addr: ":8080"
`)

		_, err := Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "jwt_secret")
	})

	t.Run("rejects invalid duration", func(t *testing.T) {
		path := writeConfig(t, `
auth:
  jwt_secret: "secret"
geo:
  timeout: "not-a-duration"
`)

		_, err := Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "geo.timeout")
	})

	t.Run("rejects invalid logging level", func(t *testing.T) {
		path := writeConfig(t, `
auth:
  jwt_secret: "secret"
logging:
  level: "verbose"
`)

		_, err := Load(path)
		require.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		require.Error(t, err)
	})
}
