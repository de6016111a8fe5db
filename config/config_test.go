package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig_FileAndDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
store:
  driver: redis
redis:
  data_address: "127.0.0.1:6379"
vote:
  max_retries: 7
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "redis", cfg.Store.Driver)
	assert.Equal(t, "127.0.0.1:6379", cfg.Redis.DataAddress)
	assert.Equal(t, 7, cfg.Vote.MaxRetries)

	// 未配置的项使用默认值
	assert.Equal(t, 5*time.Second, cfg.Store.Timeout)
	assert.Equal(t, 20*time.Millisecond, cfg.Vote.RetryBackoff)
	assert.Equal(t, "/graphql", cfg.GraphQL.Path)
	assert.Equal(t, "none", cfg.Lock.Driver)
	assert.Equal(t, *cfg, AppConfig)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "store:\n  driver: redis\n")
	t.Setenv("POLLVOTE_STORE_DRIVER", "memory")
	t.Setenv("POLLVOTE_AUTH_JWT_SECRET", "from-env")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, "from-env", cfg.Auth.JWTSecret)
}

func TestLoadConfig_Rejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown store", "store:\n  driver: sqlite\n"},
		{"unknown lock", "lock:\n  driver: zookeeper\n"},
		{"kafka without brokers", "kafka:\n  enabled: true\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}

	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadConfig_ShippedFile(t *testing.T) {
	cfg, err := LoadConfig("config.yaml")
	require.NoError(t, err)
	assert.Contains(t, cfg.MySQL.Master, "parseTime=true")
	assert.NotEmpty(t, cfg.Kafka.Brokers)
}
