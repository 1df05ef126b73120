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
	t.Setenv("CONFIG_FILE", "")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DriverMemory, cfg.StoreDriver)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "dev", cfg.AuthMode)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, "commitfund:events", cfg.RedisStream)
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "commitfund.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store_driver: sqlite
sqlite_path: /tmp/a.db
port: "9090"
relay_interval: 5s
log_level: debug
`), 0o600))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("SERVER_PORT", "7070")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DriverSQLite, cfg.StoreDriver)
	assert.Equal(t, "/tmp/a.db", cfg.SQLitePath)
	assert.Equal(t, "7070", cfg.Port, "env wins over file")
	assert.Equal(t, 5*time.Second, cfg.RelayInterval)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "postgres without source", env: map[string]string{"STORE_DRIVER": "postgres"}},
		{name: "unknown driver", env: map[string]string{"STORE_DRIVER": "mongo"}},
		{name: "jwt without secret", env: map[string]string{"AUTH_MODE": "jwt"}},
		{name: "dev auth in production", env: map[string]string{"ENVIRONMENT": "production"}},
		{name: "bad duration", env: map[string]string{"RELAY_INTERVAL": "soon"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("CONFIG_FILE", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
		})
	}
}

func TestLoadPostgresAndJWT(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("STORE_DRIVER", "Postgres")
	t.Setenv("DB_SOURCE", "postgres://localhost/commitfund")
	t.Setenv("AUTH_MODE", "jwt")
	t.Setenv("JWT_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("ENVIRONMENT", "production")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DriverPostgres, cfg.StoreDriver)
	assert.True(t, cfg.IsProduction())
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := Load()
	require.Error(t, err)
}
