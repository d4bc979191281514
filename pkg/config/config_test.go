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
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, BackendMemory, cfg.Store.Backend)
	assert.Equal(t, 4, cfg.Compiler.ExactMaxLen)
	assert.Equal(t, 8, cfg.Compiler.OneTypoMaxLen)
	assert.Equal(t, 512, cfg.Compiler.MaxQueryBytes)
	assert.Empty(t, cfg.Kafka.Brokers)
	assert.Empty(t, cfg.Redis.Addr)
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := []byte(`
server:
  port: 9000
store:
  backend: postgres
compiler:
  exactMaxLen: 3
  oneTypoMaxLen: 7
  timeout: 500ms
redis:
  addr: "redis:6379"
`)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	t.Setenv("QC_SERVER_PORT", "9100")
	t.Setenv("QC_KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, BackendPostgres, cfg.Store.Backend)
	assert.Equal(t, 3, cfg.Compiler.ExactMaxLen)
	assert.Equal(t, 7, cfg.Compiler.OneTypoMaxLen)
	assert.Equal(t, 500*time.Millisecond, cfg.Compiler.Timeout)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 3, cfg.Compiler.RetryAttempts)
}

func TestValidateRejectsBadSettings(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.Store.Backend = "bolt" }},
		{"inverted thresholds", func(c *Config) { c.Compiler.ExactMaxLen = 9 }},
		{"negative exact", func(c *Config) { c.Compiler.ExactMaxLen = -1 }},
		{"zero query size", func(c *Config) { c.Compiler.MaxQueryBytes = 0 }},
		{"no attempts", func(c *Config) { c.Compiler.RetryAttempts = 0 }},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
