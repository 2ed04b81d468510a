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

func TestLoadConfigKeepsDefaultsForMissingKeys(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
sale:
  max_retries: 5
  base_retry_delay: 10ms
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Sale.MaxRetries)
	assert.Equal(t, 10*time.Millisecond, cfg.Sale.BaseRetryDelay)
	assert.Equal(t, 100, cfg.Sale.BatchSize)
	assert.Equal(t, 0.01, cfg.Sale.AmountTolerance)
	assert.Equal(t, "sale.completed", cfg.Kafka.Topic.SaleCompleted)
	assert.False(t, cfg.Kafka.Enabled())
	assert.False(t, cfg.Redis.Enabled())
}

func TestLoadConfigEnvOverride(t *testing.T) {
	path := writeConfig(t, `
sale:
  max_retries: 3
`)
	t.Setenv("SALE_MAX_RETRIES", "7")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Sale.MaxRetries)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestSaleConfigNormalizesInvalidValues(t *testing.T) {
	cfg := SaleConfig{MaxRetries: 0, BatchSize: -1, AmountTolerance: 0}.normalized()
	def := DefaultSaleConfig()

	assert.Equal(t, def.MaxRetries, cfg.MaxRetries)
	assert.Equal(t, def.BatchSize, cfg.BatchSize)
	assert.Equal(t, def.AmountTolerance, cfg.AmountTolerance)
	assert.Equal(t, def.MaxRetryDelay, cfg.MaxRetryDelay)
}
