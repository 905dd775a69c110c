package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 60*time.Second, cfg.Ledger.MaxPriceAge)
	assert.Equal(t, uint64(1_000_000_000_000), cfg.Ledger.SeedBalance)
	assert.Equal(t, 3, cfg.Ledger.MaxRetries)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9000
ledger:
  max_price_age: 15s
  max_retries: 5
oracle:
  source: static
  prices:
    BTC: "65000.50"
logging:
  level: debug
`), 0o600))

	t.Setenv("PORT", "9100")
	t.Setenv("MAX_PRICE_AGE", "0s")
	t.Setenv("LEDGER_OWNER", "5azNmbuv4jJbuGPZUEjZq98rxn2PBjaYUnsTfE5ov43R")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, time.Duration(0), cfg.Ledger.MaxPriceAge)
	assert.Equal(t, 5, cfg.Ledger.MaxRetries)
	assert.Equal(t, "65000.50", cfg.Oracle.Prices["BTC"])
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "5azNmbuv4jJbuGPZUEjZq98rxn2PBjaYUnsTfE5ov43R", cfg.Ledger.Owner)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Ledger.ProgramID = "not-base58!"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Server.Port = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Oracle.Source = "redis"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Logging.Level = "verbose"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Ledger.Owner = "0OIl"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Ledger.Owner = "5azNmbuv4jJbuGPZUEjZq98rxn2PBjaYUnsTfE5ov43R"
	assert.NoError(t, cfg.Validate())
}
