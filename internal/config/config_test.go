package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5*time.Second, cfg.Oracle.CacheTTL.Duration)
	assert.Equal(t, 2*time.Second, cfg.Monitor.Interval.Duration)
	assert.Equal(t, 0.08, cfg.TrailingStyles()["moderate"])
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "exitbot.toml")
	body := `
mode = "live"

[exchange]
api_key = "file-key"
api_secret = "file-secret"

[monitor]
interval = "5s"
trailing_style = "aggressive"

[exit]
take_profit_pct = 40
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	t.Setenv("EXITBOT_EXCHANGE_API_KEY", "env-key")
	t.Setenv("EXITBOT_ORACLE_CACHE_TTL", "1s")
	t.Setenv("EXITBOT_SERVER_CORS_ORIGINS", "https://a.example, https://b.example,")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "live", cfg.Mode)
	assert.Equal(t, "env-key", cfg.Exchange.APIKey)
	assert.Equal(t, "file-secret", cfg.Exchange.APISecret)
	assert.Equal(t, 5*time.Second, cfg.Monitor.Interval.Duration)
	assert.Equal(t, time.Second, cfg.Oracle.CacheTTL.Duration)
	assert.Equal(t, "aggressive", cfg.Monitor.TrailingStyle)
	assert.Equal(t, 40.0, cfg.Exit.TakeProfitPct)
	assert.Equal(t, 20.0, cfg.Exit.VolumeSpikeMinPct)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "live"
	cfg.Monitor.TrailingStyle = "reckless"
	cfg.Store.Backend = "sqlite"
	cfg.Exit.RSIFraction = 0

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "exchange: api_key is required")
	assert.Contains(t, msg, `unknown trailing_style "reckless"`)
	assert.Contains(t, msg, `unknown backend "sqlite"`)
	assert.Contains(t, msg, "rsi_fraction")
}

func TestValidateRequiresSource(t *testing.T) {
	cfg := Defaults()
	cfg.Sources.Binance.Enabled = false
	cfg.Sources.Coinbase.Enabled = false
	cfg.Sources.Exchange = false
	assert.ErrorContains(t, cfg.Validate(), "at least one price source")
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Exchange.APISecret = "s3cret"
	cfg.Postgres.Password = "pw"
	cfg.Sources.Binance.Symbols["PEPE"] = "PEPEUSDT"

	out := RedactedConfig(&cfg)
	assert.Equal(t, "***", out.Exchange.APISecret)
	assert.Equal(t, "***", out.Postgres.Password)
	assert.Empty(t, out.Exchange.Passphrase)

	out.Sources.Binance.Symbols["PEPE"] = "changed"
	assert.Equal(t, "PEPEUSDT", cfg.Sources.Binance.Symbols["PEPE"])
	assert.Equal(t, "s3cret", cfg.Exchange.APISecret)
}
