package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, defaultListen, cfg.Listen)
	require.Equal(t, defaultDataDir, cfg.DataDir)
	require.Equal(t, defaultRateLimitPerMin, cfg.RateLimitPerMin)
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	raw := []byte("listen: \"127.0.0.1:9000\"\njwtSecret: \"from-file\"\nrateLimitPerMin: 10\n")
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	t.Setenv(envJWTSecret, "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9000", cfg.Listen)
	require.Equal(t, "from-env", cfg.JWTSecret, "env must override the file")
	require.Equal(t, 10, cfg.RateLimitPerMin)
}

func TestValidateRequiresSecret(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Error(t, cfg.Validate())

	cfg.JWTSecret = "secret"
	require.NoError(t, cfg.Validate())
}

func TestSanitizedMasksSecret(t *testing.T) {
	cfg := Config{JWTSecret: "secret"}
	require.Equal(t, "***", cfg.Sanitized().JWTSecret)
	require.Equal(t, "secret", cfg.JWTSecret)
}

func TestLoadMarket(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "market.toml")
	raw := []byte(`
liquidation_threshold_bps = 8000
financing_premium_bps = 50
pool_address = "0x00000000000000000000000000000000000000A1"
router_address = "0x00000000000000000000000000000000000000A2"
engine_address = "0x0000000000000000000000000000000000000DE1"
native_asset = "0x00000000000000000000000000000000000000B9"

[[asset]]
symbol = "USD"
address = "0x00000000000000000000000000000000000000B1"
receipt = "0x00000000000000000000000000000000000000C1"
price_num = 1
price_den = 1
pool_liquidity = "1000000"
router_inventory = "500000"

[[rate]]
from = "0x00000000000000000000000000000000000000B2"
to = "0x00000000000000000000000000000000000000B1"
numerator = 2
denominator = 1
`)
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	market, err := LoadMarket(path)
	require.NoError(t, err)
	require.Equal(t, uint64(8000), market.LiquidationThresholdBps)
	require.Len(t, market.Assets, 1)
	require.Equal(t, "USD", market.Assets[0].Symbol)
	require.Equal(t, int64(1), market.Assets[0].Price().Num().Int64())
	require.Len(t, market.Rates, 1)

	liquidity, err := ParseAmount(market.Assets[0].PoolLiquidity)
	require.NoError(t, err)
	require.Equal(t, "1000000", liquidity.String())
}

func TestMarketValidateRejectsBadThreshold(t *testing.T) {
	market := Market{LiquidationThresholdBps: 0}
	require.Error(t, market.Validate())
	market.LiquidationThresholdBps = 10_001
	require.Error(t, market.Validate())
}

func TestParseAmountRejectsNegative(t *testing.T) {
	_, err := ParseAmount("-5")
	require.Error(t, err)
	_, err = ParseAmount("abc")
	require.Error(t, err)
}
