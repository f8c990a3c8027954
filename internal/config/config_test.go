package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
app:
  environment: test
markets:
  - symbol: BTC/USDT
    dat: data/btcusdt.dat
    csv: data/btcusdt.csv
    csv_header: true
  - symbol: ETH/USDT
    dat: data/ethusdt.dat
cache:
  raw_step: 5m
backfill:
  concurrency: 4
scheduler:
  refresh_spec: "*/5 * * * *"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_FileAndDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "test", cfg.App.Environment)
	require.Len(t, cfg.Markets, 2)
	btc, ok := cfg.Market("BTC/USDT")
	require.True(t, ok)
	assert.True(t, btc.CSVHeader)
	assert.Equal(t, "data/btcusdt.csv", btc.CSV)

	assert.Equal(t, 5*time.Minute, cfg.Cache.RawStep)
	assert.Equal(t, 1000, cfg.Cache.RawCacheCapacity)
	assert.True(t, cfg.Cache.Strict)
	assert.Equal(t, 4, cfg.Backfill.Concurrency)
	assert.Equal(t, 24*time.Hour, cfg.Backfill.Window)
	assert.Equal(t, 100*time.Millisecond, cfg.Backfill.BatchDelay)
	assert.Equal(t, 14*24*time.Hour, cfg.Gaps.RecentWindow)
	assert.Equal(t, "*/5 * * * *", cfg.Scheduler.RefreshSpec)
	assert.Equal(t, "@every 6h", cfg.Scheduler.SaveSpec)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("HISTMARKET_CACHE_STRICT", "false")
	t.Setenv("HISTMARKET_SERVER_PORT", "9191")

	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)
	assert.False(t, cfg.Cache.Strict)
	assert.Equal(t, 9191, cfg.Server.Port)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate_CollectsProblems(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	cfg.Markets = []MarketConfig{{Symbol: "BTC/USDT"}, {Symbol: "BTC/USDT", Dat: "x.dat"}}
	cfg.Cache.RawStep = 7 * time.Minute
	cfg.Backfill.Concurrency = 0

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "markets[0].dat")
	assert.Contains(t, msg, "重复")
	assert.Contains(t, msg, "cache.raw_step")
	assert.Contains(t, msg, "backfill.concurrency")
}
