package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleYAML = `
venues:
  - name: binance
    enabled: true
    base_url: https://api.binance.com
    api_key_env: BINANCE_API_KEY
    api_secret_env: BINANCE_API_SECRET
    timeout_ms: 4000
    rps: 10
    burst: 20
  - name: okx
    enabled: false
    base_url: https://www.okx.com
    api_key_env: OKX_API_KEY
    api_secret_env: OKX_API_SECRET
    passphrase_env: OKX_PASSPHRASE

routing:
  strategy: best_price
  price_weight: 0.35
  fee_weight: 0.20
  latency_weight: 0.15
  liquidity_weight: 0.20
  reliability_weight: 0.10
  max_single_venue_pct: 0.4

reconciliation:
  interval_seconds: 30
  auto_cancel_orphaned: true
  freeze_on_mismatch: true
  max_mismatches_before_freeze: 5
  avg_price_tolerance: 0.01
  audit_buffer_size: 1000

exec_algo:
  default_duration_seconds: 600
  default_slice_seconds: 30
  min_slice_qty: 0.001
  jitter_pct: 0.1

latency:
  window_size: 1000
  window_duration_seconds: 600
`

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadParsesFullDocument(t *testing.T) {
	path := writeTempConfig(t, sampleYAML)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Venues, 2)
	require.Equal(t, "binance", cfg.Venues[0].Name)
	require.Equal(t, 4000, cfg.Venues[0].TimeoutMs)
	require.Equal(t, 30, cfg.Reconciliation.IntervalSeconds)
}

func TestEnabledVenuesFiltersDisabled(t *testing.T) {
	path := writeTempConfig(t, sampleYAML)
	cfg, err := Load(path)
	require.NoError(t, err)

	enabled := cfg.EnabledVenues()
	require.Len(t, enabled, 1)
	require.Equal(t, "binance", enabled[0].Name)
}

func TestAPIKeyResolvesFromEnv(t *testing.T) {
	t.Setenv("BINANCE_API_KEY", "secret-key-value")
	path := writeTempConfig(t, sampleYAML)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "secret-key-value", cfg.Venues[0].APIKey())
}

func TestValidateRejectsDuplicateVenue(t *testing.T) {
	body := `
venues:
  - name: binance
    api_key_env: A
    api_secret_env: B
  - name: binance
    api_key_env: C
    api_secret_env: D
`
	path := writeTempConfig(t, body)
	_, err := Load(path)
	require.Error(t, err)
}

func TestValidateRejectsRoutingWeightsNotSummingToOne(t *testing.T) {
	body := `
routing:
  price_weight: 0.5
  fee_weight: 0.5
  latency_weight: 0.5
`
	path := writeTempConfig(t, body)
	_, err := Load(path)
	require.Error(t, err)
}
