// Package config loads the execution engine's YAML configuration: venue
// credentials (referenced indirectly via environment variable names, never
// inline secrets), routing weights, reconciliation tunables, and TWAP/VWAP
// defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// VenueConfig describes one exchange connection. APIKeyEnv/APISecretEnv/
// PassphraseEnv name environment variables holding the actual secret;
// credentials are never stored in the YAML file itself.
type VenueConfig struct {
	Name          string `yaml:"name"`
	Enabled       bool   `yaml:"enabled"`
	BaseURL       string `yaml:"base_url"`
	APIKeyEnv     string `yaml:"api_key_env"`
	APISecretEnv  string `yaml:"api_secret_env"`
	PassphraseEnv string `yaml:"passphrase_env,omitempty"`
	Category      string `yaml:"category,omitempty"`
	Sandbox       bool   `yaml:"sandbox"`
	TimeoutMs     int    `yaml:"timeout_ms"`
	RPS           float64 `yaml:"rps"`
	Burst         int     `yaml:"burst"`
}

// Timeout returns the configured request timeout, defaulting to 5s.
func (v VenueConfig) Timeout() time.Duration {
	if v.TimeoutMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(v.TimeoutMs) * time.Millisecond
}

// APIKey resolves the venue's API key from its named environment variable.
func (v VenueConfig) APIKey() string { return os.Getenv(v.APIKeyEnv) }

// APISecret resolves the venue's API secret from its named environment
// variable.
func (v VenueConfig) APISecret() string { return os.Getenv(v.APISecretEnv) }

// Passphrase resolves an optional passphrase (OKX) from its named
// environment variable.
func (v VenueConfig) Passphrase() string {
	if v.PassphraseEnv == "" {
		return ""
	}
	return os.Getenv(v.PassphraseEnv)
}

// RoutingConfig carries the Smart Order Router's scoring weights and
// execution limits.
type RoutingConfig struct {
	Strategy          string  `yaml:"strategy"`
	PriceWeight       float64 `yaml:"price_weight"`
	FeeWeight         float64 `yaml:"fee_weight"`
	LatencyWeight     float64 `yaml:"latency_weight"`
	LiquidityWeight   float64 `yaml:"liquidity_weight"`
	ReliabilityWeight float64 `yaml:"reliability_weight"`
	MaxSingleVenuePct float64 `yaml:"max_single_venue_pct"`
	AtomicBatches     bool    `yaml:"atomic_batches"`
}

// ReconciliationConfig carries the Account Reconciler's tunables.
type ReconciliationConfig struct {
	IntervalSeconds           int     `yaml:"interval_seconds"`
	AutoCancelOrphaned        bool    `yaml:"auto_cancel_orphaned"`
	FreezeOnMismatch          bool    `yaml:"freeze_on_mismatch"`
	MaxMismatchesBeforeFreeze int     `yaml:"max_mismatches_before_freeze"`
	AvgPriceTolerance         float64 `yaml:"avg_price_tolerance"`
	AuditBufferSize           int     `yaml:"audit_buffer_size"`
}

func (r ReconciliationConfig) Interval() time.Duration {
	if r.IntervalSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(r.IntervalSeconds) * time.Second
}

// ExecAlgoConfig carries default TWAP/VWAP slicing parameters.
type ExecAlgoConfig struct {
	DefaultDurationSeconds int     `yaml:"default_duration_seconds"`
	DefaultSliceSeconds    int     `yaml:"default_slice_seconds"`
	MinSliceQty            float64 `yaml:"min_slice_qty"`
	JitterPct              float64 `yaml:"jitter_pct"`
	ParticipationRate      float64 `yaml:"participation_rate"`
}

// LatencyConfig is the `latency` section: the rolling latency window's
// sample count and age. internal/latency does not read this type itself.
type LatencyConfig struct {
	WindowSize            int `yaml:"window_size"`
	WindowDurationSeconds int `yaml:"window_duration_seconds"`
}

func (l LatencyConfig) WindowDuration() time.Duration {
	if l.WindowDurationSeconds <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(l.WindowDurationSeconds) * time.Second
}

// Config is the full engine configuration document.
type Config struct {
	Venues        []VenueConfig        `yaml:"venues"`
	Symbols       []string             `yaml:"symbols"`
	Routing       RoutingConfig        `yaml:"routing"`
	Reconciliation ReconciliationConfig `yaml:"reconciliation"`
	ExecAlgo      ExecAlgoConfig       `yaml:"exec_algo"`
	Latency       LatencyConfig        `yaml:"latency"`
	MetricsAddr   string               `yaml:"metrics_addr"`
}

// Load reads and parses the engine configuration from path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks structural invariants that yaml.Unmarshal cannot enforce.
func (c *Config) Validate() error {
	seen := make(map[string]bool)
	for _, v := range c.Venues {
		if v.Name == "" {
			return fmt.Errorf("venue entry missing name")
		}
		if seen[v.Name] {
			return fmt.Errorf("duplicate venue entry: %s", v.Name)
		}
		seen[v.Name] = true
	}
	sum := c.Routing.PriceWeight + c.Routing.FeeWeight + c.Routing.LatencyWeight +
		c.Routing.LiquidityWeight + c.Routing.ReliabilityWeight
	if sum != 0 && (sum < 0.99 || sum > 1.01) {
		return fmt.Errorf("routing weights must sum to 1.0, got %v", sum)
	}
	return nil
}

// EnabledVenues returns only the venues marked enabled, preserving order.
func (c *Config) EnabledVenues() []VenueConfig {
	var out []VenueConfig
	for _, v := range c.Venues {
		if v.Enabled {
			out = append(out, v)
		}
	}
	return out
}
