// Package config loads reconciler configuration from a YAML file with
// environment-variable overrides for deployment-specific values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"candlesync/services/series"
)

// RetentionPolicy is the per-granularity completeness target: how far
// back the series must be populated and how much jitter to absorb
// before a spacing counts as a gap.
type RetentionPolicy struct {
	LookbackDays     int     `yaml:"lookback_days"`
	ToleranceMinutes int     `yaml:"tolerance_minutes"`
	IntervalWeight   float64 `yaml:"interval_weight"`
}

// Tolerance returns the configured tolerance, or the default
// max(3*interval, 1h) when unset.
func (p RetentionPolicy) Tolerance(interval time.Duration) time.Duration {
	if p.ToleranceMinutes > 0 {
		return time.Duration(p.ToleranceMinutes) * time.Minute
	}
	tol := 3 * interval
	if tol < time.Hour {
		tol = time.Hour
	}
	return tol
}

type ClickHouseConfig struct {
	Addr     string `yaml:"addr"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type BinanceConfig struct {
	BaseURL        string  `yaml:"base_url"`
	MaxRecords     int     `yaml:"max_records"`
	MaxWindowHours int     `yaml:"max_window_hours"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
	RatePerSecond  float64 `yaml:"rate_per_second"`
	Burst          int     `yaml:"burst"`
}

func (b BinanceConfig) MaxWindow() time.Duration {
	return time.Duration(b.MaxWindowHours) * time.Hour
}

func (b BinanceConfig) Timeout() time.Duration {
	return time.Duration(b.TimeoutSeconds) * time.Second
}

type ReconcileConfig struct {
	Symbols   []string                               `yaml:"symbols"`
	Retention map[series.Granularity]RetentionPolicy `yaml:"retention"`

	UrgentWithinHours int `yaml:"urgent_within_hours"`
	RecentWithinHours int `yaml:"recent_within_hours"`

	UrgentTimeWeight     float64 `yaml:"urgent_time_weight"`
	RecentTimeWeight     float64 `yaml:"recent_time_weight"`
	HistoricalTimeWeight float64 `yaml:"historical_time_weight"`

	Workers               int `yaml:"workers"`
	HistoricalCapPerCycle int `yaml:"historical_cap_per_cycle"`

	AnomalyDensityFloor    float64 `yaml:"anomaly_density_floor"`
	AnomalyWindowHours     int     `yaml:"anomaly_window_hours"`
	HeartbeatMissThreshold int     `yaml:"heartbeat_miss_threshold"`

	QuickCheckEnabled bool `yaml:"quick_check_enabled"`
}

func (r ReconcileConfig) UrgentWithin() time.Duration {
	return time.Duration(r.UrgentWithinHours) * time.Hour
}

func (r ReconcileConfig) RecentWithin() time.Duration {
	return time.Duration(r.RecentWithinHours) * time.Hour
}

func (r ReconcileConfig) AnomalyWindow() time.Duration {
	return time.Duration(r.AnomalyWindowHours) * time.Hour
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Config struct {
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	Binance    BinanceConfig    `yaml:"binance"`
	Reconcile  ReconcileConfig  `yaml:"reconcile"`
	Log        LogConfig        `yaml:"log"`
}

// Default returns the baseline configuration before file and env
// overrides are applied.
func Default() *Config {
	return &Config{
		ClickHouse: ClickHouseConfig{
			Addr:     "localhost:9000",
			Database: "marketdata",
			Username: "default",
			Password: "",
		},
		Binance: BinanceConfig{
			BaseURL:        "https://api.binance.com",
			MaxRecords:     1500,
			MaxWindowHours: 120,
			TimeoutSeconds: 10,
			RatePerSecond:  10,
			Burst:          20,
		},
		Reconcile: ReconcileConfig{
			Symbols: []string{"BTCUSDT", "ETHUSDT"},
			Retention: map[series.Granularity]RetentionPolicy{
				series.Gran1m:  {LookbackDays: 7, IntervalWeight: 10},
				series.Gran5m:  {LookbackDays: 30, IntervalWeight: 8},
				series.Gran15m: {LookbackDays: 60, IntervalWeight: 6},
				series.Gran30m: {LookbackDays: 90, IntervalWeight: 5},
				series.Gran1h:  {LookbackDays: 180, IntervalWeight: 4},
				series.Gran4h:  {LookbackDays: 365, IntervalWeight: 3},
				series.Gran1d:  {LookbackDays: 1095, IntervalWeight: 1},
			},
			UrgentWithinHours:      1,
			RecentWithinHours:      24,
			UrgentTimeWeight:       10,
			RecentTimeWeight:       7,
			HistoricalTimeWeight:   3,
			Workers:                4,
			HistoricalCapPerCycle:  5,
			AnomalyDensityFloor:    0.7,
			AnomalyWindowHours:     6,
			HeartbeatMissThreshold: 3,
			QuickCheckEnabled:      true,
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads the YAML file at path (optional; empty path skips it),
// applies env overrides and validates.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.ClickHouse.Addr = envOr("CH_ADDR", c.ClickHouse.Addr)
	c.ClickHouse.Database = envOr("CH_DATABASE", c.ClickHouse.Database)
	c.ClickHouse.Username = envOr("CH_USER", c.ClickHouse.Username)
	c.ClickHouse.Password = envOr("CH_PASSWORD", c.ClickHouse.Password)
	c.Binance.BaseURL = envOr("BINANCE_BASE_URL", c.Binance.BaseURL)
	c.Log.Level = envOr("LOG_LEVEL", c.Log.Level)

	if v := strings.TrimSpace(os.Getenv("SYMBOLS")); v != "" {
		syms := strings.Split(v, ",")
		for i := range syms {
			syms[i] = strings.TrimSpace(syms[i])
		}
		c.Reconcile.Symbols = syms
	}
	if v := os.Getenv("RECONCILE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Reconcile.Workers = n
		}
	}
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if len(c.Reconcile.Symbols) == 0 {
		return fmt.Errorf("config: no symbols configured")
	}
	if len(c.Reconcile.Retention) == 0 {
		return fmt.Errorf("config: no retention policies configured")
	}
	for g, p := range c.Reconcile.Retention {
		if !g.Valid() {
			return fmt.Errorf("config: unknown granularity %q", g)
		}
		if p.LookbackDays <= 0 {
			return fmt.Errorf("config: retention for %s: lookback_days must be positive", g)
		}
	}
	if c.Reconcile.Workers <= 0 {
		return fmt.Errorf("config: workers must be positive")
	}
	if c.Reconcile.AnomalyDensityFloor <= 0 || c.Reconcile.AnomalyDensityFloor > 1 {
		return fmt.Errorf("config: anomaly_density_floor must be in (0, 1]")
	}
	if c.Binance.MaxRecords <= 0 || c.Binance.MaxWindowHours <= 0 {
		return fmt.Errorf("config: binance max_records and max_window_hours must be positive")
	}
	return nil
}

// Policy returns the retention policy for a granularity. Granularities
// without an explicit policy fall back to 30 days, matching the
// store's default TTL.
func (c *Config) Policy(g series.Granularity) RetentionPolicy {
	if p, ok := c.Reconcile.Retention[g]; ok {
		return p
	}
	return RetentionPolicy{LookbackDays: 30, IntervalWeight: 1}
}

// SeriesKeys expands configured symbols x granularities into the full
// monitored set.
func (c *Config) SeriesKeys() []series.Key {
	keys := make([]series.Key, 0, len(c.Reconcile.Symbols)*len(c.Reconcile.Retention))
	for _, sym := range c.Reconcile.Symbols {
		for g := range c.Reconcile.Retention {
			keys = append(keys, series.Key{Symbol: sym, Granularity: g})
		}
	}
	return keys
}
