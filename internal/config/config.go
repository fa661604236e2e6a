// Package config loads and validates the marketd YAML configuration.
// Decoding is strict: unrecognised keys fail startup.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"marketd/internal/domain"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the marketd platform.
type Config struct {
	Mode          string            `yaml:"mode"` // "backtest" | "live"
	Backtest      BacktestConfig    `yaml:"backtest_config"`
	SessionData   SessionDataConfig `yaml:"session_data_config"`
	ExchangeGroup string            `yaml:"exchange_group"`
	Storage       Storage           `yaml:"storage"`
	Server        Server            `yaml:"server"`
	Alpaca        Alpaca            `yaml:"alpaca"`
	Logging       Logging           `yaml:"logging"`
	Quality       QualityConfig     `yaml:"quality"`
	Provisioning  ProvisionConfig   `yaml:"provisioning"`
}

// BacktestConfig bounds a backtest run. SpeedMultiplier 0 means free-running
// (no wall-clock pacing).
type BacktestConfig struct {
	StartDate       string `yaml:"start_date"` // YYYY-MM-DD
	EndDate         string `yaml:"end_date"`   // YYYY-MM-DD
	SpeedMultiplier int    `yaml:"speed_multiplier"`
	DataDriven      bool   `yaml:"data_driven"` // clock waits for strategies
}

// SessionDataConfig declares the symbols, streams, history, indicators, and
// strategies a session starts with.
type SessionDataConfig struct {
	Symbols    []string          `yaml:"symbols"`
	Streams    []string          `yaml:"streams"` // interval tags
	Historical HistoricalConfig  `yaml:"historical"`
	Indicators IndicatorsConfig  `yaml:"indicators"`
	Strategies []StrategyConfig  `yaml:"strategies"`
}

// HistoricalConfig enables historical preloading per interval.
type HistoricalConfig struct {
	Enabled bool                   `yaml:"enabled"`
	Data    []HistoricalDataConfig `yaml:"data"`
}

// HistoricalDataConfig is one historical interval requirement.
type HistoricalDataConfig struct {
	Interval     string `yaml:"interval"`
	TrailingDays int    `yaml:"trailing_days"`
}

// IndicatorsConfig splits indicator declarations into session (updated on
// every bar) and historical (computed once over the preload window).
type IndicatorsConfig struct {
	Session    []IndicatorConfig `yaml:"session"`
	Historical []IndicatorConfig `yaml:"historical"`
}

// IndicatorConfig declares a single indicator instance.
type IndicatorConfig struct {
	Name     string             `yaml:"name"`
	Type     string             `yaml:"type"` // sma, ema, rsi, macd, bollinger, atr, obv, vwap
	Period   int                `yaml:"period"`
	Interval string             `yaml:"interval"`
	Params   map[string]float64 `yaml:"params"`
}

// StrategyConfig names a strategy module to load.
type StrategyConfig struct {
	Module  string            `yaml:"module"`
	Enabled bool              `yaml:"enabled"`
	Config  map[string]string `yaml:"config"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	CalendarDB string `yaml:"calendar_db"`
}

// Server holds network listener configuration.
type Server struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Alpaca holds credentials and endpoints for the Alpaca market-data API.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
	DataURL   string `yaml:"data_url"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// QualityConfig tunes the quality manager sweep and live gap refill.
type QualityConfig struct {
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	MaxGapRetries    int           `yaml:"max_gap_retries"`
	GapRetryInterval time.Duration `yaml:"gap_retry_interval"`
	FetchTimeout     time.Duration `yaml:"fetch_timeout"`
}

// ProvisionConfig tunes provisioning behaviour.
type ProvisionConfig struct {
	WarmupMultiplier float64       `yaml:"warmup_multiplier"`
	MidSessionBudget time.Duration `yaml:"mid_session_budget"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, strictly parses
// it into a Config struct, applies environment variable overrides, fills
// defaults, and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes and validates raw YAML configuration bytes.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("CALENDAR_DB"); v != "" {
		cfg.Storage.CalendarDB = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Standard Alpaca env vars (canonical names used by the SDK).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.ExchangeGroup == "" {
		cfg.ExchangeGroup = "US_EQUITY"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8420
	}
	if cfg.Quality.SweepInterval == 0 {
		cfg.Quality.SweepInterval = time.Second
	}
	if cfg.Quality.MaxGapRetries == 0 {
		cfg.Quality.MaxGapRetries = 3
	}
	if cfg.Quality.GapRetryInterval == 0 {
		cfg.Quality.GapRetryInterval = 10 * time.Second
	}
	if cfg.Quality.FetchTimeout == 0 {
		cfg.Quality.FetchTimeout = 5 * time.Second
	}
	if cfg.Provisioning.WarmupMultiplier == 0 {
		cfg.Provisioning.WarmupMultiplier = 1.5
	}
	if cfg.Provisioning.MidSessionBudget == 0 {
		cfg.Provisioning.MidSessionBudget = 30 * time.Second
	}
}

// Validate checks the semantic constraints the decoder cannot express.
func (cfg *Config) Validate() error {
	switch cfg.Mode {
	case "backtest":
		if _, err := time.Parse("2006-01-02", cfg.Backtest.StartDate); err != nil {
			return fmt.Errorf("backtest_config.start_date: %w", err)
		}
		if _, err := time.Parse("2006-01-02", cfg.Backtest.EndDate); err != nil {
			return fmt.Errorf("backtest_config.end_date: %w", err)
		}
		if cfg.Backtest.SpeedMultiplier < 0 {
			return fmt.Errorf("backtest_config.speed_multiplier must be >= 0")
		}
	case "live":
		// Credentials may come from the environment; checked at source init.
	default:
		return fmt.Errorf("mode must be %q or %q, got %q", "backtest", "live", cfg.Mode)
	}

	if len(cfg.SessionData.Streams) == 0 {
		return fmt.Errorf("session_data_config.streams must not be empty")
	}
	for _, tag := range cfg.SessionData.Streams {
		if _, err := domain.ParseInterval(tag); err != nil {
			return fmt.Errorf("session_data_config.streams: %w", err)
		}
	}
	for _, h := range cfg.SessionData.Historical.Data {
		if _, err := domain.ParseInterval(h.Interval); err != nil {
			return fmt.Errorf("session_data_config.historical: %w", err)
		}
		if h.TrailingDays <= 0 {
			return fmt.Errorf("session_data_config.historical: trailing_days must be positive for %s", h.Interval)
		}
	}
	for _, ind := range append(append([]IndicatorConfig{}, cfg.SessionData.Indicators.Session...), cfg.SessionData.Indicators.Historical...) {
		if _, err := domain.ParseInterval(ind.Interval); err != nil {
			return fmt.Errorf("indicator %q: %w", ind.Name, err)
		}
		if ind.Period <= 0 {
			return fmt.Errorf("indicator %q: period must be positive", ind.Name)
		}
	}
	return nil
}

// StreamIntervals returns the parsed stream interval tags. Validate must
// have succeeded.
func (cfg *Config) StreamIntervals() []domain.Interval {
	out := make([]domain.Interval, 0, len(cfg.SessionData.Streams))
	for _, tag := range cfg.SessionData.Streams {
		out = append(out, domain.MustInterval(tag))
	}
	return out
}
