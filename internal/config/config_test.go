package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

const validYAML = `
mode: "backtest"
backtest_config:
  start_date: "2025-07-01"
  end_date: "2025-07-02"
  speed_multiplier: 0
session_data_config:
  symbols: ["RIVN"]
  streams: ["1m", "5m"]
  historical:
    enabled: true
    data:
      - interval: "1m"
        trailing_days: 3
  indicators:
    session:
      - name: "sma20"
        type: "sma"
        period: 20
        interval: "5m"
  strategies:
    - module: "sma-cross"
      enabled: true
      config:
        short: "10"
exchange_group: "US_EQUITY"
storage:
  data_dir: "/tmp/marketd/data"
  calendar_db: "/tmp/marketd/calendar.db"
logging:
  level: "info"
  format: "json"
`

func TestParseValid(t *testing.T) {
	os.Unsetenv("DATA_DIR")
	os.Unsetenv("LOG_LEVEL")

	cfg, err := Parse([]byte(validYAML))
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}

	if cfg.Mode != "backtest" {
		t.Errorf("Mode = %q, want %q", cfg.Mode, "backtest")
	}
	if cfg.Backtest.StartDate != "2025-07-01" {
		t.Errorf("Backtest.StartDate = %q", cfg.Backtest.StartDate)
	}
	if len(cfg.SessionData.Symbols) != 1 || cfg.SessionData.Symbols[0] != "RIVN" {
		t.Errorf("SessionData.Symbols = %v", cfg.SessionData.Symbols)
	}
	if len(cfg.SessionData.Streams) != 2 {
		t.Errorf("SessionData.Streams = %v", cfg.SessionData.Streams)
	}
	if !cfg.SessionData.Historical.Enabled {
		t.Error("Historical.Enabled = false, want true")
	}
	if cfg.SessionData.Historical.Data[0].TrailingDays != 3 {
		t.Errorf("TrailingDays = %d, want 3", cfg.SessionData.Historical.Data[0].TrailingDays)
	}
	if cfg.SessionData.Indicators.Session[0].Type != "sma" {
		t.Errorf("indicator type = %q", cfg.SessionData.Indicators.Session[0].Type)
	}
	if cfg.ExchangeGroup != "US_EQUITY" {
		t.Errorf("ExchangeGroup = %q", cfg.ExchangeGroup)
	}

	// Defaults.
	if cfg.Quality.MaxGapRetries != 3 {
		t.Errorf("Quality.MaxGapRetries = %d, want 3", cfg.Quality.MaxGapRetries)
	}
	if cfg.Quality.FetchTimeout != 5*time.Second {
		t.Errorf("Quality.FetchTimeout = %v, want 5s", cfg.Quality.FetchTimeout)
	}
	if cfg.Provisioning.MidSessionBudget != 30*time.Second {
		t.Errorf("Provisioning.MidSessionBudget = %v, want 30s", cfg.Provisioning.MidSessionBudget)
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	yaml := validYAML + "\nbogus_key: true\n"
	if _, err := Parse([]byte(yaml)); err == nil {
		t.Error("Parse accepted config with unknown key")
	}
}

func TestParseRejectsHourlyStream(t *testing.T) {
	yaml := strings.Replace(validYAML, `["1m", "5m"]`, `["1h"]`, 1)
	_, err := Parse([]byte(yaml))
	if err == nil {
		t.Fatal("Parse accepted hourly stream interval")
	}
	if !strings.Contains(err.Error(), "hourly") {
		t.Errorf("error %q does not mention hourly rejection", err)
	}
}

func TestParseRejectsBadMode(t *testing.T) {
	yaml := strings.Replace(validYAML, `mode: "backtest"`, `mode: "replay"`, 1)
	if _, err := Parse([]byte(yaml)); err == nil {
		t.Error("Parse accepted unknown mode")
	}
}

func TestParseRejectsBadBacktestDates(t *testing.T) {
	yaml := strings.Replace(validYAML, `start_date: "2025-07-01"`, `start_date: "July 1"`, 1)
	if _, err := Parse([]byte(yaml)); err == nil {
		t.Error("Parse accepted malformed start_date")
	}
}

func TestEnvOverrides(t *testing.T) {
	os.Setenv("DATA_DIR", "/env/data")
	os.Setenv("APCA_API_KEY_ID", "env-key")
	defer os.Unsetenv("DATA_DIR")
	defer os.Unsetenv("APCA_API_KEY_ID")

	cfg, err := Parse([]byte(validYAML))
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if cfg.Storage.DataDir != "/env/data" {
		t.Errorf("Storage.DataDir = %q, want env override", cfg.Storage.DataDir)
	}
	if cfg.Alpaca.APIKey != "env-key" {
		t.Errorf("Alpaca.APIKey = %q, want env override", cfg.Alpaca.APIKey)
	}
}

func TestLoadFromFile(t *testing.T) {
	os.Unsetenv("DATA_DIR")
	path := t.TempDir() + "/marketd.yaml"
	if err := os.WriteFile(path, []byte(validYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Storage.DataDir != "/tmp/marketd/data" {
		t.Errorf("Storage.DataDir = %q", cfg.Storage.DataDir)
	}
}
