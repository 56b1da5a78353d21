package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

// writeTempConfig creates a minimal configuration file required for LoadConfig
// and returns its path.
func writeTempConfig(t *testing.T) string {
	t.Helper()
	content := `tickflow:
  name: "TestApp"
  version: "1.0"
symbols:
  - asset_class: stocks
    symbols: [AAPL, msft]
  - asset_class: crypto
    symbols: [BTCUSD]
primary:
  url: "wss://example.com/stream"
secondary:
  url: "https://example.com/quote"
`
	f, err := os.CreateTemp("", "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}
	return f.Name()
}

func TestLoadConfig(t *testing.T) {
	path := writeTempConfig(t)
	defer os.Remove(path)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Tickflow.Name != "TestApp" {
		t.Errorf("unexpected name: %s", cfg.Tickflow.Name)
	}
	if cfg.Router.MessageTimeout != 30*time.Second {
		t.Errorf("expected default message timeout, got %v", cfg.Router.MessageTimeout)
	}
	if cfg.Router.FailureThreshold != 3 {
		t.Errorf("expected default failure threshold, got %d", cfg.Router.FailureThreshold)
	}
	if cfg.Validation.MaxMovePercent != 20 {
		t.Errorf("expected default max move percent, got %v", cfg.Validation.MaxMovePercent)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig("does-not-exist.yml"); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestLoadConfigMissingSymbols(t *testing.T) {
	content := `tickflow:
  name: "TestApp"
  version: "1.0"
primary:
  url: "wss://example.com/stream"
secondary:
  url: "https://example.com/quote"
`
	f, err := os.CreateTemp("", "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	f.Close()
	defer os.Remove(f.Name())

	if _, err := LoadConfig(f.Name()); err == nil || !strings.Contains(err.Error(), "symbols") {
		t.Fatalf("expected symbols validation error, got %v", err)
	}
}

func TestPrimaryCredentialsFromEnv(t *testing.T) {
	path := writeTempConfig(t)
	defer os.Remove(path)

	t.Setenv("PRIMARY_API_KEY", "key-from-env")
	t.Setenv("PRIMARY_API_SECRET", "secret-from-env")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Primary.APIKey != "key-from-env" || cfg.Primary.APISecret != "secret-from-env" {
		t.Errorf("env credentials not applied: %+v", cfg.Primary)
	}
}

func TestTrackedSymbols(t *testing.T) {
	path := writeTempConfig(t)
	defer os.Remove(path)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	symbols := cfg.TrackedSymbols()
	if len(symbols) != 3 {
		t.Fatalf("expected 3 tracked symbols, got %v", symbols)
	}
	for _, s := range symbols {
		if s != strings.ToUpper(s) {
			t.Errorf("symbol %q not normalized to upper case", s)
		}
	}
}

func TestAssetClassOf(t *testing.T) {
	path := writeTempConfig(t)
	defer os.Remove(path)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if ac, ok := cfg.AssetClassOf("msft"); !ok || ac != "stocks" {
		t.Errorf("expected stocks for msft, got %q %v", ac, ok)
	}
	if ac, ok := cfg.AssetClassOf("BTCUSD"); !ok || ac != "crypto" {
		t.Errorf("expected crypto for BTCUSD, got %q %v", ac, ok)
	}
	if _, ok := cfg.AssetClassOf("UNKNOWN"); ok {
		t.Errorf("expected unknown symbol to miss")
	}
}
