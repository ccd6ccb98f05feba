package config

import (
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestModeSelection(t *testing.T) {
	t.Setenv("SIMULA", "true")
	t.Setenv("USE_TESTNET", "true")

	cfg := Default()
	cfg.applyEnv()
	if cfg.Mode != ModeSimula {
		t.Fatalf("mode = %s, SIMULA must win over USE_TESTNET", cfg.Mode)
	}
}

func TestTestnetRewritesEndpoints(t *testing.T) {
	t.Setenv("SIMULA", "false")
	t.Setenv("USE_TESTNET", "true")

	cfg := Default()
	cfg.applyEnv()
	if cfg.Mode != ModeTestnet {
		t.Fatalf("mode = %s, want testnet", cfg.Mode)
	}
	if cfg.BinanceConfig.BaseURL != "https://testnet.binance.vision" {
		t.Fatalf("base URL = %s, want testnet endpoint", cfg.BinanceConfig.BaseURL)
	}
}

func TestPercentEnvParsedAsFraction(t *testing.T) {
	t.Setenv("SIMULA", "true")
	t.Setenv("RISK_PER_TRADE", "2.5")

	cfg := Default()
	cfg.applyEnv()
	if cfg.RiskConfig.RiskPerTrade != 0.025 {
		t.Fatalf("risk per trade = %v, want 0.025", cfg.RiskConfig.RiskPerTrade)
	}
}

func TestSymbolsEnvOverride(t *testing.T) {
	t.Setenv("SIMULA", "true")
	t.Setenv("SYMBOLS", "btcusdt, ethusdt ,SOLUSDT")

	cfg := Default()
	cfg.applyEnv()
	want := []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}
	if len(cfg.Symbols) != len(want) {
		t.Fatalf("symbols = %v, want %v", cfg.Symbols, want)
	}
	for i := range want {
		if cfg.Symbols[i] != want[i] {
			t.Fatalf("symbols = %v, want %v", cfg.Symbols, want)
		}
	}
}

func TestCycleIntervalPerMode(t *testing.T) {
	cfg := Default()

	cfg.Mode = ModeSimula
	if cfg.CycleInterval() != 15*time.Second {
		t.Errorf("simula interval = %v", cfg.CycleInterval())
	}
	cfg.Mode = ModeTestnet
	if cfg.CycleInterval() != 30*time.Second {
		t.Errorf("testnet interval = %v", cfg.CycleInterval())
	}
	cfg.Mode = ModeMainnet
	if cfg.CycleInterval() != 60*time.Second {
		t.Errorf("mainnet interval = %v", cfg.CycleInterval())
	}
}

func TestValidateRejectsMissingKeysOutsideSimula(t *testing.T) {
	cfg := Default()
	cfg.Mode = ModeMainnet
	cfg.BinanceConfig.APIKey = ""
	if err := cfg.validate(); err == nil {
		t.Fatal("mainnet without API key should fail validation")
	}
}

func TestPerSymbolFallbacks(t *testing.T) {
	cfg := Default()

	if got := cfg.MinOrderSize("BTCUSDT"); got != 0.00001 {
		t.Errorf("BTCUSDT min order size = %v", got)
	}
	if got := cfg.MinOrderSize("UNKNOWNUSDT"); got != 0.0001 {
		t.Errorf("fallback min order size = %v", got)
	}
	if got := cfg.Precision("UNKNOWNUSDT"); got != 6 {
		t.Errorf("fallback precision = %v", got)
	}
	if got := cfg.VolumeMinimum("UNKNOWNUSDT"); got != cfg.AdmissionConfig.VolumeMinimum {
		t.Errorf("fallback volume minimum = %v", got)
	}
}
