package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// VenueMode selects which venue the bot talks to and how aggressively it cycles.
type VenueMode string

const (
	ModeSimula  VenueMode = "simula"  // mock gateway, fixed starting balance
	ModeTestnet VenueMode = "testnet" // Binance testnet, real API calls
	ModeMainnet VenueMode = "mainnet" // production venue
)

type Config struct {
	Mode    VenueMode `json:"mode"`
	Symbols []string  `json:"symbols"`

	BinanceConfig      BinanceConfig      `json:"binance"`
	TradingConfig      TradingConfig      `json:"trading"`
	RiskConfig         RiskConfig         `json:"risk"`
	AdmissionConfig    AdmissionConfig    `json:"admission"`
	FeeConfig          FeeConfig          `json:"fees"`
	EmergencyConfig    EmergencyConfig    `json:"emergency"`
	StorageConfig      StorageConfig      `json:"storage"`
	NotificationConfig NotificationConfig `json:"notification"`
	LoggingConfig      LoggingConfig      `json:"logging"`
	MetricsConfig      MetricsConfig      `json:"metrics"`
}

type BinanceConfig struct {
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
	BaseURL   string `json:"base_url"`
	StreamURL string `json:"stream_url"`
}

type TradingConfig struct {
	CycleIntervalSimula  time.Duration `json:"-"`
	CycleIntervalTestnet time.Duration `json:"-"`
	CycleIntervalMainnet time.Duration `json:"-"`

	MaxTradesPerDay int     `json:"max_trades_per_day"`
	SellOnShutdown  bool    `json:"sell_on_shutdown"`
	StartingBalance float64 `json:"starting_balance"` // quote balance seeded in simula mode

	// Entry signal thresholds.
	RSIBuyMax     float64 `json:"rsi_buy_max"`
	MinProfitRate float64 `json:"min_profit_rate"` // minimum acceptable profit per trade, fraction of notional
}

type RiskConfig struct {
	RiskPerTrade     float64 `json:"risk_per_trade"`     // fraction of balance risked per trade
	MaxDrawdown      float64 `json:"max_drawdown"`       // forced-exit ceiling, fraction
	StopLossRatio    float64 `json:"stop_loss_ratio"`    // fraction below entry
	TakeProfitRatio  float64 `json:"take_profit_ratio"`  // fraction above entry
	TrailingPercent  float64 `json:"trailing_percent"`   // trailing distance, fraction
	DailyTarget      float64 `json:"daily_target"`       // quote-denominated profit target per day
	RecoveryDrawdown float64 `json:"recovery_drawdown"`  // daily drawdown that flips recovery mode on
	MaxPositionUSD   float64 `json:"max_position_usd"`   // absolute position ceiling
	RecoveryMaxUSD   float64 `json:"recovery_max_usd"`   // ceiling while in recovery mode
	MinOrderNotional float64 `json:"min_order_notional"` // venue minimum notional per order

	// Per-symbol overrides.
	MinOrderSize map[string]float64 `json:"min_order_size"`
	Precision    map[string]int     `json:"precision"`
}

type AdmissionConfig struct {
	MaxLatency         time.Duration `json:"-"`
	VolumeMinimum      float64       `json:"volume_minimum"` // default 24h quote-volume floor
	VolumeMinimums     map[string]float64
	SpreadThreshold    float64 `json:"spread_threshold"`        // normal spread+fee ceiling, fraction
	UrgentSpread       float64 `json:"urgent_spread_threshold"` // relaxed ceiling for urgent ops
	DepthRatio         float64 `json:"depth_ratio"`             // book depth required vs order notional
	VolatilityCeiling  float64 `json:"volatility_ceiling"`
	SlippageBuffer     float64 `json:"slippage_buffer"` // balance headroom, fraction
	FailureThreshold   int     `json:"failure_threshold"`
	RecoveryRiskMaxUSD float64 `json:"recovery_risk_max_usd"` // high-risk cutoff while recovering
	UrgentVolumeFactor float64 `json:"urgent_volume_factor"`  // urgent ops use VolumeMinimum * factor
}

type FeeConfig struct {
	MakerPercent     float64   `json:"maker_percent"`
	TakerPercent     float64   `json:"taker_percent"`
	FeeTokenDiscount float64   `json:"fee_token_discount"` // fraction shaved when paying with the fee token
	FeeTokenEnabled  bool      `json:"fee_token_enabled"`
	VolumeTiers      []FeeTier `json:"volume_tiers"`
}

// FeeTier discounts fees above a 30d traded-volume floor.
type FeeTier struct {
	MinMonthlyVolume float64 `json:"min_monthly_volume"`
	MakerPercent     float64 `json:"maker_percent"`
	TakerPercent     float64 `json:"taker_percent"`
}

type EmergencyConfig struct {
	TriggerTTL    time.Duration `json:"-"`
	SweepInterval time.Duration `json:"-"`
	AlertWindow   time.Duration `json:"-"`
}

type StorageConfig struct {
	PostgresDSN string `json:"postgres_dsn"`
	RedisAddr   string `json:"redis_addr"`
	RedisDB     int    `json:"redis_db"`
}

type NotificationConfig struct {
	Enabled    bool   `json:"enabled"`
	WebhookURL string `json:"webhook_url"`
}

type LoggingConfig struct {
	Level  string `json:"level"`
	Pretty bool   `json:"pretty"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

// Default returns a config with every field set to a safe value.
func Default() *Config {
	return &Config{
		Mode:    ModeSimula,
		Symbols: []string{"BTCUSDT"},
		BinanceConfig: BinanceConfig{
			BaseURL:   "https://api.binance.com",
			StreamURL: "wss://stream.binance.com:9443/ws",
		},
		TradingConfig: TradingConfig{
			CycleIntervalSimula:  15 * time.Second,
			CycleIntervalTestnet: 30 * time.Second,
			CycleIntervalMainnet: 60 * time.Second,
			MaxTradesPerDay:      60,
			StartingBalance:      1000,
			RSIBuyMax:            35,
			MinProfitRate:        0.003,
		},
		RiskConfig: RiskConfig{
			RiskPerTrade:     0.02,
			MaxDrawdown:      0.05,
			StopLossRatio:    0.01,
			TakeProfitRatio:  0.003,
			TrailingPercent:  0.005,
			DailyTarget:      20,
			RecoveryDrawdown: 0.03,
			MaxPositionUSD:   250,
			RecoveryMaxUSD:   400,
			MinOrderNotional: 10,
			MinOrderSize: map[string]float64{
				"BTCUSDT": 0.00001,
				"ETHUSDT": 0.0001,
			},
			Precision: map[string]int{
				"BTCUSDT": 5,
				"ETHUSDT": 4,
			},
		},
		AdmissionConfig: AdmissionConfig{
			MaxLatency:         2 * time.Second,
			VolumeMinimum:      1_000_000,
			VolumeMinimums:     map[string]float64{},
			SpreadThreshold:    0.0025,
			UrgentSpread:       0.008,
			DepthRatio:         1.8,
			VolatilityCeiling:  0.04,
			SlippageBuffer:     0.01,
			FailureThreshold:   8,
			RecoveryRiskMaxUSD: 100,
			UrgentVolumeFactor: 0.5,
		},
		FeeConfig: FeeConfig{
			MakerPercent:     0.1,
			TakerPercent:     0.1,
			FeeTokenDiscount: 0.25,
			FeeTokenEnabled:  false,
			VolumeTiers: []FeeTier{
				{MinMonthlyVolume: 1_000_000, MakerPercent: 0.09, TakerPercent: 0.1},
				{MinMonthlyVolume: 5_000_000, MakerPercent: 0.08, TakerPercent: 0.09},
			},
		},
		EmergencyConfig: EmergencyConfig{
			TriggerTTL:    time.Hour,
			SweepInterval: 5 * time.Minute,
			AlertWindow:   5 * time.Minute,
		},
		StorageConfig: StorageConfig{},
		LoggingConfig: LoggingConfig{Level: "info"},
		MetricsConfig: MetricsConfig{Enabled: false, Addr: ":9101"},
	}
}

// Load reads an optional JSON config file, then applies environment overrides.
// A missing file is not an error; env-only setups are common in deployment.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	useTestnet := envBool("USE_TESTNET", c.Mode == ModeTestnet)
	simula := envBool("SIMULA", c.Mode == ModeSimula)
	switch {
	case simula:
		c.Mode = ModeSimula
	case useTestnet:
		c.Mode = ModeTestnet
	default:
		c.Mode = ModeMainnet
	}

	if v := os.Getenv("SYMBOLS"); v != "" {
		c.Symbols = splitCSV(v)
	}
	if v := os.Getenv("BINANCE_API_KEY"); v != "" {
		c.BinanceConfig.APIKey = v
	}
	if v := os.Getenv("BINANCE_SECRET_KEY"); v != "" {
		c.BinanceConfig.SecretKey = v
	}
	if c.Mode == ModeTestnet {
		c.BinanceConfig.BaseURL = "https://testnet.binance.vision"
		c.BinanceConfig.StreamURL = "wss://stream.testnet.binance.vision/ws"
	}

	c.RiskConfig.RiskPerTrade = envPercent("RISK_PER_TRADE", c.RiskConfig.RiskPerTrade)
	c.RiskConfig.MaxDrawdown = envPercent("MAX_DRAWDOWN", c.RiskConfig.MaxDrawdown)
	if v := envInt("MAX_TRADES_PER_DAY", c.TradingConfig.MaxTradesPerDay); v > 0 {
		c.TradingConfig.MaxTradesPerDay = v
	}
	if v := envFloat("VOLUME_MINIMUM", c.AdmissionConfig.VolumeMinimum); v > 0 {
		c.AdmissionConfig.VolumeMinimum = v
	}
	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		c.StorageConfig.PostgresDSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.StorageConfig.RedisAddr = v
	}
	if v := os.Getenv("ALERT_WEBHOOK_URL"); v != "" {
		c.NotificationConfig.WebhookURL = v
		c.NotificationConfig.Enabled = true
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LoggingConfig.Level = v
	}
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		c.MetricsConfig.Addr = v
		c.MetricsConfig.Enabled = true
	}
}

func (c *Config) validate() error {
	if len(c.Symbols) == 0 {
		return fmt.Errorf("config: at least one symbol required")
	}
	if c.RiskConfig.RiskPerTrade <= 0 || c.RiskConfig.RiskPerTrade >= 1 {
		return fmt.Errorf("config: risk_per_trade must be in (0,1), got %.4f", c.RiskConfig.RiskPerTrade)
	}
	if c.Mode != ModeSimula && c.BinanceConfig.APIKey == "" {
		return fmt.Errorf("config: BINANCE_API_KEY required outside simula mode")
	}
	if c.AdmissionConfig.DepthRatio <= 0 {
		c.AdmissionConfig.DepthRatio = 1.8
	}
	return nil
}

// CycleInterval returns the scheduler cadence for the configured venue mode.
func (c *Config) CycleInterval() time.Duration {
	switch c.Mode {
	case ModeMainnet:
		return c.TradingConfig.CycleIntervalMainnet
	case ModeTestnet:
		return c.TradingConfig.CycleIntervalTestnet
	default:
		return c.TradingConfig.CycleIntervalSimula
	}
}

// MinOrderSize returns the per-symbol minimum order size, or a conservative default.
func (c *Config) MinOrderSize(symbol string) float64 {
	if v, ok := c.RiskConfig.MinOrderSize[symbol]; ok {
		return v
	}
	return 0.0001
}

// Precision returns the quantity decimal precision for a symbol.
func (c *Config) Precision(symbol string) int {
	if v, ok := c.RiskConfig.Precision[symbol]; ok {
		return v
	}
	return 6
}

// VolumeMinimum returns the per-symbol 24h volume floor, falling back to the default.
func (c *Config) VolumeMinimum(symbol string) float64 {
	if v, ok := c.AdmissionConfig.VolumeMinimums[symbol]; ok {
		return v
	}
	return c.AdmissionConfig.VolumeMinimum
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v == "true" || v == "1"
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

// envPercent accepts values like "2" meaning 2% and returns a fraction.
func envPercent(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f / 100
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, strings.ToUpper(p))
		}
	}
	return out
}
