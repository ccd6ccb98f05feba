// Package state defines the per-instrument trading state: balances, bounded
// market history, indicator values, position fields and operational counters.
// Each instrument's state is owned and mutated exclusively by its own
// scheduler cycle; nothing here is safe for concurrent use.
package state

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Trend classifies the current market direction.
type Trend string

const (
	TrendUp      Trend = "UP"
	TrendDown    Trend = "DOWN"
	TrendNeutral Trend = "NEUTRAL"
)

// HistoryCapacity bounds the price/volume window kept per instrument.
const HistoryCapacity = 100

// Sample is one observed (price, volume) pair.
type Sample struct {
	Price  float64 `json:"price"`
	Volume float64 `json:"volume"`
}

// History is a bounded window of market samples, newest last.
type History struct {
	Samples []Sample `json:"samples"`
}

// Append adds a sample, dropping the oldest once the window is full.
func (h *History) Append(price, volume float64) {
	h.Samples = append(h.Samples, Sample{Price: price, Volume: volume})
	if len(h.Samples) > HistoryCapacity {
		h.Samples = h.Samples[len(h.Samples)-HistoryCapacity:]
	}
}

// Prices returns the price series, oldest first.
func (h *History) Prices() []float64 {
	out := make([]float64, len(h.Samples))
	for i, s := range h.Samples {
		out[i] = s.Price
	}
	return out
}

// Last returns the most recent price, or 0 when empty.
func (h *History) Last() float64 {
	if len(h.Samples) == 0 {
		return 0
	}
	return h.Samples[len(h.Samples)-1].Price
}

func (h *History) Len() int { return len(h.Samples) }

// Indicators holds the latest computed indicator values.
type Indicators struct {
	RSI           float64 `json:"rsi"`
	EMAShort      float64 `json:"ema_short"`
	EMALong       float64 `json:"ema_long"`
	MACDLine      float64 `json:"macd_line"`
	MACDSignal    float64 `json:"macd_signal"`
	MACDHistogram float64 `json:"macd_histogram"`
	ATR           float64 `json:"atr"`
	Volatility    float64 `json:"volatility"`
	Trend         Trend   `json:"trend"`
}

// TradeStats accumulates per-instrument win/loss history for sizing.
type TradeStats struct {
	Wins      int     `json:"wins"`
	Losses    int     `json:"losses"`
	TotalWin  float64 `json:"total_win"`
	TotalLoss float64 `json:"total_loss"`
}

// Record books a realized trade result.
func (ts *TradeStats) Record(pnl float64) {
	if pnl >= 0 {
		ts.Wins++
		ts.TotalWin += pnl
	} else {
		ts.Losses++
		ts.TotalLoss += -pnl
	}
}

// WinRate returns the fraction of winning trades, 0 when no history exists.
func (ts *TradeStats) WinRate() float64 {
	total := ts.Wins + ts.Losses
	if total == 0 {
		return 0
	}
	return float64(ts.Wins) / float64(total)
}

// AvgWin returns the mean winning PnL, 0 when no wins exist.
func (ts *TradeStats) AvgWin() float64 {
	if ts.Wins == 0 {
		return 0
	}
	return ts.TotalWin / float64(ts.Wins)
}

// AvgLoss returns the mean losing PnL as a positive number.
func (ts *TradeStats) AvgLoss() float64 {
	if ts.Losses == 0 {
		return 0
	}
	return ts.TotalLoss / float64(ts.Losses)
}

// PendingOrder marks a resting order awaiting reconciliation on a later cycle.
type PendingOrder struct {
	OrderID       int64     `json:"order_id"`
	ClientOrderID string    `json:"client_order_id"`
	Side          string    `json:"side"`
	Quantity      float64   `json:"quantity"`
	Price         float64   `json:"price"`
	PlacedAt      time.Time `json:"placed_at"`
}

// InstrumentState is the full per-symbol snapshot persisted between cycles.
type InstrumentState struct {
	Symbol     string `json:"symbol"`
	BaseAsset  string `json:"base_asset"`
	QuoteAsset string `json:"quote_asset"`

	Balances map[string]float64 `json:"balances"`

	History    History    `json:"history"`
	Indicators Indicators `json:"indicators"`
	Volume24h  float64    `json:"volume_24h"`
	LastPrice  float64    `json:"last_price"`

	InPosition    bool    `json:"in_position"`
	EntryPrice    float64 `json:"entry_price"`
	EntryQty      float64 `json:"entry_qty"`
	StopLoss      float64 `json:"stop_loss"`
	TakeProfit    float64 `json:"take_profit"`
	TrailingStop  float64 `json:"trailing_stop"`
	HighWaterMark float64 `json:"high_water_mark"`

	Pending *PendingOrder `json:"pending,omitempty"`

	DailyTarget    float64 `json:"daily_target"`
	HourlyTarget   float64 `json:"hourly_target"`
	RealizedToday  float64 `json:"realized_today"`
	RealizedHour   float64 `json:"realized_hour"`
	DayPeakBalance float64 `json:"day_peak_balance"`

	TradesToday            int       `json:"trades_today"`
	CurrentDay             string    `json:"current_day"` // YYYY-MM-DD, drives daily resets
	CurrentHour            int       `json:"current_hour"`
	ConsecutiveAPIFailures int       `json:"consecutive_api_failures"`
	LastRateLimitAt        time.Time `json:"last_rate_limit_at"`
	LastOperationAt        time.Time `json:"last_operation_at"`

	RecoveryMode bool      `json:"recovery_mode"`
	TurboMode    bool      `json:"turbo_mode"`
	TurboExpiry  time.Time `json:"turbo_expiry"`

	TotalErrors    int     `json:"total_errors"`
	RejectedOrders int     `json:"rejected_orders"`
	TotalFees      float64 `json:"total_fees"`

	Stats TradeStats `json:"stats"`
}

var knownQuotes = []string{"USDT", "USDC", "BUSD", "BTC", "ETH", "BNB"}

// SplitSymbol derives base and quote assets from a concatenated pair symbol.
func SplitSymbol(symbol string) (base, quote string) {
	for _, q := range knownQuotes {
		if strings.HasSuffix(symbol, q) && len(symbol) > len(q) {
			return symbol[:len(symbol)-len(q)], q
		}
	}
	// Unrecognized quote: assume the last 4 characters.
	if len(symbol) > 4 {
		return symbol[:len(symbol)-4], symbol[len(symbol)-4:]
	}
	return symbol, ""
}

// New returns a fresh instrument state with safe defaults.
func New(symbol string, dailyTarget float64) *InstrumentState {
	base, quote := SplitSymbol(symbol)
	now := time.Now().UTC()
	return &InstrumentState{
		Symbol:       symbol,
		BaseAsset:    base,
		QuoteAsset:   quote,
		Balances:     make(map[string]float64),
		DailyTarget:  dailyTarget,
		HourlyTarget: dailyTarget / 24,
		CurrentDay:   now.Format("2006-01-02"),
		CurrentHour:  now.Hour(),
		Indicators:   Indicators{RSI: 50, Trend: TrendNeutral},
	}
}

// Validate checks structural invariants of a loaded snapshot. A non-nil error
// means the snapshot is corrupt and must be replaced with defaults, never
// trusted as-is.
func (s *InstrumentState) Validate() error {
	if s.Symbol == "" {
		return fmt.Errorf("state: empty symbol")
	}
	for asset, qty := range s.Balances {
		if qty < 0 || math.IsNaN(qty) || math.IsInf(qty, 0) {
			return fmt.Errorf("state %s: invalid balance %s=%v", s.Symbol, asset, qty)
		}
	}
	if s.InPosition {
		if s.EntryPrice <= 0 {
			return fmt.Errorf("state %s: in position with entry price %v", s.Symbol, s.EntryPrice)
		}
		if s.StopLoss <= 0 || s.TakeProfit <= 0 {
			return fmt.Errorf("state %s: in position without protection levels", s.Symbol)
		}
	}
	if s.TradesToday < 0 || s.RejectedOrders < 0 || s.TotalErrors < 0 {
		return fmt.Errorf("state %s: negative counters", s.Symbol)
	}
	return nil
}

// Balance returns the free quantity of an asset.
func (s *InstrumentState) Balance(asset string) float64 {
	return s.Balances[asset]
}

// AddBalance mutates an asset balance, clamping tiny negative residue from
// float arithmetic to zero. Callers must never drive a balance materially
// below zero; that is a settlement bug.
func (s *InstrumentState) AddBalance(asset string, delta float64) {
	v := s.Balances[asset] + delta
	if v < 0 && v > -1e-9 {
		v = 0
	}
	s.Balances[asset] = v
}

// RollClock applies day and hour boundary resets. TradesToday resets only
// here, at the day boundary.
func (s *InstrumentState) RollClock(now time.Time) {
	day := now.UTC().Format("2006-01-02")
	if day != s.CurrentDay {
		s.CurrentDay = day
		s.TradesToday = 0
		s.RealizedToday = 0
		s.DayPeakBalance = s.Balance(s.QuoteAsset)
		s.RecoveryMode = false
	}
	if hour := now.UTC().Hour(); hour != s.CurrentHour {
		s.CurrentHour = hour
		s.RealizedHour = 0
	}
}

// ClearPosition wipes position and protection fields after an exit.
func (s *InstrumentState) ClearPosition() {
	s.InPosition = false
	s.EntryPrice = 0
	s.EntryQty = 0
	s.StopLoss = 0
	s.TakeProfit = 0
	s.TrailingStop = 0
	s.HighWaterMark = 0
}

// AlertContext builds a trigger payload carrying the instrument snapshot
// every emitted alert needs: balances, last price and error counters.
// Trigger-specific fields in extra are merged on top. Balances are copied
// so the alerting goroutine never races the owning cycle.
func (s *InstrumentState) AlertContext(extra map[string]interface{}) map[string]interface{} {
	balances := make(map[string]float64, len(s.Balances))
	for asset, qty := range s.Balances {
		balances[asset] = qty
	}
	payload := map[string]interface{}{
		"balances":   balances,
		"last_price": s.LastPrice,
		"error_counts": map[string]int{
			"total":                    s.TotalErrors,
			"rejected_orders":          s.RejectedOrders,
			"consecutive_api_failures": s.ConsecutiveAPIFailures,
		},
	}
	for k, v := range extra {
		payload[k] = v
	}
	return payload
}

// DailyDrawdown returns the fraction lost from the day's peak quote balance.
func (s *InstrumentState) DailyDrawdown() float64 {
	if s.DayPeakBalance <= 0 {
		return 0
	}
	dd := (s.DayPeakBalance - s.Balance(s.QuoteAsset)) / s.DayPeakBalance
	if dd < 0 {
		return 0
	}
	return dd
}
