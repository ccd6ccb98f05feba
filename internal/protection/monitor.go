// Package protection watches open positions and decides forced exits.
// Evaluation is pure: the monitor reports the exit verdict and the caller
// (the cycle) owns the actual sell and state mutation.
package protection

import (
	"github.com/rs/zerolog"

	"aggro-trading-bot/internal/state"
)

// ExitReason identifies which rule forced the position closed.
type ExitReason string

const (
	ExitNone         ExitReason = ""
	ExitStopLoss     ExitReason = "stop_loss"
	ExitTakeProfit   ExitReason = "take_profit"
	ExitTrailingStop ExitReason = "trailing_stop"
	ExitMaxDrawdown  ExitReason = "max_drawdown"
	ExitLossCap      ExitReason = "loss_cap"
)

// Panic reports whether the exit should bypass the cost-benefit gate.
// Profit-taking exits can afford to be picky about fees; loss-limiting
// exits cannot.
func (r ExitReason) Panic() bool {
	return r == ExitStopLoss || r == ExitMaxDrawdown || r == ExitLossCap
}

// Monitor evaluates protective exits for long positions.
type Monitor struct {
	maxDrawdown     float64 // fraction off the position high-water mark
	riskPerTrade    float64
	lossCapFraction float64 // share of riskPerTrade tolerated as raw loss
	trailingPercent float64
	logger          zerolog.Logger
}

// NewMonitor builds a monitor from the configured risk limits.
func NewMonitor(maxDrawdown, riskPerTrade, trailingPercent float64, logger zerolog.Logger) *Monitor {
	return &Monitor{
		maxDrawdown:     maxDrawdown,
		riskPerTrade:    riskPerTrade,
		lossCapFraction: 0.5,
		trailingPercent: trailingPercent,
		logger:          logger.With().Str("component", "protection").Logger(),
	}
}

// Evaluate checks the protective rules in priority order and returns the
// first that fires, or ExitNone. It never mutates the instrument state.
func (m *Monitor) Evaluate(st *state.InstrumentState, price float64) ExitReason {
	if !st.InPosition || price <= 0 {
		return ExitNone
	}

	if st.StopLoss > 0 && price <= st.StopLoss {
		return m.report(st, price, ExitStopLoss)
	}
	if st.TakeProfit > 0 && price >= st.TakeProfit {
		return m.report(st, price, ExitTakeProfit)
	}
	if st.TrailingStop > 0 && price <= st.TrailingStop {
		return m.report(st, price, ExitTrailingStop)
	}

	ref := st.HighWaterMark
	if ref <= 0 {
		ref = st.EntryPrice
	}
	if ref > 0 && (ref-price)/ref > m.maxDrawdown {
		return m.report(st, price, ExitMaxDrawdown)
	}

	if st.EntryPrice > 0 {
		loss := (st.EntryPrice - price) / st.EntryPrice
		if loss > m.riskPerTrade*m.lossCapFraction {
			return m.report(st, price, ExitLossCap)
		}
	}

	return ExitNone
}

// UpdateTrailing ratchets the trailing stop and high-water mark in the
// position's favor. The stop only ever moves up for a long; a falling
// price never loosens it.
func (m *Monitor) UpdateTrailing(st *state.InstrumentState, price float64) {
	if !st.InPosition || price <= 0 {
		return
	}
	if price > st.HighWaterMark {
		st.HighWaterMark = price
	}
	candidate := st.HighWaterMark * (1 - m.trailingPercent)
	if candidate > st.TrailingStop {
		st.TrailingStop = candidate
	}
}

func (m *Monitor) report(st *state.InstrumentState, price float64, reason ExitReason) ExitReason {
	m.logger.Warn().
		Str("symbol", st.Symbol).
		Str("reason", string(reason)).
		Float64("price", price).
		Float64("entry", st.EntryPrice).
		Float64("stop_loss", st.StopLoss).
		Float64("take_profit", st.TakeProfit).
		Float64("trailing", st.TrailingStop).
		Msg("protective exit triggered")
	return reason
}
