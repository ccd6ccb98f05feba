// Package sizing computes order size from account balance, trade history
// and current volatility using a clamped Kelly criterion.
package sizing

import (
	"math"
	"time"

	"github.com/rs/zerolog"

	"aggro-trading-bot/internal/mode"
	"aggro-trading-bot/internal/state"
)

const (
	// Kelly fraction bounds. The raw criterion goes negative on losing
	// streaks and absurdly high on short winning streaks; clamping keeps
	// sizing inside a survivable band.
	KellyFloor = 0.08
	KellyCap   = 0.25

	// Never commit more than this share of the free quote balance,
	// leaving headroom for fees and slippage.
	BalanceCeiling = 0.98

	// Market impact above this share of 24h volume shrinks the order.
	impactThreshold = 0.0008

	inactivityWindow = 15 * time.Minute
)

// Sizer turns instrument state plus resolved mode parameters into a base
// quantity for the next entry.
type Sizer struct {
	minNotional  float64
	feeRate      float64
	slippageRate float64
	logger       zerolog.Logger
	now          func() time.Time
}

// NewSizer builds a sizer with the exchange minimum notional and the
// round-trip fee and slippage rates used for the risk ceiling.
func NewSizer(minNotional, feeRate, slippageRate float64, logger zerolog.Logger) *Sizer {
	return &Sizer{
		minNotional:  minNotional,
		feeRate:      feeRate,
		slippageRate: slippageRate,
		logger:       logger.With().Str("component", "sizing").Logger(),
		now:          time.Now,
	}
}

// SetClock overrides the time source, for tests.
func (s *Sizer) SetClock(now func() time.Time) { s.now = now }

// Kelly computes the clamped Kelly fraction from win rate and average
// win/loss magnitudes. Degenerate inputs (no history, zero average loss,
// NaN or Inf intermediates) fall back to the floor.
func Kelly(winRate, avgWin, avgLoss float64) float64 {
	if avgLoss <= 0 || avgWin <= 0 ||
		math.IsNaN(winRate) || math.IsInf(winRate, 0) ||
		math.IsNaN(avgWin) || math.IsInf(avgWin, 0) ||
		math.IsNaN(avgLoss) || math.IsInf(avgLoss, 0) {
		return KellyFloor
	}
	r := avgWin / avgLoss
	f := winRate - (1-winRate)/r
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return KellyFloor
	}
	if f < KellyFloor {
		return KellyFloor
	}
	if f > KellyCap {
		return KellyCap
	}
	return f
}

// Result is a fully resolved sizing decision. A zero Quantity means the
// computed size fell below exchange minimums and no order should be sent.
type Result struct {
	Quantity      float64
	Notional      float64
	KellyFraction float64
	Reason        string
}

// Size runs the sizing pipeline for an entry on the given instrument:
// Kelly fraction of the free quote balance, capped by the mode's position
// ceiling, scaled up by volatility and inactivity factors, scaled down by
// the risk-per-trade ceiling, the 98% balance ceiling and market impact,
// then rounded down to the instrument's precision. Quantity 0 with a
// Reason means no order.
func (s *Sizer) Size(st *state.InstrumentState, params mode.Params, price, quoteBalance float64, precision int, minOrderSize float64) Result {
	if price <= 0 || quoteBalance <= 0 {
		return Result{Reason: "no balance or invalid price"}
	}

	kelly := Kelly(st.Stats.WinRate(), st.Stats.AvgWin(), st.Stats.AvgLoss())

	baseUSD := quoteBalance * kelly
	if params.MaxPositionUSD > 0 && baseUSD > params.MaxPositionUSD {
		baseUSD = params.MaxPositionUSD
	}
	if baseUSD < s.minNotional {
		s.logger.Debug().
			Str("symbol", st.Symbol).
			Float64("base_usd", baseUSD).
			Float64("min", s.minNotional).
			Msg("sized below minimum notional")
		return Result{KellyFraction: kelly, Reason: "below minimum notional"}
	}

	qty := baseUSD / price
	qty *= volatilityFactor(st.Indicators.Volatility)
	qty *= s.inactivityFactor(st.LastOperationAt)

	// Risk ceiling: estimated fee plus slippage on this notional must not
	// exceed the allowed fraction of balance.
	if params.RiskPerTrade > 0 {
		risk := qty * price * (s.feeRate + s.slippageRate)
		allowed := quoteBalance * params.RiskPerTrade
		if risk > allowed && risk > 0 {
			qty *= allowed / risk
		}
	}

	if ceiling := quoteBalance * BalanceCeiling; qty*price > ceiling {
		qty = ceiling / price
	}

	// Shrink when the order is large relative to the market.
	if st.Volume24h > 0 && qty*price/st.Volume24h > impactThreshold {
		qty *= 0.9
	}

	qty = roundDown(qty, precision)
	if qty < minOrderSize || qty <= 0 {
		return Result{KellyFraction: kelly, Reason: "below minimum order size"}
	}

	return Result{
		Quantity:      qty,
		Notional:      qty * price,
		KellyFraction: kelly,
	}
}

// volatilityFactor scales quantity up in calm markets, from 1x at high
// volatility to 4x near zero.
func volatilityFactor(vol float64) float64 {
	if vol <= 0 {
		return 4
	}
	f := 0.01 / vol
	if f < 1 {
		return 1
	}
	if f > 4 {
		return 4
	}
	return f
}

// inactivityFactor grows toward 2x the longer the instrument has been
// idle past 15 minutes, nudging the bot back into the market.
func (s *Sizer) inactivityFactor(last time.Time) float64 {
	if last.IsZero() {
		return 1
	}
	idle := s.now().Sub(last)
	if idle <= inactivityWindow {
		return 1
	}
	f := 1 + float64(idle-inactivityWindow)/float64(time.Hour)
	if f > 2 {
		return 2
	}
	return f
}

func roundDown(v float64, precision int) float64 {
	if precision < 0 {
		precision = 0
	}
	pow := math.Pow(10, float64(precision))
	return math.Floor(v*pow) / pow
}
