// Package admission is the pre-trade viability gate. Every candidate
// operation passes through Evaluate before the executor may touch the
// venue; each failing dimension registers an emergency trigger and each
// passing dimension clears it.
package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"aggro-trading-bot/config"
	"aggro-trading-bot/internal/emergency"
	"aggro-trading-bot/internal/gateway"
	"aggro-trading-bot/internal/state"
)

// Candidate describes the operation seeking admission.
type Candidate struct {
	Side     string
	Quantity float64
	Price    float64
	Urgent   bool
}

// Decision is the evaluation outcome. Reasons lists every failed check,
// not only the first one, so logs show the full picture.
type Decision struct {
	Approved bool
	Reasons  []string
}

// Controller runs the admission checks against live market data.
type Controller struct {
	cfg          config.AdmissionConfig
	takerRate    float64 // taker fee as a fraction of notional
	maxTradesDay int
	gw           gateway.Gateway
	registry     *emergency.Registry
	logger       zerolog.Logger
}

// NewController wires the gate to the gateway and trigger registry.
func NewController(cfg config.AdmissionConfig, fees config.FeeConfig, maxTradesPerDay int, gw gateway.Gateway, registry *emergency.Registry, logger zerolog.Logger) *Controller {
	return &Controller{
		cfg:          cfg,
		takerRate:    fees.TakerPercent / 100,
		maxTradesDay: maxTradesPerDay,
		gw:           gw,
		registry:     registry,
		logger:       logger.With().Str("component", "admission").Logger(),
	}
}

// Evaluate runs all checks against the instrument and candidate. The
// circuit breaker runs before anything else: once the failure streak is
// open no network call is made at all. Urgent candidates relax volume,
// spread, volatility and the recovery ceiling but never unreachability.
func (c *Controller) Evaluate(ctx context.Context, st *state.InstrumentState, cand Candidate, volumeMinimum float64, recoveryMode bool) Decision {
	// Breaker open: reject with zero gateway traffic.
	if st.ConsecutiveAPIFailures >= c.cfg.FailureThreshold {
		c.registry.RegisterEvent(st.Symbol, emergency.KindCircuitBreaker, st.AlertContext(map[string]interface{}{
			"failures": st.ConsecutiveAPIFailures,
		}))
		d := Decision{Reasons: []string{fmt.Sprintf("circuit breaker open (%d consecutive failures)", st.ConsecutiveAPIFailures)}}
		c.logDecision(st.Symbol, cand, d)
		return d
	}
	c.registry.ClearTrigger(st.Symbol, emergency.KindCircuitBreaker)

	var reasons []string

	// 1. Connectivity and latency.
	latency, pingErr := c.gw.Ping(ctx)
	switch {
	case pingErr != nil:
		c.registry.RegisterEvent(st.Symbol, emergency.KindNoConnectivity, st.AlertContext(map[string]interface{}{"error": pingErr.Error()}))
		// Even urgent exits cannot run against an unreachable venue.
		reasons = append(reasons, "venue unreachable: "+pingErr.Error())
	case latency > c.cfg.MaxLatency && !cand.Urgent:
		c.registry.RegisterEvent(st.Symbol, emergency.KindHighLatency, st.AlertContext(map[string]interface{}{"latency_ms": latency.Milliseconds()}))
		reasons = append(reasons, fmt.Sprintf("latency %dms above ceiling %dms", latency.Milliseconds(), c.cfg.MaxLatency.Milliseconds()))
	default:
		c.registry.ClearTrigger(st.Symbol, emergency.KindNoConnectivity)
		c.registry.ClearTrigger(st.Symbol, emergency.KindHighLatency)
	}

	// 2. Time-of-week liquidity window. Advisory only.
	if illiquidWindow(time.Now().UTC()) {
		c.logger.Warn().Str("symbol", st.Symbol).Msg("trading inside historically illiquid window")
	}

	// 3. 24h volume floor.
	minVolume := volumeMinimum
	if cand.Urgent {
		minVolume *= c.cfg.UrgentVolumeFactor
	}
	if st.Volume24h < minVolume {
		c.registry.RegisterEvent(st.Symbol, emergency.KindLowVolume, st.AlertContext(map[string]interface{}{"volume": st.Volume24h}))
		reasons = append(reasons, fmt.Sprintf("24h volume %.0f below minimum %.0f", st.Volume24h, minVolume))
	} else {
		c.registry.ClearTrigger(st.Symbol, emergency.KindLowVolume)
	}

	// 4-6. Depth, spread and balance need the book; skip the fetch if the
	// venue already proved unreachable.
	if pingErr == nil {
		c.checkBook(ctx, st, cand, &reasons)
	}

	// 7. Volatility ceiling.
	if !cand.Urgent && st.Indicators.Volatility > c.cfg.VolatilityCeiling {
		c.registry.RegisterEvent(st.Symbol, emergency.KindExtremeVolatility, st.AlertContext(map[string]interface{}{"volatility": st.Indicators.Volatility}))
		reasons = append(reasons, fmt.Sprintf("volatility %.4f above ceiling %.4f", st.Indicators.Volatility, c.cfg.VolatilityCeiling))
	} else if st.Indicators.Volatility <= c.cfg.VolatilityCeiling {
		c.registry.ClearTrigger(st.Symbol, emergency.KindExtremeVolatility)
	}

	// 8. Daily trade cap.
	if c.maxTradesDay > 0 && st.TradesToday >= c.maxTradesDay {
		reasons = append(reasons, fmt.Sprintf("daily trade cap reached (%d)", st.TradesToday))
	}

	// 9. Recovery-mode risk ceiling.
	if recoveryMode && !cand.Urgent && cand.Quantity*cand.Price > c.cfg.RecoveryRiskMaxUSD {
		reasons = append(reasons, fmt.Sprintf("notional %.2f above recovery ceiling %.2f", cand.Quantity*cand.Price, c.cfg.RecoveryRiskMaxUSD))
	}

	d := Decision{Approved: len(reasons) == 0, Reasons: reasons}
	c.logDecision(st.Symbol, cand, d)
	return d
}

// checkBook runs the depth-dependent checks: spread plus fee cost, balance
// sufficiency with slippage buffer, and the 1.8x depth requirement.
func (c *Controller) checkBook(ctx context.Context, st *state.InstrumentState, cand Candidate, reasons *[]string) {
	depth, err := c.gw.GetDepth(ctx, st.Symbol, 20)
	if err != nil {
		c.registry.RegisterEvent(st.Symbol, emergency.KindLowLiquidity, st.AlertContext(map[string]interface{}{"error": err.Error()}))
		*reasons = append(*reasons, "depth unavailable: "+err.Error())
		return
	}

	bid, ask := depth.BestBid(), depth.BestAsk()
	if bid <= 0 || ask <= 0 {
		c.registry.RegisterEvent(st.Symbol, emergency.KindLowLiquidity, st.AlertContext(map[string]interface{}{"bids": len(depth.Bids), "asks": len(depth.Asks)}))
		*reasons = append(*reasons, "order book empty")
		return
	}
	c.registry.ClearTrigger(st.Symbol, emergency.KindLowLiquidity)

	// Spread plus round-trip fees against the profitability threshold.
	spread := depth.Spread()
	roundTrip := spread + 2*c.takerRate
	threshold := c.cfg.SpreadThreshold
	if cand.Urgent {
		threshold = c.cfg.UrgentSpread
	}
	if roundTrip > threshold {
		c.registry.RegisterEvent(st.Symbol, emergency.KindHighSpread, st.AlertContext(map[string]interface{}{"spread": spread, "round_trip": roundTrip}))
		*reasons = append(*reasons, fmt.Sprintf("spread+fees %.4f above threshold %.4f", roundTrip, threshold))
	} else {
		c.registry.ClearTrigger(st.Symbol, emergency.KindHighSpread)
	}

	notional := cand.Quantity * cand.Price

	// Balance sufficiency with slippage buffer.
	switch cand.Side {
	case gateway.SideBuy:
		need := notional * (1 + c.cfg.SlippageBuffer)
		if st.Balances[st.QuoteAsset] < need {
			*reasons = append(*reasons, fmt.Sprintf("insufficient %s balance: have %.2f, need %.2f", st.QuoteAsset, st.Balances[st.QuoteAsset], need))
		}
	case gateway.SideSell:
		if st.Balances[st.BaseAsset] < cand.Quantity {
			*reasons = append(*reasons, fmt.Sprintf("insufficient %s balance: have %.8f, need %.8f", st.BaseAsset, st.Balances[st.BaseAsset], cand.Quantity))
		}
	}

	// Depth must cover the order with room to spare.
	levels := depth.Asks
	if cand.Side == gateway.SideSell {
		levels = depth.Bids
	}
	var available float64
	for _, lvl := range levels {
		available += lvl.Price * lvl.Quantity
	}
	if available < notional*c.cfg.DepthRatio {
		c.registry.RegisterEvent(st.Symbol, emergency.KindLowLiquidity, st.AlertContext(map[string]interface{}{
			"available": available,
			"required":  notional * c.cfg.DepthRatio,
		}))
		*reasons = append(*reasons, fmt.Sprintf("book depth %.2f below %.1fx notional %.2f", available, c.cfg.DepthRatio, notional))
	}
}

// illiquidWindow flags the late Sunday UTC hours where books historically
// thin out. Advisory only.
func illiquidWindow(t time.Time) bool {
	return t.Weekday() == time.Sunday && t.Hour() >= 21
}

func (c *Controller) logDecision(symbol string, cand Candidate, d Decision) {
	ev := c.logger.Info()
	if !d.Approved {
		ev = c.logger.Warn()
	}
	ev.Str("symbol", symbol).
		Str("side", cand.Side).
		Bool("urgent", cand.Urgent).
		Bool("approved", d.Approved).
		Strs("reasons", d.Reasons).
		Msg("admission decision")
}
