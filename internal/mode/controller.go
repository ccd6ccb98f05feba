// Package mode owns the recovery/turbo parameter overrides. The Controller
// is the single writer of the shared override; instrument cycles only read
// a merged snapshot via Resolve, never the underlying fields.
package mode

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"aggro-trading-bot/internal/state"
)

// Params are the tunables that recovery and turbo modes override.
type Params struct {
	RiskPerTrade   float64
	MinProfitRatio float64
	StopLossRatio  float64
	VolumeBase     float64       // base USD sizing allowance
	TradeSpacing   time.Duration // minimum spacing between trades
	MaxPositionUSD float64
}

// Override is a transient multiplier set layered on the base parameters.
type Override struct {
	RiskFactor      float64
	MinProfitFactor float64
	StopLossFactor  float64
	VolumeFactor    float64
	SpacingFactor   float64
	ActivatedAt     time.Time
	ExpiresAt       time.Time
}

// Controller evaluates mode transitions and resolves effective parameters.
type Controller struct {
	mu   sync.RWMutex
	base Params

	turbo *Override

	recoveryThreshold float64 // daily drawdown that activates recovery
	recoveryRiskBoost float64
	recoveryMaxUSD    float64

	turboCooldown  time.Duration
	turboDuration  time.Duration
	turboRatio     float64 // hourly progress-to-target below this activates turbo
	tradingHourMin int
	tradingHourMax int
	lastTurbo      time.Time

	logger zerolog.Logger
	now    func() time.Time
}

// NewController builds a mode controller around the immutable base params.
func NewController(base Params, recoveryThreshold, recoveryMaxUSD float64, logger zerolog.Logger) *Controller {
	return &Controller{
		base:              base,
		recoveryThreshold: recoveryThreshold,
		recoveryRiskBoost: 1.5,
		recoveryMaxUSD:    recoveryMaxUSD,
		turboCooldown:     10 * time.Minute,
		turboDuration:     15 * time.Minute,
		turboRatio:        0.5,
		tradingHourMin:    7,
		tradingHourMax:    22,
		logger:            logger.With().Str("component", "mode").Logger(),
		now:               time.Now,
	}
}

// SetClock overrides the time source, for tests.
func (c *Controller) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// EvaluateRecovery flips the instrument's recovery flag based on daily
// drawdown. Activation raises risk tolerance until drawdown recovers below
// half the threshold.
func (c *Controller) EvaluateRecovery(st *state.InstrumentState) {
	dd := st.DailyDrawdown()
	switch {
	case !st.RecoveryMode && dd >= c.recoveryThreshold:
		st.RecoveryMode = true
		c.logger.Warn().Str("symbol", st.Symbol).Float64("drawdown", dd).Msg("recovery mode activated")
	case st.RecoveryMode && dd < c.recoveryThreshold/2:
		st.RecoveryMode = false
		c.logger.Info().Str("symbol", st.Symbol).Float64("drawdown", dd).Msg("recovery mode deactivated")
	}
}

// EvaluateTurbo activates a timed turbo override when hourly progress lags
// the target during allowed trading hours. A cooldown prevents repeated
// activations; expiry reverts parameters to recovery/base values.
func (c *Controller) EvaluateTurbo(st *state.InstrumentState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()

	// Expire a finished turbo window first.
	if c.turbo != nil && now.After(c.turbo.ExpiresAt) {
		c.turbo = nil
		c.logger.Info().Msg("turbo override expired")
	}
	if st.TurboMode && now.After(st.TurboExpiry) {
		st.TurboMode = false
	}

	hour := now.UTC().Hour()
	if hour < c.tradingHourMin || hour >= c.tradingHourMax {
		return
	}
	if c.turbo != nil || now.Sub(c.lastTurbo) < c.turboCooldown {
		return
	}
	if st.HourlyTarget <= 0 {
		return
	}

	progress := st.RealizedHour / st.HourlyTarget
	if progress >= c.turboRatio {
		return
	}

	c.turbo = &Override{
		RiskFactor:      1.4,
		MinProfitFactor: 0.7,
		StopLossFactor:  1.2,
		VolumeFactor:    1.5,
		SpacingFactor:   0.5,
		ActivatedAt:     now,
		ExpiresAt:       now.Add(c.turboDuration),
	}
	c.lastTurbo = now
	st.TurboMode = true
	st.TurboExpiry = c.turbo.ExpiresAt
	c.logger.Warn().
		Str("symbol", st.Symbol).
		Float64("hourly_progress", progress).
		Time("expires", c.turbo.ExpiresAt).
		Msg("turbo override activated")
}

// Resolve merges base, recovery and turbo layers into one consistent
// parameter snapshot for the calling cycle. Later layers multiply earlier
// ones; nothing here mutates shared state.
func (c *Controller) Resolve(recovery bool) Params {
	c.mu.RLock()
	defer c.mu.RUnlock()

	p := c.base

	if recovery {
		p.RiskPerTrade *= c.recoveryRiskBoost
		p.MinProfitRatio *= 0.6
		p.MaxPositionUSD = c.recoveryMaxUSD
	}

	if c.turbo != nil && c.now().Before(c.turbo.ExpiresAt) {
		p.RiskPerTrade *= c.turbo.RiskFactor
		p.MinProfitRatio *= c.turbo.MinProfitFactor
		p.StopLossRatio *= c.turbo.StopLossFactor
		p.VolumeBase *= c.turbo.VolumeFactor
		p.TradeSpacing = time.Duration(float64(p.TradeSpacing) * c.turbo.SpacingFactor)
	}

	return p
}

// TurboActive reports whether a turbo override is currently live.
func (c *Controller) TurboActive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.turbo != nil && c.now().Before(c.turbo.ExpiresAt)
}

// Deactivate clears any live turbo override immediately.
func (c *Controller) Deactivate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.turbo != nil {
		c.turbo = nil
		c.logger.Info().Msg("turbo override deactivated")
	}
}
