package execution

import (
	"sync"

	"aggro-trading-bot/config"
)

// FeeSchedule resolves maker/taker rates from the configured schedule,
// 30-day traded-volume tiers and the fee-token discount. Traded volume
// accumulates as fills settle; concurrent instrument cycles share one
// schedule.
type FeeSchedule struct {
	mu        sync.RWMutex
	cfg       config.FeeConfig
	volume30d float64
}

// NewFeeSchedule builds a schedule from configuration.
func NewFeeSchedule(cfg config.FeeConfig) *FeeSchedule {
	return &FeeSchedule{cfg: cfg}
}

// RecordVolume adds settled notional to the rolling 30-day tier volume.
func (f *FeeSchedule) RecordVolume(notional float64) {
	f.mu.Lock()
	f.volume30d += notional
	f.mu.Unlock()
}

// TakerRate returns the current taker fee as a fraction of notional.
func (f *FeeSchedule) TakerRate() float64 { return f.rate(false) }

// MakerRate returns the current maker fee as a fraction of notional.
func (f *FeeSchedule) MakerRate() float64 { return f.rate(true) }

func (f *FeeSchedule) rate(maker bool) float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()

	makerPct, takerPct := f.cfg.MakerPercent, f.cfg.TakerPercent
	// Tiers are ordered by ascending volume floor; the last one we
	// qualify for wins.
	for _, tier := range f.cfg.VolumeTiers {
		if f.volume30d >= tier.MinMonthlyVolume {
			makerPct, takerPct = tier.MakerPercent, tier.TakerPercent
		}
	}

	pct := takerPct
	if maker {
		pct = makerPct
	}
	rate := pct / 100
	if f.cfg.FeeTokenEnabled {
		rate *= 1 - f.cfg.FeeTokenDiscount
	}
	return rate
}

// Fee computes the fee owed on a notional at the current taker rate.
func (f *FeeSchedule) Fee(notional float64) float64 {
	return notional * f.TakerRate()
}
