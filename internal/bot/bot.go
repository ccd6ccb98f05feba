// Package bot wires the trading core together and schedules one
// independent cycle per instrument.
package bot

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"aggro-trading-bot/config"
	"aggro-trading-bot/internal/admission"
	"aggro-trading-bot/internal/emergency"
	"aggro-trading-bot/internal/execution"
	"aggro-trading-bot/internal/gateway"
	"aggro-trading-bot/internal/indicators"
	"aggro-trading-bot/internal/metrics"
	"aggro-trading-bot/internal/mode"
	"aggro-trading-bot/internal/protection"
	"aggro-trading-bot/internal/sizing"
	"aggro-trading-bot/internal/storage"
)

// Bot owns the shared collaborators and one Instrument per symbol.
type Bot struct {
	cfg         *config.Config
	gw          gateway.Gateway
	store       storage.Store
	registry    *emergency.Registry
	modeCtl     *mode.Controller
	met         *metrics.Metrics
	instruments []*Instrument
	logger      zerolog.Logger
}

// New assembles the full trading core. Shared mutable pieces (mode
// controller, trigger registry, fee schedule) exist exactly once; each
// instrument owns its own state.
func New(ctx context.Context, cfg *config.Config, gw gateway.Gateway, store storage.Store, registry *emergency.Registry, met *metrics.Metrics, logger zerolog.Logger) *Bot {
	modeCtl := mode.NewController(mode.Params{
		RiskPerTrade:   cfg.RiskConfig.RiskPerTrade,
		MinProfitRatio: cfg.TradingConfig.MinProfitRate,
		StopLossRatio:  cfg.RiskConfig.StopLossRatio,
		VolumeBase:     cfg.RiskConfig.MaxPositionUSD,
		TradeSpacing:   cfg.CycleInterval(),
		MaxPositionUSD: cfg.RiskConfig.MaxPositionUSD,
	}, cfg.RiskConfig.RecoveryDrawdown, cfg.RiskConfig.RecoveryMaxUSD, logger)

	fees := execution.NewFeeSchedule(cfg.FeeConfig)
	adm := admission.NewController(cfg.AdmissionConfig, cfg.FeeConfig,
		cfg.TradingConfig.MaxTradesPerDay, gw, registry, logger)
	executor := execution.NewExecutor(gw, adm, fees, registry, store,
		cfg.AdmissionConfig.UrgentSpread, cfg.RiskConfig.TakeProfitRatio,
		cfg.RiskConfig.TrailingPercent, logger)
	engine := indicators.NewEngine()

	b := &Bot{
		cfg:      cfg,
		gw:       gw,
		store:    store,
		registry: registry,
		modeCtl:  modeCtl,
		met:      met,
		logger:   logger.With().Str("component", "bot").Logger(),
	}

	for _, symbol := range cfg.Symbols {
		instLogger := logger.With().Str("component", "instrument").Str("symbol", symbol).Logger()
		st := loadOrInitState(ctx, store, cfg, symbol, instLogger)
		b.instruments = append(b.instruments, &Instrument{
			cfg:    cfg,
			st:     st,
			engine: engine,
			sizer: sizing.NewSizer(cfg.RiskConfig.MinOrderNotional,
				cfg.FeeConfig.TakerPercent/100, cfg.AdmissionConfig.SlippageBuffer, instLogger),
			monitor: protection.NewMonitor(cfg.RiskConfig.MaxDrawdown,
				cfg.RiskConfig.RiskPerTrade, cfg.RiskConfig.TrailingPercent, instLogger),
			executor: executor,
			modeCtl:  modeCtl,
			registry: registry,
			gw:       gw,
			store:    store,
			met:      met,
			logger:   instLogger,
		})
	}
	return b
}

// Run starts the trigger sweeper and every instrument cycle, then blocks
// until ctx is cancelled and all cycles have finished their shutdown.
func (b *Bot) Run(ctx context.Context) {
	interval := b.cfg.CycleInterval()
	b.logger.Info().
		Str("mode", string(b.cfg.Mode)).
		Strs("symbols", b.cfg.Symbols).
		Dur("interval", interval).
		Msg("trading core starting")

	go b.registry.RunSweeper(ctx, b.cfg.EmergencyConfig.SweepInterval)

	var wg sync.WaitGroup
	for i, inst := range b.instruments {
		wg.Add(1)
		// Stagger starts so instruments do not hammer the venue in
		// lockstep on every tick.
		offset := time.Duration(i) * (interval / time.Duration(max(len(b.instruments), 1)))
		go func(inst *Instrument, offset time.Duration) {
			defer wg.Done()
			select {
			case <-time.After(offset):
			case <-ctx.Done():
				inst.shutdown()
				return
			}
			inst.run(ctx, interval)
		}(inst, offset)
	}
	wg.Wait()
	b.logger.Info().Msg("trading core stopped")
}
