package bot

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"aggro-trading-bot/config"
	"aggro-trading-bot/internal/emergency"
	"aggro-trading-bot/internal/execution"
	"aggro-trading-bot/internal/gateway"
	"aggro-trading-bot/internal/indicators"
	"aggro-trading-bot/internal/metrics"
	"aggro-trading-bot/internal/mode"
	"aggro-trading-bot/internal/protection"
	"aggro-trading-bot/internal/sizing"
	"aggro-trading-bot/internal/state"
	"aggro-trading-bot/internal/storage"
)

const (
	fetchTimeout = 5 * time.Second
	fetchRetries = 2 // extra attempts per market-data call before the cycle gives up
)

// Instrument runs the trading loop for one symbol. Its state is owned by
// this loop alone; every mutation happens inside runCycle or shutdown.
type Instrument struct {
	cfg      *config.Config
	st       *state.InstrumentState
	engine   *indicators.Engine
	sizer    *sizing.Sizer
	monitor  *protection.Monitor
	executor *execution.Executor
	modeCtl  *mode.Controller
	registry *emergency.Registry
	gw       gateway.Gateway
	store    storage.Store
	met      *metrics.Metrics
	logger   zerolog.Logger
}

// loadOrInitState restores the persisted snapshot or initializes fresh
// state. A corrupt snapshot is replaced with defaults and logged, never
// traded on.
func loadOrInitState(ctx context.Context, store storage.Store, cfg *config.Config, symbol string, logger zerolog.Logger) *state.InstrumentState {
	st, err := store.LoadState(ctx, symbol)
	if err != nil {
		logger.Warn().Str("symbol", symbol).Err(err).Msg("snapshot unusable, resetting to defaults")
	}
	if st == nil {
		st = state.New(symbol, cfg.RiskConfig.DailyTarget)
		if cfg.Mode == config.ModeSimula {
			st.Balances[st.QuoteAsset] = cfg.TradingConfig.StartingBalance
			st.DayPeakBalance = cfg.TradingConfig.StartingBalance
		}
		if err := store.SaveState(ctx, st); err != nil {
			logger.Error().Str("symbol", symbol).Err(err).Msg("initial state persist failed")
		}
	}
	return st
}

// run drives the cycle timer until ctx is cancelled, then performs the
// shutdown sequence.
func (in *Instrument) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	in.logger.Info().Dur("interval", interval).Msg("instrument cycle started")

	for {
		select {
		case <-ctx.Done():
			in.shutdown()
			return
		case <-ticker.C:
			start := time.Now()
			outcome := in.runCycle(ctx)
			in.met.CycleDuration.WithLabelValues(in.st.Symbol).Observe(time.Since(start).Seconds())
			in.met.CyclesTotal.WithLabelValues(in.st.Symbol, outcome).Inc()
		}
	}
}

// runCycle executes one full pass: market data, indicators, mode and
// protection evaluation, then at most one trade. Returns a label for the
// cycle outcome metric.
func (in *Instrument) runCycle(ctx context.Context) string {
	// A system-wide emergency pauses every instrument.
	if in.registry.State() == emergency.StateEmergency {
		in.logger.Warn().Str("symbol", in.st.Symbol).Msg("cycle paused, system in emergency state")
		return "paused"
	}

	st := in.st
	st.RollClock(time.Now())

	if err := in.refreshMarketData(ctx); err != nil {
		in.met.GatewayErrors.WithLabelValues(st.Symbol).Inc()
		in.persist(ctx)
		return "fetch_failed"
	}

	st.Indicators = in.engine.Update(st.Indicators, &st.History)
	price := st.LastPrice

	in.modeCtl.EvaluateRecovery(st)
	in.modeCtl.EvaluateTurbo(st)
	params := in.modeCtl.Resolve(st.RecoveryMode)

	in.checkDailyLoss()
	in.executor.ReconcilePending(ctx, st, params)

	outcome := "idle"
	if st.InPosition {
		in.monitor.UpdateTrailing(st, price)
		if reason := in.monitor.Evaluate(st, price); reason != protection.ExitNone {
			outcome = in.forcedExit(ctx, params, reason)
		}
	} else if in.entrySignal(params) {
		outcome = in.tryEntry(ctx, params, price)
	}

	in.persist(ctx)
	in.updateGauges()
	return outcome
}

// refreshMarketData pulls price and 24h volume and appends to history.
// Each fetch is retried with jittered backoff inside the cycle's timeout;
// only an exhausted fetch counts against the consecutive-failure streak
// that feeds the circuit breaker.
func (in *Instrument) refreshMarketData(ctx context.Context) error {
	st := in.st

	fctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	var price float64
	err := in.fetchWithRetry(fctx, func() error {
		var err error
		price, err = in.gw.GetPrice(fctx, st.Symbol)
		return err
	})
	if err != nil {
		in.noteFailure(err)
		return err
	}
	var volume float64
	err = in.fetchWithRetry(fctx, func() error {
		var err error
		volume, err = in.gw.Get24hVolume(fctx, st.Symbol)
		return err
	})
	if err != nil {
		in.noteFailure(err)
		return err
	}

	st.ConsecutiveAPIFailures = 0
	in.registry.ClearTrigger(st.Symbol, emergency.KindNoConnectivity)

	st.LastPrice = price
	st.Volume24h = volume
	st.History.Append(price, volume)

	// Live modes track venue balances; simula settles locally.
	if in.cfg.Mode != config.ModeSimula {
		if balances, err := in.gw.GetBalances(fctx); err == nil {
			for _, b := range balances {
				if b.Asset == st.BaseAsset || b.Asset == st.QuoteAsset {
					st.Balances[b.Asset] = b.Free
				}
			}
		}
	}
	return nil
}

// fetchWithRetry runs one gateway fetch with bounded jittered backoff.
// Non-transient errors abort immediately.
func (in *Instrument) fetchWithRetry(ctx context.Context, fetch func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, fetchRetries), ctx)

	return backoff.Retry(func() error {
		err := fetch()
		if err != nil && !gateway.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

// entrySignal gates new long entries: oversold RSI with the trend not
// against us, respecting the configured spacing between trades.
func (in *Instrument) entrySignal(params mode.Params) bool {
	st := in.st
	if st.Pending != nil {
		return false
	}
	if st.Indicators.RSI > in.cfg.TradingConfig.RSIBuyMax {
		return false
	}
	if st.Indicators.Trend == state.TrendDown {
		return false
	}
	if params.TradeSpacing > 0 && !st.LastOperationAt.IsZero() &&
		time.Since(st.LastOperationAt) < params.TradeSpacing {
		return false
	}
	return true
}

func (in *Instrument) tryEntry(ctx context.Context, params mode.Params, price float64) string {
	st := in.st

	res := in.sizer.Size(st, params, price, st.Balance(st.QuoteAsset),
		in.cfg.Precision(st.Symbol), in.cfg.MinOrderSize(st.Symbol))
	if res.Quantity <= 0 {
		in.logger.Debug().Str("symbol", st.Symbol).Str("reason", res.Reason).Msg("entry skipped")
		return "sized_out"
	}

	fill, err := in.executor.Execute(ctx, st, params, in.cfg.VolumeMinimum(st.Symbol), execution.Request{
		Side:     gateway.SideBuy,
		Quantity: res.Quantity,
	})
	switch {
	case errors.Is(err, execution.ErrRejected):
		// The executor already books venue rejections on the state; only
		// the metric is counted here.
		in.met.RejectionsTotal.WithLabelValues(st.Symbol).Inc()
		return "rejected"
	case err != nil:
		in.met.GatewayErrors.WithLabelValues(st.Symbol).Inc()
		return "error"
	}

	in.met.TradesTotal.WithLabelValues(st.Symbol, gateway.SideBuy).Inc()
	in.met.FeesPaid.WithLabelValues(st.Symbol).Add(fill.Fee)
	return "entered"
}

// forcedExit sells the open position at market. Loss-limiting exits are
// panic-classified and bypass the cost-benefit gate.
func (in *Instrument) forcedExit(ctx context.Context, params mode.Params, reason protection.ExitReason) string {
	st := in.st

	qty := st.EntryQty
	if held := st.Balance(st.BaseAsset); held < qty {
		qty = held
	}
	if qty <= 0 {
		st.ClearPosition()
		return "idle"
	}

	fill, err := in.executor.Execute(ctx, st, params, in.cfg.VolumeMinimum(st.Symbol), execution.Request{
		Side:     gateway.SideSell,
		Quantity: qty,
		Urgent:   true,
		Panic:    reason.Panic(),
		Reason:   string(reason),
	})
	if err != nil {
		in.met.GatewayErrors.WithLabelValues(st.Symbol).Inc()
		in.logger.Error().Str("symbol", st.Symbol).Str("reason", string(reason)).Err(err).Msg("forced exit failed")
		return "exit_failed"
	}

	in.met.TradesTotal.WithLabelValues(st.Symbol, gateway.SideSell).Inc()
	in.met.FeesPaid.WithLabelValues(st.Symbol).Add(fill.Fee)
	return "exited"
}

// checkDailyLoss maintains the excessive-daily-loss trigger.
func (in *Instrument) checkDailyLoss() {
	st := in.st
	dd := st.DailyDrawdown()
	if dd >= in.cfg.RiskConfig.MaxDrawdown {
		in.registry.RegisterEvent(st.Symbol, emergency.KindDailyLoss, st.AlertContext(map[string]interface{}{
			"drawdown": dd,
			"realized": st.RealizedToday,
		}))
	} else if dd < in.cfg.RiskConfig.MaxDrawdown/2 {
		in.registry.ClearTrigger(st.Symbol, emergency.KindDailyLoss)
	}
}

func (in *Instrument) noteFailure(err error) {
	st := in.st
	st.ConsecutiveAPIFailures++
	st.TotalErrors++
	in.logger.Warn().
		Str("symbol", st.Symbol).
		Int("consecutive_failures", st.ConsecutiveAPIFailures).
		Err(err).
		Msg("market data fetch failed")
	if errors.Is(err, gateway.ErrUnreachable) {
		in.registry.RegisterEvent(st.Symbol, emergency.KindNoConnectivity, st.AlertContext(map[string]interface{}{
			"error": err.Error(),
		}))
	}
}

// shutdown persists final state and optionally flattens the position so
// nothing is left exposed overnight.
func (in *Instrument) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	st := in.st
	if st.InPosition && in.cfg.TradingConfig.SellOnShutdown {
		params := in.modeCtl.Resolve(st.RecoveryMode)
		_, err := in.executor.Execute(ctx, st, params, in.cfg.VolumeMinimum(st.Symbol), execution.Request{
			Side:     gateway.SideSell,
			Quantity: st.EntryQty,
			Urgent:   true,
			Panic:    true,
			Reason:   "shutdown",
		})
		if err != nil {
			in.logger.Error().Str("symbol", st.Symbol).Err(err).Msg("closing sell failed, position left open")
		}
	}

	in.persist(ctx)
	in.logger.Info().Str("symbol", st.Symbol).Msg("instrument cycle stopped")
}

func (in *Instrument) persist(ctx context.Context) {
	if err := in.store.SaveState(ctx, in.st); err != nil {
		in.logger.Error().Str("symbol", in.st.Symbol).Err(err).Msg("state persist failed")
	}
}

func (in *Instrument) updateGauges() {
	st := in.st
	in.met.TriggersActive.WithLabelValues(st.Symbol).Set(float64(len(in.registry.ActiveKinds(st.Symbol))))
	in.met.RealizedPnL.WithLabelValues(st.Symbol).Set(st.RealizedToday)
	in.met.QuoteBalance.WithLabelValues(st.Symbol).Set(st.Balance(st.QuoteAsset))
	in.met.LastPrice.WithLabelValues(st.Symbol).Set(st.LastPrice)
}
