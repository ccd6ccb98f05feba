// Package execution settles orders against the venue: price discovery by
// walking the book, fee and cost-benefit gating, retried submission and
// atomic balance settlement. Balances only move on a confirmed fill.
package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"aggro-trading-bot/internal/admission"
	"aggro-trading-bot/internal/emergency"
	"aggro-trading-bot/internal/gateway"
	"aggro-trading-bot/internal/mode"
	"aggro-trading-bot/internal/state"
	"aggro-trading-bot/internal/storage"
)

const (
	maxAttempts    = 3
	bookWalkLevels = 20

	// Estimated fee above this share of the minimum acceptable profit
	// makes the trade not worth taking.
	costBenefitRatio = 0.7
)

// ErrRejected reports an order that was gated locally or rejected by the
// venue; the cycle moves on without retrying.
var ErrRejected = errors.New("execution: order rejected")

// Request describes one buy or sell to settle.
type Request struct {
	Side     string
	Quantity float64
	Urgent   bool // skip admission, relax spread
	Panic    bool // loss-limiting exit, skip the cost-benefit gate
	Reason   string
}

// Fill is the settled outcome of a request.
type Fill struct {
	Status      string
	ExecutedQty float64
	Price       float64
	Notional    float64
	Fee         float64
	PnL         float64
}

// Executor runs the order protocol for all instruments. Instrument state
// passed in is owned by the calling cycle; the executor mutates it only
// on confirmed settlement.
type Executor struct {
	gw       gateway.Gateway
	adm      *admission.Controller
	fees     *FeeSchedule
	registry *emergency.Registry
	store    storage.Store
	logger   zerolog.Logger

	spreadThreshold float64 // executed price drift vs reference
	takeProfitRatio float64
	trailingPercent float64
}

// NewExecutor wires the order protocol to its collaborators.
func NewExecutor(gw gateway.Gateway, adm *admission.Controller, fees *FeeSchedule, registry *emergency.Registry, store storage.Store, spreadThreshold, takeProfitRatio, trailingPercent float64, logger zerolog.Logger) *Executor {
	return &Executor{
		gw:              gw,
		adm:             adm,
		fees:            fees,
		registry:        registry,
		store:           store,
		spreadThreshold: spreadThreshold,
		takeProfitRatio: takeProfitRatio,
		trailingPercent: trailingPercent,
		logger:          logger.With().Str("component", "execution").Logger(),
	}
}

// Execute runs the full order protocol for one request. On rejection it
// returns ErrRejected (wrapped with the reason); balances are untouched
// unless the venue confirmed a fill.
func (e *Executor) Execute(ctx context.Context, st *state.InstrumentState, params mode.Params, volumeMinimum float64, req Request) (*Fill, error) {
	price, err := e.referencePrice(ctx, st)
	if err != nil {
		e.recordFailure(st, err)
		return nil, err
	}

	if !req.Urgent {
		dec := e.adm.Evaluate(ctx, st, admission.Candidate{
			Side:     req.Side,
			Quantity: req.Quantity,
			Price:    price,
		}, volumeMinimum, st.RecoveryMode)
		if !dec.Approved {
			return nil, fmt.Errorf("%w: admission: %v", ErrRejected, dec.Reasons)
		}
	}

	execPrice, err := e.executionPrice(ctx, st, req, price)
	if err != nil {
		return nil, err
	}

	notional := req.Quantity * execPrice
	fee := e.fees.Fee(notional)

	// Cost-benefit gate: skip trades whose fees eat the expected edge.
	// Panic exits pay whatever it costs to get flat.
	if !req.Panic {
		minProfit := notional * params.MinProfitRatio
		if minProfit > 0 && fee > minProfit*costBenefitRatio {
			e.logger.Info().
				Str("symbol", st.Symbol).
				Float64("fee", fee).
				Float64("min_profit", minProfit).
				Msg("fee exceeds acceptable share of minimum profit")
			return nil, fmt.Errorf("%w: fee %.4f vs min profit %.4f", ErrRejected, fee, minProfit)
		}
	}

	result, err := e.submit(ctx, st, req)
	if err != nil {
		e.recordFailure(st, err)
		e.registry.RegisterEvent(st.Symbol, emergency.KindCircuitBreaker, st.AlertContext(map[string]interface{}{
			"error": err.Error(),
			"side":  req.Side,
		}))
		return nil, err
	}

	st.ConsecutiveAPIFailures = 0

	switch result.Status {
	case gateway.StatusFilled, gateway.StatusPartiallyFilled:
		return e.settle(ctx, st, params, req, result)
	case gateway.StatusNew:
		st.Pending = &state.PendingOrder{
			OrderID:       result.OrderID,
			ClientOrderID: result.ClientOrderID,
			Side:          req.Side,
			Quantity:      req.Quantity,
			Price:         execPrice,
			PlacedAt:      time.Now().UTC(),
		}
		e.persist(ctx, st)
		e.logger.Info().Str("symbol", st.Symbol).Int64("order_id", result.OrderID).Msg("order resting, pending reconciliation")
		return &Fill{Status: result.Status}, nil
	default:
		st.RejectedOrders++
		e.registry.RegisterEvent(st.Symbol, emergency.KindRejectedOrders, st.AlertContext(map[string]interface{}{
			"rejected": st.RejectedOrders,
			"status":   result.Status,
		}))
		return nil, fmt.Errorf("%w: venue status %s", ErrRejected, result.Status)
	}
}

// referencePrice prefers the instrument's streamed last price and falls
// back to a gateway fetch.
func (e *Executor) referencePrice(ctx context.Context, st *state.InstrumentState) (float64, error) {
	if st.LastPrice > 0 {
		return st.LastPrice, nil
	}
	return e.gw.GetPrice(ctx, st.Symbol)
}

// executionPrice walks the book volume-weighted until the request is
// covered, falling back to the reference price on an empty book, and
// rejects when the resulting price drifts too far from reference.
func (e *Executor) executionPrice(ctx context.Context, st *state.InstrumentState, req Request, ref float64) (float64, error) {
	depth, err := e.gw.GetDepth(ctx, st.Symbol, bookWalkLevels)
	if err != nil {
		if req.Urgent && ref > 0 {
			return ref, nil
		}
		e.recordFailure(st, err)
		return 0, err
	}

	levels := depth.Asks
	if req.Side == gateway.SideSell {
		levels = depth.Bids
	}

	px := walkBook(levels, req.Quantity)
	if px <= 0 {
		px = ref
	}
	if px <= 0 {
		return 0, fmt.Errorf("%w: no price available", ErrRejected)
	}

	if ref > 0 {
		drift := (px - ref) / ref
		if req.Side == gateway.SideSell {
			drift = -drift
		}
		if drift > e.spreadThreshold && !req.Panic {
			e.registry.RegisterEvent(st.Symbol, emergency.KindSlippage, st.AlertContext(map[string]interface{}{
				"drift": drift,
				"ref":   ref,
				"px":    px,
			}))
			return 0, fmt.Errorf("%w: execution price drift %.4f above %.4f", ErrRejected, drift, e.spreadThreshold)
		}
	}
	return px, nil
}

// walkBook returns the volume-weighted average price of consuming qty
// across the given levels, or 0 if the book cannot cover it at all.
func walkBook(levels []gateway.PriceLevel, qty float64) float64 {
	if qty <= 0 || len(levels) == 0 {
		return 0
	}
	var filled, cost float64
	for _, lvl := range levels {
		take := lvl.Quantity
		if filled+take > qty {
			take = qty - filled
		}
		filled += take
		cost += take * lvl.Price
		if filled >= qty {
			break
		}
	}
	if filled <= 0 {
		return 0
	}
	return cost / filled
}

// submit places the order with bounded exponential backoff. Rate-limit
// responses wait out the venue's retry-after hint; non-transient errors
// abort immediately.
func (e *Executor) submit(ctx context.Context, st *state.InstrumentState, req Request) (*gateway.OrderResult, error) {
	order := gateway.OrderRequest{
		Symbol:        st.Symbol,
		Side:          req.Side,
		Type:          gateway.TypeMarket,
		Quantity:      req.Quantity,
		ClientOrderID: "aggro-" + uuid.NewString(),
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, maxAttempts-1), ctx)

	return backoff.RetryWithData(func() (*gateway.OrderResult, error) {
		result, err := e.gw.PlaceOrder(ctx, order)
		if err == nil {
			return result, nil
		}
		if hint, ok := gateway.RetryAfterHint(err); ok {
			st.LastRateLimitAt = time.Now().UTC()
			select {
			case <-time.After(hint):
			case <-ctx.Done():
				return nil, backoff.Permanent(ctx.Err())
			}
			return nil, err
		}
		if !gateway.IsTransient(err) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}, policy)
}

// settle applies a confirmed fill to balances and position state, books
// fees and PnL, and persists the snapshot plus a trade log entry.
func (e *Executor) settle(ctx context.Context, st *state.InstrumentState, params mode.Params, req Request, result *gateway.OrderResult) (*Fill, error) {
	qty := result.ExecutedQty
	px := result.Price
	if px <= 0 && qty > 0 && result.QuoteSpent > 0 {
		px = result.QuoteSpent / qty
	}
	notional := qty * px
	fee := e.fees.Fee(notional)

	fill := &Fill{
		Status:      result.Status,
		ExecutedQty: qty,
		Price:       px,
		Notional:    notional,
		Fee:         fee,
	}

	now := time.Now().UTC()

	switch req.Side {
	case gateway.SideBuy:
		st.AddBalance(st.QuoteAsset, -(notional + fee))
		st.AddBalance(st.BaseAsset, qty)

		st.InPosition = true
		st.EntryPrice = px
		st.EntryQty = qty
		st.HighWaterMark = px
		e.armProtection(st, params, px)

	case gateway.SideSell:
		st.AddBalance(st.BaseAsset, -qty)
		st.AddBalance(st.QuoteAsset, notional-fee)

		if st.InPosition {
			pnl := (px-st.EntryPrice)*qty - fee
			fill.PnL = pnl
			st.Stats.Record(pnl)
			st.RealizedToday += pnl
			st.RealizedHour += pnl
			// A partial exit leaves the remainder in the book, still
			// guarded by the armed protection levels.
			if remaining := st.EntryQty - qty; remaining > 0 {
				st.EntryQty = remaining
			} else {
				st.ClearPosition()
			}
		}
	}

	if bal := st.Balance(st.QuoteAsset); bal > st.DayPeakBalance {
		st.DayPeakBalance = bal
	}

	st.TotalFees += fee
	st.TradesToday++
	st.LastOperationAt = now
	st.Pending = nil
	e.fees.RecordVolume(notional)

	e.persist(ctx, st)
	if err := e.store.LogTrade(ctx, storage.TradeRecord{
		Symbol:     st.Symbol,
		Side:       req.Side,
		Quantity:   qty,
		Price:      px,
		Notional:   notional,
		Fee:        fee,
		PnL:        fill.PnL,
		ExitReason: req.Reason,
		Urgent:     req.Urgent,
		ExecutedAt: now,
	}); err != nil {
		e.logger.Error().Str("symbol", st.Symbol).Err(err).Msg("trade log append failed")
	}

	e.logger.Info().
		Str("symbol", st.Symbol).
		Str("side", req.Side).
		Str("status", result.Status).
		Float64("qty", qty).
		Float64("price", px).
		Float64("fee", fee).
		Float64("pnl", fill.PnL).
		Msg("order settled")

	return fill, nil
}

// armProtection derives stop-loss, take-profit and trailing levels from
// ATR and the resolved mode parameters. ATR widens the stop in rough
// markets so ordinary noise does not knock the position out.
func (e *Executor) armProtection(st *state.InstrumentState, params mode.Params, entry float64) {
	atrFrac := 0.0
	if entry > 0 {
		atrFrac = st.Indicators.ATR / entry
	}

	slDist := params.StopLossRatio
	if widened := 1.5 * atrFrac; widened > slDist {
		slDist = widened
	}
	tpDist := e.takeProfitRatio
	if widened := atrFrac; widened > tpDist {
		tpDist = widened
	}

	st.StopLoss = entry * (1 - slDist)
	st.TakeProfit = entry * (1 + tpDist)
	st.TrailingStop = entry * (1 - e.trailingPercent)
}

// ReconcilePending checks a resting order on a later cycle and settles or
// clears it. Returns true when the marker was resolved. A stale order is
// cancelled at the venue before the marker is dropped; if the cancel
// fails because the order filled meanwhile, the next cycle's balance
// refresh re-syncs local state from the venue.
func (e *Executor) ReconcilePending(ctx context.Context, st *state.InstrumentState, params mode.Params) bool {
	if st.Pending == nil {
		return false
	}
	// Resting orders that never fill are abandoned after a grace period.
	if time.Since(st.Pending.PlacedAt) > 10*time.Minute {
		if err := e.gw.CancelOrder(ctx, st.Symbol, st.Pending.ClientOrderID); err != nil {
			e.logger.Warn().Str("symbol", st.Symbol).Int64("order_id", st.Pending.OrderID).Err(err).Msg("cancel of stale pending order failed")
		}
		e.logger.Warn().Str("symbol", st.Symbol).Int64("order_id", st.Pending.OrderID).Msg("abandoning stale pending order")
		st.Pending = nil
		e.persist(ctx, st)
		return true
	}
	return false
}

func (e *Executor) recordFailure(st *state.InstrumentState, err error) {
	st.ConsecutiveAPIFailures++
	st.TotalErrors++
	e.logger.Warn().
		Str("symbol", st.Symbol).
		Int("consecutive_failures", st.ConsecutiveAPIFailures).
		Err(err).
		Msg("gateway operation failed")
}

func (e *Executor) persist(ctx context.Context, st *state.InstrumentState) {
	if err := e.store.SaveState(ctx, st); err != nil {
		e.logger.Error().Str("symbol", st.Symbol).Err(err).Msg("state persist failed")
	}
}
