package execution

import (
	"context"
	"errors"
	"io"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"aggro-trading-bot/config"
	"aggro-trading-bot/internal/admission"
	"aggro-trading-bot/internal/emergency"
	"aggro-trading-bot/internal/gateway"
	"aggro-trading-bot/internal/mode"
	"aggro-trading-bot/internal/state"
	"aggro-trading-bot/internal/storage"
)

func floatEquals(a, b, tolerance float64) bool {
	return math.Abs(a-b) <= tolerance
}

type execFixture struct {
	executor *Executor
	mock     *gateway.MockGateway
	store    *storage.MemoryStore
	registry *emergency.Registry
	params   mode.Params
}

func newFixture() *execFixture {
	logger := zerolog.New(io.Discard)
	cfg := config.Default()
	mock := gateway.NewMockGateway()
	store := storage.NewMemoryStore()
	registry := emergency.NewRegistry(time.Hour, 5*time.Minute, logger)

	fees := NewFeeSchedule(cfg.FeeConfig)
	adm := admission.NewController(cfg.AdmissionConfig, cfg.FeeConfig,
		cfg.TradingConfig.MaxTradesPerDay, mock, registry, logger)
	exec := NewExecutor(mock, adm, fees, registry, store,
		cfg.AdmissionConfig.UrgentSpread, cfg.RiskConfig.TakeProfitRatio,
		cfg.RiskConfig.TrailingPercent, logger)

	return &execFixture{
		executor: exec,
		mock:     mock,
		store:    store,
		registry: registry,
		params: mode.Params{
			RiskPerTrade:   cfg.RiskConfig.RiskPerTrade,
			MinProfitRatio: cfg.TradingConfig.MinProfitRate,
			StopLossRatio:  cfg.RiskConfig.StopLossRatio,
			MaxPositionUSD: cfg.RiskConfig.MaxPositionUSD,
		},
	}
}

func tradableState(mock *gateway.MockGateway) *state.InstrumentState {
	mock.SetPrice("BTCUSDT", 50000)
	st := state.New("BTCUSDT", 20)
	st.Balances["USDT"] = 1000
	st.LastPrice = 50000
	st.Volume24h = 5_000_000
	st.Indicators.Volatility = 0.005
	st.Indicators.ATR = 100
	return st
}

func TestBuySellRoundTripConservesBalances(t *testing.T) {
	f := newFixture()
	st := tradableState(f.mock)
	ctx := context.Background()

	buy, err := f.executor.Execute(ctx, st, f.params, 1_000_000, Request{
		Side: gateway.SideBuy, Quantity: 0.002,
	})
	if err != nil {
		t.Fatalf("buy failed: %v", err)
	}
	if !st.InPosition {
		t.Fatal("buy fill must open the position")
	}
	if st.StopLoss <= 0 || st.TakeProfit <= st.EntryPrice || st.TrailingStop <= 0 {
		t.Fatalf("protection levels not armed: sl=%v tp=%v trail=%v", st.StopLoss, st.TakeProfit, st.TrailingStop)
	}
	if !floatEquals(st.Balance("BTC"), 0.002, 1e-12) {
		t.Fatalf("base balance = %v, want 0.002", st.Balance("BTC"))
	}

	sell, err := f.executor.Execute(ctx, st, f.params, 1_000_000, Request{
		Side: gateway.SideSell, Quantity: 0.002, Urgent: true, Panic: true, Reason: "test exit",
	})
	if err != nil {
		t.Fatalf("sell failed: %v", err)
	}
	if st.InPosition {
		t.Fatal("sell fill must close the position")
	}
	if !floatEquals(st.Balance("BTC"), 0, 1e-12) {
		t.Fatalf("base balance after round trip = %v, want 0", st.Balance("BTC"))
	}

	// Same fill price both ways: the quote balance ends exactly the
	// starting amount minus the two fees.
	want := 1000 - buy.Fee - sell.Fee
	if !floatEquals(st.Balance("USDT"), want, 1e-9) {
		t.Fatalf("quote balance = %v, want %v", st.Balance("USDT"), want)
	}
	if st.TradesToday != 2 {
		t.Errorf("TradesToday = %d, want 2", st.TradesToday)
	}

	trades := f.store.Trades()
	if len(trades) != 2 {
		t.Fatalf("trade log has %d entries, want 2", len(trades))
	}
	if trades[1].ExitReason != "test exit" {
		t.Errorf("exit reason = %q", trades[1].ExitReason)
	}
}

func TestSellBooksPnLIntoStats(t *testing.T) {
	f := newFixture()
	st := tradableState(f.mock)
	ctx := context.Background()

	if _, err := f.executor.Execute(ctx, st, f.params, 1_000_000, Request{
		Side: gateway.SideBuy, Quantity: 0.002,
	}); err != nil {
		t.Fatalf("buy failed: %v", err)
	}

	// Price rallies before the exit.
	f.mock.SetPrice("BTCUSDT", 51000)
	st.LastPrice = 51000

	sell, err := f.executor.Execute(ctx, st, f.params, 1_000_000, Request{
		Side: gateway.SideSell, Quantity: 0.002, Urgent: true,
	})
	if err != nil {
		t.Fatalf("sell failed: %v", err)
	}
	if sell.PnL <= 0 {
		t.Fatalf("PnL on a rally = %v, want > 0", sell.PnL)
	}
	if st.Stats.Wins != 1 {
		t.Errorf("wins = %d, want 1", st.Stats.Wins)
	}
	if !floatEquals(st.RealizedToday, sell.PnL, 1e-9) {
		t.Errorf("RealizedToday = %v, want %v", st.RealizedToday, sell.PnL)
	}
}

func TestVenueRejectionDoesNotTouchBalances(t *testing.T) {
	f := newFixture()
	st := tradableState(f.mock)
	f.mock.ForceOrderStatus(gateway.StatusRejected)

	_, err := f.executor.Execute(context.Background(), st, f.params, 1_000_000, Request{
		Side: gateway.SideBuy, Quantity: 0.002,
	})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("err = %v, want ErrRejected", err)
	}
	if st.Balance("USDT") != 1000 || st.Balance("BTC") != 0 {
		t.Fatalf("balances moved on rejection: USDT=%v BTC=%v", st.Balance("USDT"), st.Balance("BTC"))
	}
	if st.InPosition {
		t.Fatal("rejection must not open a position")
	}
	if st.RejectedOrders != 1 {
		t.Errorf("RejectedOrders = %d, want 1", st.RejectedOrders)
	}
}

func TestRestingOrderRecordsPendingMarker(t *testing.T) {
	f := newFixture()
	st := tradableState(f.mock)
	f.mock.ForceOrderStatus(gateway.StatusNew)

	fill, err := f.executor.Execute(context.Background(), st, f.params, 1_000_000, Request{
		Side: gateway.SideBuy, Quantity: 0.002,
	})
	if err != nil {
		t.Fatalf("resting order errored: %v", err)
	}
	if fill.Status != gateway.StatusNew {
		t.Fatalf("status = %s, want NEW", fill.Status)
	}
	if st.Pending == nil {
		t.Fatal("resting order must leave a pending marker")
	}
	if st.Balance("USDT") != 1000 {
		t.Fatal("resting order must not move balances")
	}

	// Well past the grace period the order is cancelled at the venue and
	// the marker abandoned.
	clientID := st.Pending.ClientOrderID
	st.Pending.PlacedAt = time.Now().Add(-time.Hour)
	if !f.executor.ReconcilePending(context.Background(), st, f.params) {
		t.Fatal("stale pending marker should be resolved")
	}
	if st.Pending != nil {
		t.Fatal("stale pending marker should be cleared")
	}
	cancelled := f.mock.Cancelled()
	if len(cancelled) != 1 || cancelled[0] != clientID {
		t.Fatalf("cancelled orders = %v, want [%s]", cancelled, clientID)
	}
}

func TestPartialFillSettlesExecutedQuantity(t *testing.T) {
	f := newFixture()
	st := tradableState(f.mock)
	f.mock.ForceOrderStatus(gateway.StatusPartiallyFilled)

	fill, err := f.executor.Execute(context.Background(), st, f.params, 1_000_000, Request{
		Side: gateway.SideBuy, Quantity: 0.002,
	})
	if err != nil {
		t.Fatalf("partial fill errored: %v", err)
	}
	if !floatEquals(fill.ExecutedQty, 0.001, 1e-12) {
		t.Fatalf("executed qty = %v, want half the request", fill.ExecutedQty)
	}
	if !floatEquals(st.Balance("BTC"), 0.001, 1e-12) {
		t.Fatalf("base balance = %v, want 0.001", st.Balance("BTC"))
	}
	if st.EntryQty != fill.ExecutedQty {
		t.Errorf("entry qty = %v, want executed %v", st.EntryQty, fill.ExecutedQty)
	}
}

func TestPartialSellKeepsRemainderProtected(t *testing.T) {
	f := newFixture()
	st := tradableState(f.mock)
	ctx := context.Background()

	if _, err := f.executor.Execute(ctx, st, f.params, 1_000_000, Request{
		Side: gateway.SideBuy, Quantity: 0.002,
	}); err != nil {
		t.Fatalf("buy failed: %v", err)
	}
	stopLoss, takeProfit := st.StopLoss, st.TakeProfit

	f.mock.ForceOrderStatus(gateway.StatusPartiallyFilled)
	sell, err := f.executor.Execute(ctx, st, f.params, 1_000_000, Request{
		Side: gateway.SideSell, Quantity: 0.002, Urgent: true, Panic: true,
	})
	if err != nil {
		t.Fatalf("partial sell failed: %v", err)
	}
	if !floatEquals(sell.ExecutedQty, 0.001, 1e-12) {
		t.Fatalf("executed qty = %v, want half the request", sell.ExecutedQty)
	}

	// Half the position is still in the book and must stay protected.
	if !st.InPosition {
		t.Fatal("partial sell must not close the whole position")
	}
	if !floatEquals(st.EntryQty, 0.001, 1e-12) {
		t.Fatalf("entry qty = %v, want the unsold remainder 0.001", st.EntryQty)
	}
	if st.StopLoss != stopLoss || st.TakeProfit != takeProfit {
		t.Fatal("protection levels must survive a partial exit")
	}

	// Selling the remainder closes the position.
	if _, err := f.executor.Execute(ctx, st, f.params, 1_000_000, Request{
		Side: gateway.SideSell, Quantity: st.EntryQty, Urgent: true, Panic: true,
	}); err != nil {
		t.Fatalf("closing sell failed: %v", err)
	}
	if st.InPosition || st.EntryQty != 0 {
		t.Fatalf("position not closed after full exit: qty=%v", st.EntryQty)
	}
}

func TestExhaustedRetriesRegisterBreakerTrigger(t *testing.T) {
	f := newFixture()
	st := tradableState(f.mock)
	f.mock.FailNext(100, gateway.ErrUnreachable)

	_, err := f.executor.Execute(context.Background(), st, f.params, 1_000_000, Request{
		Side: gateway.SideSell, Quantity: 0.002, Urgent: true, Panic: true,
	})
	if err == nil {
		t.Fatal("unreachable venue should fail the operation")
	}
	if st.ConsecutiveAPIFailures == 0 {
		t.Error("failure streak should grow")
	}
	if !f.registry.IsActive("BTCUSDT") {
		t.Error("exhausted retries should register a breaker trigger")
	}
	if st.Balance("USDT") != 1000 {
		t.Error("failed operation must not move balances")
	}
}

func TestWalkBookVWAP(t *testing.T) {
	levels := []gateway.PriceLevel{
		{Price: 100, Quantity: 1},
		{Price: 101, Quantity: 1},
		{Price: 102, Quantity: 10},
	}

	// Fully inside the first level.
	if got := walkBook(levels, 0.5); got != 100 {
		t.Errorf("VWAP within first level = %v, want 100", got)
	}

	// Spanning two levels equally.
	if got := walkBook(levels, 2); !floatEquals(got, 100.5, 1e-9) {
		t.Errorf("VWAP across two levels = %v, want 100.5", got)
	}

	// Empty book.
	if got := walkBook(nil, 1); got != 0 {
		t.Errorf("VWAP of empty book = %v, want 0", got)
	}
}

func TestCostBenefitGateBlocksFeeHeavyTrades(t *testing.T) {
	f := newFixture()
	st := tradableState(f.mock)

	params := f.params
	params.MinProfitRatio = 0.001 // fee 0.1% now exceeds 70% of the edge

	_, err := f.executor.Execute(context.Background(), st, params, 1_000_000, Request{
		Side: gateway.SideBuy, Quantity: 0.002,
	})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("err = %v, want ErrRejected from the cost-benefit gate", err)
	}

	// Panic exits ignore the gate.
	st.Balances["BTC"] = 0.002
	if _, err := f.executor.Execute(context.Background(), st, params, 1_000_000, Request{
		Side: gateway.SideSell, Quantity: 0.002, Urgent: true, Panic: true,
	}); err != nil {
		t.Fatalf("panic exit blocked by cost-benefit gate: %v", err)
	}
}
