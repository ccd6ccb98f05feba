package admission

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"aggro-trading-bot/config"
	"aggro-trading-bot/internal/emergency"
	"aggro-trading-bot/internal/gateway"
	"aggro-trading-bot/internal/state"
)

func testSetup() (*Controller, *gateway.MockGateway, *emergency.Registry) {
	logger := zerolog.New(io.Discard)
	cfg := config.Default()
	mock := gateway.NewMockGateway()
	registry := emergency.NewRegistry(time.Hour, 5*time.Minute, logger)
	ctl := NewController(cfg.AdmissionConfig, cfg.FeeConfig, cfg.TradingConfig.MaxTradesPerDay, mock, registry, logger)
	return ctl, mock, registry
}

func liquidInstrument() *state.InstrumentState {
	st := state.New("BTCUSDT", 20)
	st.Balances["USDT"] = 1000
	st.Volume24h = 5_000_000
	st.Indicators.Volatility = 0.005
	return st
}

func hasReason(d Decision, substr string) bool {
	for _, r := range d.Reasons {
		if strings.Contains(r, substr) {
			return true
		}
	}
	return false
}

func TestApprovesHealthyCandidate(t *testing.T) {
	ctl, mock, _ := testSetup()
	mock.SetPrice("BTCUSDT", 50000)
	st := liquidInstrument()

	d := ctl.Evaluate(context.Background(), st, Candidate{
		Side: gateway.SideBuy, Quantity: 0.002, Price: 50000,
	}, 1_000_000, false)
	if !d.Approved {
		t.Fatalf("healthy candidate rejected: %v", d.Reasons)
	}
}

func TestCircuitBreakerShortCircuits(t *testing.T) {
	ctl, mock, registry := testSetup()
	st := liquidInstrument()
	st.ConsecutiveAPIFailures = 8

	before := mock.Calls()
	d := ctl.Evaluate(context.Background(), st, Candidate{
		Side: gateway.SideBuy, Quantity: 0.002, Price: 50000,
	}, 1_000_000, false)

	if d.Approved {
		t.Fatal("open breaker must reject")
	}
	if got := mock.Calls(); got != before {
		t.Fatalf("breaker rejection made %d gateway calls, want 0", got-before)
	}
	if !registry.IsActive("BTCUSDT") {
		t.Fatal("breaker rejection must register a circuit_breaker trigger")
	}
	found := false
	for _, kind := range registry.ActiveKinds("BTCUSDT") {
		if kind == emergency.KindCircuitBreaker {
			found = true
		}
	}
	if !found {
		t.Fatalf("active kinds %v missing circuit_breaker", registry.ActiveKinds("BTCUSDT"))
	}
}

func TestRejectsThinBook(t *testing.T) {
	ctl, mock, registry := testSetup()
	mock.SetPrice("BTCUSDT", 50000)
	// Pin a book too thin for 1.8x the candidate notional (100 USDT).
	mock.SetDepth("BTCUSDT", &gateway.Depth{
		Bids: []gateway.PriceLevel{{Price: 49990, Quantity: 0.001}},
		Asks: []gateway.PriceLevel{{Price: 50010, Quantity: 0.001}},
	})
	st := liquidInstrument()

	d := ctl.Evaluate(context.Background(), st, Candidate{
		Side: gateway.SideBuy, Quantity: 0.002, Price: 50000,
	}, 1_000_000, false)

	if d.Approved {
		t.Fatal("thin book must reject")
	}
	if !hasReason(d, "depth") {
		t.Fatalf("reasons %v should name book depth", d.Reasons)
	}
	if !registry.IsActive("BTCUSDT") {
		t.Fatal("thin book should register a low_liquidity trigger")
	}
}

func TestRejectsLowVolume(t *testing.T) {
	ctl, mock, _ := testSetup()
	mock.SetPrice("BTCUSDT", 50000)
	st := liquidInstrument()
	st.Volume24h = 100_000

	d := ctl.Evaluate(context.Background(), st, Candidate{
		Side: gateway.SideBuy, Quantity: 0.002, Price: 50000,
	}, 1_000_000, false)
	if d.Approved || !hasReason(d, "volume") {
		t.Fatalf("low volume not rejected: %v", d.Reasons)
	}
}

func TestUrgentRelaxesVolumeFloor(t *testing.T) {
	ctl, mock, _ := testSetup()
	mock.SetPrice("BTCUSDT", 50000)
	st := liquidInstrument()
	st.Volume24h = 600_000 // below the normal floor, above the urgent one

	d := ctl.Evaluate(context.Background(), st, Candidate{
		Side: gateway.SideSell, Quantity: 0.002, Price: 50000, Urgent: true,
	}, 1_000_000, false)
	if hasReason(d, "volume") {
		t.Fatalf("urgent sell should use the relaxed volume floor: %v", d.Reasons)
	}
}

func TestRejectsInsufficientBalance(t *testing.T) {
	ctl, mock, _ := testSetup()
	mock.SetPrice("BTCUSDT", 50000)
	st := liquidInstrument()
	st.Balances["USDT"] = 50

	d := ctl.Evaluate(context.Background(), st, Candidate{
		Side: gateway.SideBuy, Quantity: 0.002, Price: 50000,
	}, 1_000_000, false)
	if d.Approved || !hasReason(d, "insufficient") {
		t.Fatalf("insufficient balance not rejected: %v", d.Reasons)
	}
}

func TestRejectsHighVolatility(t *testing.T) {
	ctl, mock, _ := testSetup()
	mock.SetPrice("BTCUSDT", 50000)
	st := liquidInstrument()
	st.Indicators.Volatility = 0.08

	d := ctl.Evaluate(context.Background(), st, Candidate{
		Side: gateway.SideBuy, Quantity: 0.002, Price: 50000,
	}, 1_000_000, false)
	if d.Approved || !hasReason(d, "volatility") {
		t.Fatalf("extreme volatility not rejected: %v", d.Reasons)
	}
}

func TestUrgentBypassesVolatility(t *testing.T) {
	ctl, mock, _ := testSetup()
	mock.SetPrice("BTCUSDT", 50000)
	st := liquidInstrument()
	st.Balances["BTC"] = 1
	st.Indicators.Volatility = 0.08

	d := ctl.Evaluate(context.Background(), st, Candidate{
		Side: gateway.SideSell, Quantity: 0.002, Price: 50000, Urgent: true,
	}, 1_000_000, false)
	if hasReason(d, "volatility") {
		t.Fatalf("urgent ops must bypass the volatility ceiling: %v", d.Reasons)
	}
}

func TestRejectsDailyTradeCap(t *testing.T) {
	ctl, mock, _ := testSetup()
	mock.SetPrice("BTCUSDT", 50000)
	st := liquidInstrument()
	st.TradesToday = 60

	d := ctl.Evaluate(context.Background(), st, Candidate{
		Side: gateway.SideBuy, Quantity: 0.002, Price: 50000,
	}, 1_000_000, false)
	if d.Approved || !hasReason(d, "trade cap") {
		t.Fatalf("trade cap not enforced: %v", d.Reasons)
	}
}

func TestRecoveryModeBlocksLargeNotional(t *testing.T) {
	ctl, mock, _ := testSetup()
	mock.SetPrice("BTCUSDT", 50000)
	st := liquidInstrument()

	d := ctl.Evaluate(context.Background(), st, Candidate{
		Side: gateway.SideBuy, Quantity: 0.004, Price: 50000, // 200 USDT > 100 ceiling
	}, 1_000_000, true)
	if d.Approved || !hasReason(d, "recovery") {
		t.Fatalf("recovery ceiling not enforced: %v", d.Reasons)
	}
}

func TestUnreachableVenueRejectsEvenUrgent(t *testing.T) {
	ctl, mock, registry := testSetup()
	st := liquidInstrument()
	st.Balances["BTC"] = 1
	mock.FailNext(10, gateway.ErrUnreachable)

	d := ctl.Evaluate(context.Background(), st, Candidate{
		Side: gateway.SideSell, Quantity: 0.002, Price: 50000, Urgent: true,
	}, 1_000_000, false)
	if d.Approved {
		t.Fatal("unreachable venue must reject even urgent candidates")
	}
	if !registry.IsActive("BTCUSDT") {
		t.Fatal("unreachability should register a no_connectivity trigger")
	}
}
