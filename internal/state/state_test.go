package state

import (
	"testing"
	"time"
)

func TestSplitSymbol(t *testing.T) {
	cases := []struct {
		symbol, base, quote string
	}{
		{"BTCUSDT", "BTC", "USDT"},
		{"ETHBTC", "ETH", "BTC"},
		{"SOLUSDC", "SOL", "USDC"},
		{"BNBBUSD", "BNB", "BUSD"},
	}
	for _, c := range cases {
		base, quote := SplitSymbol(c.symbol)
		if base != c.base || quote != c.quote {
			t.Errorf("SplitSymbol(%s) = %s/%s, want %s/%s", c.symbol, base, quote, c.base, c.quote)
		}
	}
}

func TestHistoryBounded(t *testing.T) {
	h := &History{}
	for i := 0; i < HistoryCapacity+50; i++ {
		h.Append(float64(i), 1)
	}
	if h.Len() != HistoryCapacity {
		t.Fatalf("history length = %d, want %d", h.Len(), HistoryCapacity)
	}
	if h.Last() != float64(HistoryCapacity+49) {
		t.Fatalf("last = %v, want newest sample retained", h.Last())
	}
	if h.Prices()[0] != 50 {
		t.Fatalf("oldest retained = %v, want 50", h.Prices()[0])
	}
}

func TestRollClockDayBoundary(t *testing.T) {
	st := New("BTCUSDT", 20)
	st.Balances["USDT"] = 900
	st.TradesToday = 12
	st.RealizedToday = -15
	st.RecoveryMode = true
	st.CurrentDay = "2026-08-31"

	st.RollClock(time.Date(2026, 9, 1, 0, 0, 5, 0, time.UTC))

	if st.TradesToday != 0 {
		t.Errorf("TradesToday = %d, want 0 after day roll", st.TradesToday)
	}
	if st.RealizedToday != 0 {
		t.Errorf("RealizedToday = %v, want 0 after day roll", st.RealizedToday)
	}
	if st.RecoveryMode {
		t.Error("RecoveryMode should reset at the day boundary")
	}
	if st.DayPeakBalance != 900 {
		t.Errorf("DayPeakBalance = %v, want reseeded from quote balance", st.DayPeakBalance)
	}
}

func TestRollClockHourBoundary(t *testing.T) {
	st := New("BTCUSDT", 20)
	st.RealizedHour = 3
	st.CurrentHour = 9

	now := time.Date(2026, 9, 1, 10, 0, 1, 0, time.UTC)
	st.CurrentDay = now.Format("2006-01-02")
	st.RollClock(now)

	if st.RealizedHour != 0 {
		t.Errorf("RealizedHour = %v, want 0 after hour roll", st.RealizedHour)
	}
}

func TestAddBalanceClampsResidue(t *testing.T) {
	st := New("BTCUSDT", 20)
	st.Balances["USDT"] = 0.1
	st.AddBalance("USDT", -0.1-1e-12)
	if st.Balance("USDT") != 0 {
		t.Fatalf("residue balance = %v, want clamped to 0", st.Balance("USDT"))
	}
}

func TestValidateRejectsCorruptState(t *testing.T) {
	st := New("BTCUSDT", 20)
	if err := st.Validate(); err != nil {
		t.Fatalf("fresh state should validate: %v", err)
	}

	st.InPosition = true
	st.EntryPrice = 0
	if err := st.Validate(); err == nil {
		t.Error("in position with zero entry price should fail validation")
	}

	st = New("BTCUSDT", 20)
	st.Balances["USDT"] = -5
	if err := st.Validate(); err == nil {
		t.Error("negative balance should fail validation")
	}
}

func TestDailyDrawdown(t *testing.T) {
	st := New("BTCUSDT", 20)
	st.DayPeakBalance = 1000
	st.Balances["USDT"] = 950
	if dd := st.DailyDrawdown(); dd != 0.05 {
		t.Fatalf("drawdown = %v, want 0.05", dd)
	}
	st.Balances["USDT"] = 1100
	if dd := st.DailyDrawdown(); dd != 0 {
		t.Fatalf("drawdown above peak = %v, want 0", dd)
	}
}

func TestClearPosition(t *testing.T) {
	st := New("BTCUSDT", 20)
	st.InPosition = true
	st.EntryPrice = 100
	st.EntryQty = 1
	st.StopLoss = 99
	st.TakeProfit = 101
	st.TrailingStop = 99.5
	st.HighWaterMark = 100.5

	st.ClearPosition()
	if st.InPosition || st.EntryPrice != 0 || st.StopLoss != 0 || st.TakeProfit != 0 || st.TrailingStop != 0 || st.HighWaterMark != 0 {
		t.Fatalf("position fields not cleared: %+v", st)
	}
}

func TestTradeStats(t *testing.T) {
	var ts TradeStats
	ts.Record(10)
	ts.Record(20)
	ts.Record(-5)

	if got := ts.WinRate(); got < 0.66 || got > 0.67 {
		t.Errorf("win rate = %v, want ~0.667", got)
	}
	if got := ts.AvgWin(); got != 15 {
		t.Errorf("avg win = %v, want 15", got)
	}
	if got := ts.AvgLoss(); got != 5 {
		t.Errorf("avg loss = %v, want 5", got)
	}
}

func TestAlertContextSnapshotsInstrument(t *testing.T) {
	st := New("BTCUSDT", 20)
	st.Balances["USDT"] = 500
	st.LastPrice = 50000
	st.TotalErrors = 4
	st.RejectedOrders = 2
	st.ConsecutiveAPIFailures = 1

	payload := st.AlertContext(map[string]interface{}{"drawdown": 0.06})

	if payload["last_price"] != 50000.0 {
		t.Errorf("last_price = %v, want 50000", payload["last_price"])
	}
	if payload["drawdown"] != 0.06 {
		t.Errorf("extra field not merged: %v", payload["drawdown"])
	}
	counts := payload["error_counts"].(map[string]int)
	if counts["total"] != 4 || counts["rejected_orders"] != 2 || counts["consecutive_api_failures"] != 1 {
		t.Errorf("error counts = %v", counts)
	}

	// The balances snapshot must be detached from the live map.
	balances := payload["balances"].(map[string]float64)
	if balances["USDT"] != 500 {
		t.Fatalf("balances = %v", balances)
	}
	st.Balances["USDT"] = 0
	if balances["USDT"] != 500 {
		t.Error("payload balances must not alias the instrument map")
	}
}
