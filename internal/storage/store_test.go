package storage

import (
	"context"
	"testing"
	"time"

	"aggro-trading-bot/internal/state"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	st := state.New("BTCUSDT", 20)
	st.Balances["USDT"] = 512.5
	st.TradesToday = 7
	st.Indicators.RSI = 31.2

	if err := store.SaveState(ctx, st); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := store.LoadState(ctx, "BTCUSDT")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded == nil {
		t.Fatal("load returned nil for a saved symbol")
	}
	if loaded.Balances["USDT"] != 512.5 || loaded.TradesToday != 7 || loaded.Indicators.RSI != 31.2 {
		t.Fatalf("snapshot fields lost: %+v", loaded)
	}

	// Mutating the original must not reach the stored copy.
	st.TradesToday = 99
	again, _ := store.LoadState(ctx, "BTCUSDT")
	if again.TradesToday != 7 {
		t.Fatal("store shares memory with the caller's state")
	}
}

func TestLoadMissReturnsNil(t *testing.T) {
	store := NewMemoryStore()
	st, err := store.LoadState(context.Background(), "NOPEUSDT")
	if err != nil {
		t.Fatalf("miss should not error: %v", err)
	}
	if st != nil {
		t.Fatal("miss should return nil state")
	}
}

func TestCorruptSnapshotRejected(t *testing.T) {
	if _, err := decodeState([]byte(`{"symbol":""}`)); err == nil {
		t.Fatal("empty symbol should fail validation")
	}
	if _, err := decodeState([]byte(`not json`)); err == nil {
		t.Fatal("malformed JSON should fail decoding")
	}
	if _, err := decodeState([]byte(`{"symbol":"BTCUSDT","in_position":true,"entry_price":0}`)); err == nil {
		t.Fatal("inconsistent position should fail validation")
	}
}

func TestTradeLogAppendOnly(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := store.LogTrade(ctx, TradeRecord{
			Symbol:     "BTCUSDT",
			Side:       "BUY",
			Quantity:   0.001,
			Price:      50000,
			ExecutedAt: time.Now().UTC(),
		}); err != nil {
			t.Fatalf("log trade: %v", err)
		}
	}
	if got := len(store.Trades()); got != 3 {
		t.Fatalf("trade log has %d entries, want 3", got)
	}
}
