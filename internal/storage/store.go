// Package storage persists instrument state snapshots and an append-only
// trade log. A load miss is not an error; callers initialize fresh state.
package storage

import (
	"context"
	"sync"
	"time"

	"aggro-trading-bot/internal/state"
)

// TradeRecord is one appended trade/metrics log entry.
type TradeRecord struct {
	Symbol     string    `json:"symbol"`
	Side       string    `json:"side"`
	Quantity   float64   `json:"quantity"`
	Price      float64   `json:"price"`
	Notional   float64   `json:"notional"`
	Fee        float64   `json:"fee"`
	PnL        float64   `json:"pnl"`
	ExitReason string    `json:"exit_reason,omitempty"`
	Urgent     bool      `json:"urgent"`
	ExecutedAt time.Time `json:"executed_at"`
}

// Store is the persistence collaborator. LoadState returns (nil, nil) on a
// miss so callers can distinguish "no snapshot" from real failures.
type Store interface {
	LoadState(ctx context.Context, symbol string) (*state.InstrumentState, error)
	SaveState(ctx context.Context, st *state.InstrumentState) error
	LogTrade(ctx context.Context, rec TradeRecord) error
	Close()
}

// MemoryStore keeps everything in the process. It backs simulation mode
// and tests, and serves as the fallback when no database is configured.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string][]byte
	trades []TradeRecord
}

// NewMemoryStore returns an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string][]byte)}
}

func (m *MemoryStore) LoadState(_ context.Context, symbol string) (*state.InstrumentState, error) {
	m.mu.RLock()
	raw, ok := m.states[symbol]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return decodeState(raw)
}

func (m *MemoryStore) SaveState(_ context.Context, st *state.InstrumentState) error {
	raw, err := encodeState(st)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.states[st.Symbol] = raw
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) LogTrade(_ context.Context, rec TradeRecord) error {
	m.mu.Lock()
	m.trades = append(m.trades, rec)
	m.mu.Unlock()
	return nil
}

// Trades returns a copy of the logged trades, oldest first.
func (m *MemoryStore) Trades() []TradeRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]TradeRecord, len(m.trades))
	copy(out, m.trades)
	return out
}

func (m *MemoryStore) Close() {}

var _ Store = (*MemoryStore)(nil)
