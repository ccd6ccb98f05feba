// Package emergency tracks per-instrument fault triggers and derives the
// aggregate system alert level. The Registry is the single writer for
// trigger state; every other component only reads snapshots.
package emergency

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// TriggerKind identifies the condition that raised a trigger.
type TriggerKind string

const (
	KindDailyLoss         TriggerKind = "daily_loss"
	KindExtremeVolatility TriggerKind = "extreme_volatility"
	KindErrorRate         TriggerKind = "error_rate"
	KindSlippage          TriggerKind = "slippage"
	KindRejectedOrders    TriggerKind = "rejected_orders"
	KindHighLatency       TriggerKind = "high_latency"
	KindLowLiquidity      TriggerKind = "low_liquidity"
	KindLowVolume         TriggerKind = "low_volume"
	KindNoConnectivity    TriggerKind = "no_connectivity"
	KindCircuitBreaker    TriggerKind = "circuit_breaker"
	KindHighSpread        TriggerKind = "high_spread"
)

// SystemState is the aggregate alert level.
type SystemState string

const (
	StateNormal    SystemState = "NORMAL"
	StateAlert     SystemState = "ALERT"     // advisory only
	StateEmergency SystemState = "EMERGENCY" // pauses all instrument cycles
)

// Trigger is one active fault condition on an instrument.
type Trigger struct {
	Symbol    string                 `json:"symbol"`
	Kind      TriggerKind            `json:"kind"`
	FirstSeen time.Time              `json:"first_seen"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// Event is the structured record emitted to the alerting collaborator when
// an instrument's triggers change materially.
type Event struct {
	Symbol       string             `json:"symbol"`
	TriggerKinds []TriggerKind      `json:"trigger_kinds"`
	Timestamp    time.Time          `json:"timestamp"`
	Balances     map[string]float64 `json:"balances,omitempty"`
	LastPrice    float64            `json:"last_price,omitempty"`
	ErrorCounts  map[string]int     `json:"error_counts,omitempty"`
}

// Notifier receives emergency events. Implementations must not block the
// registry; slow sinks should buffer internally.
type Notifier interface {
	NotifyEmergency(evt Event)
}

// Registry holds active triggers per instrument.
type Registry struct {
	mu       sync.RWMutex
	triggers map[string]map[TriggerKind]*Trigger
	ttl      time.Duration
	alertAge time.Duration
	notifier Notifier
	logger   zerolog.Logger
	now      func() time.Time
}

// NewRegistry builds a registry with the given trigger TTL and alert window.
func NewRegistry(ttl, alertWindow time.Duration, logger zerolog.Logger) *Registry {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if alertWindow <= 0 {
		alertWindow = 5 * time.Minute
	}
	return &Registry{
		triggers: make(map[string]map[TriggerKind]*Trigger),
		ttl:      ttl,
		alertAge: alertWindow,
		logger:   logger.With().Str("component", "emergency").Logger(),
		now:      time.Now,
	}
}

// SetNotifier attaches the alerting collaborator.
func (r *Registry) SetNotifier(n Notifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifier = n
}

// SetClock overrides the time source, for tests.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// RegisterEvent upserts a trigger. The first-seen timestamp survives
// repeated registrations of the same condition. The payload's balances,
// last_price and error_counts entries are lifted onto the emitted Event.
func (r *Registry) RegisterEvent(symbol string, kind TriggerKind, payload map[string]interface{}) {
	r.mu.Lock()
	byKind, ok := r.triggers[symbol]
	if !ok {
		byKind = make(map[TriggerKind]*Trigger)
		r.triggers[symbol] = byKind
	}
	existing, had := byKind[kind]
	if had {
		existing.Payload = payload
		r.mu.Unlock()
		return
	}
	trig := &Trigger{Symbol: symbol, Kind: kind, FirstSeen: r.now(), Payload: payload}
	byKind[kind] = trig
	kinds := activeKindsLocked(byKind)
	notifier := r.notifier
	r.mu.Unlock()

	r.logger.Warn().Str("symbol", symbol).Str("kind", string(kind)).Msg("emergency trigger registered")

	if notifier != nil {
		notifier.NotifyEmergency(Event{
			Symbol:       symbol,
			TriggerKinds: kinds,
			Timestamp:    trig.FirstSeen,
			Balances:     asBalances(payload["balances"]),
			LastPrice:    asFloat(payload["last_price"]),
			ErrorCounts:  asErrorCounts(payload["error_counts"]),
		})
	}
}

// ClearTrigger removes a trigger once its condition has resolved.
func (r *Registry) ClearTrigger(symbol string, kind TriggerKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byKind, ok := r.triggers[symbol]
	if !ok {
		return
	}
	if _, had := byKind[kind]; had {
		delete(byKind, kind)
		if len(byKind) == 0 {
			delete(r.triggers, symbol)
		}
		r.logger.Info().Str("symbol", symbol).Str("kind", string(kind)).Msg("emergency trigger cleared")
	}
}

// IsActive reports whether any unexpired trigger is present for the
// instrument. Triggers past TTL never report active, even between sweeps.
func (r *Registry) IsActive(symbol string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cutoff := r.now().Add(-r.ttl)
	for _, trig := range r.triggers[symbol] {
		if !trig.FirstSeen.Before(cutoff) {
			return true
		}
	}
	return false
}

// ActiveKinds returns the unexpired trigger kinds raised for an instrument.
func (r *Registry) ActiveKinds(symbol string) []TriggerKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cutoff := r.now().Add(-r.ttl)
	kinds := make([]TriggerKind, 0, len(r.triggers[symbol]))
	for kind, trig := range r.triggers[symbol] {
		if !trig.FirstSeen.Before(cutoff) {
			kinds = append(kinds, kind)
		}
	}
	return kinds
}

// Sweep removes all triggers older than the TTL and returns how many were
// dropped.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-r.ttl)
	removed := 0
	for symbol, byKind := range r.triggers {
		for kind, trig := range byKind {
			if trig.FirstSeen.Before(cutoff) {
				delete(byKind, kind)
				removed++
			}
		}
		if len(byKind) == 0 {
			delete(r.triggers, symbol)
		}
	}
	if removed > 0 {
		r.logger.Info().Int("removed", removed).Msg("swept expired triggers")
	}
	return removed
}

// RunSweeper expires triggers periodically until ctx ends.
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// State derives the aggregate alert level: ALERT when any trigger is
// recent, EMERGENCY when more than two recent triggers stack on a single
// instrument.
func (r *Registry) State() SystemState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	recentCutoff := now.Add(-r.alertAge)
	ttlCutoff := now.Add(-r.ttl)
	state := StateNormal

	for _, byKind := range r.triggers {
		recent := 0
		for _, trig := range byKind {
			if trig.FirstSeen.Before(ttlCutoff) {
				continue
			}
			if trig.FirstSeen.After(recentCutoff) {
				recent++
			}
		}
		if recent > 2 {
			return StateEmergency
		}
		if recent > 0 {
			state = StateAlert
		}
	}
	return state
}

// Snapshot returns copies of all live triggers, for persistence and reports.
func (r *Registry) Snapshot() []Trigger {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Trigger, 0)
	for _, byKind := range r.triggers {
		for _, trig := range byKind {
			out = append(out, *trig)
		}
	}
	return out
}

func activeKindsLocked(byKind map[TriggerKind]*Trigger) []TriggerKind {
	kinds := make([]TriggerKind, 0, len(byKind))
	for kind := range byKind {
		kinds = append(kinds, kind)
	}
	return kinds
}

func asFloat(v interface{}) float64 {
	f, _ := v.(float64)
	return f
}

func asBalances(v interface{}) map[string]float64 {
	m, _ := v.(map[string]float64)
	return m
}

func asErrorCounts(v interface{}) map[string]int {
	m, _ := v.(map[string]int)
	return m
}
