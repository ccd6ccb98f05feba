package gateway

import (
	"context"
	"sync"
	"time"
)

// Binance budgets request weight per minute; every REST call declares its
// weight and waits here before going out.
const maxWeightPerMinute = 1200

var endpointWeights = map[string]int{
	"/api/v3/ping":         1,
	"/api/v3/ticker/price": 2,
	"/api/v3/ticker/24hr":  2,
	"/api/v3/depth":        5,
	"/api/v3/klines":       2,
	"/api/v3/account":      20,
	"/api/v3/order":        1,
}

// weightLimiter is a proactive, window-based rate limiter over the venue's
// weight budget. It never issues a request that would exceed the window.
type weightLimiter struct {
	mu            sync.Mutex
	currentWeight int
	windowResetAt time.Time
	maxWeight     int
}

func newWeightLimiter() *weightLimiter {
	return &weightLimiter{
		maxWeight:     maxWeightPerMinute,
		windowResetAt: time.Now().Add(time.Minute),
	}
}

// wait blocks until the given weight fits in the current window or ctx ends.
func (w *weightLimiter) wait(ctx context.Context, weight int) error {
	for {
		w.mu.Lock()
		now := time.Now()
		if now.After(w.windowResetAt) {
			w.currentWeight = 0
			w.windowResetAt = now.Add(time.Minute)
		}
		if w.currentWeight+weight <= w.maxWeight {
			w.currentWeight += weight
			w.mu.Unlock()
			return nil
		}
		sleep := time.Until(w.windowResetAt)
		w.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

func weightFor(endpoint string) int {
	if w, ok := endpointWeights[endpoint]; ok {
		return w
	}
	return 1
}
