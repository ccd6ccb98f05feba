// Package indicators computes technical indicators from an instrument's
// bounded market history. Everything here is a pure function of its inputs:
// no I/O, no clocks, identical histories produce identical outputs.
package indicators

import (
	"math"

	"aggro-trading-bot/internal/state"
)

// Engine holds the indicator periods. The zero value is not usable; build
// one with NewEngine.
type Engine struct {
	shortPeriod  int
	longPeriod   int
	signalPeriod int
	rsiPeriod    int
	atrPeriod    int
}

// NewEngine returns an engine with the standard periods.
func NewEngine() *Engine {
	return &Engine{
		shortPeriod:  9,
		longPeriod:   21,
		signalPeriod: 9,
		rsiPeriod:    14,
		atrPeriod:    14,
	}
}

// Update recomputes all indicators after a new sample was appended to h.
// prev carries the previous EMA values so the exponential averages stay
// incremental across cycles.
func (e *Engine) Update(prev state.Indicators, h *state.History) state.Indicators {
	if h.Len() == 0 {
		return prev
	}
	price := h.Last()
	prices := h.Prices()

	out := prev
	out.EMAShort = ema(prev.EMAShort, price, e.shortPeriod)
	out.EMALong = ema(prev.EMALong, price, e.longPeriod)
	out.MACDLine = out.EMAShort - out.EMALong
	out.MACDSignal = ema(prev.MACDSignal, out.MACDLine, e.signalPeriod)
	out.MACDHistogram = out.MACDLine - out.MACDSignal
	out.RSI = RSI(prices, e.rsiPeriod)
	out.ATR = ATR(prices, e.atrPeriod)
	out.Volatility = Volatility(prices)
	out.Trend = classifyTrend(out)
	return out
}

// ema advances an exponential moving average by one sample. A zero previous
// value means the average is unseeded and takes the sample as-is.
func ema(prev, value float64, period int) float64 {
	if prev == 0 {
		return value
	}
	k := 2.0 / (float64(period) + 1)
	return value*k + prev*(1-k)
}

// RSI computes the Wilder-style relative strength index over the last
// `period` deltas. With fewer than period+1 samples the neutral 50 is
// returned; when there are no losses in the window the index saturates
// at 100.
func RSI(prices []float64, period int) float64 {
	if len(prices) < period+1 {
		return 50
	}

	var gains, losses float64
	start := len(prices) - period
	for i := start; i < len(prices); i++ {
		delta := prices[i] - prices[i-1]
		if delta >= 0 {
			gains += delta
		} else {
			losses += -delta
		}
	}
	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)

	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// ATR computes the mean true range over the lookback window. The true range
// of a sample spans the last three closes; with too little history it falls
// back to the plain |last-first| move.
func ATR(prices []float64, period int) float64 {
	if len(prices) < 3 {
		if len(prices) < 2 {
			return 0
		}
		return math.Abs(prices[len(prices)-1] - prices[0])
	}

	start := len(prices) - period
	if start < 2 {
		start = 2
	}
	var sum float64
	var n int
	for i := start; i < len(prices); i++ {
		tr := math.Max(
			math.Abs(prices[i]-prices[i-1]),
			math.Max(math.Abs(prices[i]-prices[i-2]), math.Abs(prices[i-1]-prices[i-2])),
		)
		sum += tr
		n++
	}
	if n == 0 {
		return math.Abs(prices[len(prices)-1] - prices[0])
	}
	return sum / float64(n)
}

// Volatility is the population standard deviation of the window divided by
// its mean. Always >= 0; returns 0 for degenerate windows.
func Volatility(prices []float64) float64 {
	if len(prices) < 2 {
		return 0
	}
	var sum float64
	for _, p := range prices {
		sum += p
	}
	mean := sum / float64(len(prices))
	if mean == 0 {
		return 0
	}

	var variance float64
	for _, p := range prices {
		d := p - mean
		variance += d * d
	}
	variance /= float64(len(prices))
	return math.Sqrt(variance) / mean
}

func classifyTrend(ind state.Indicators) state.Trend {
	switch {
	case ind.EMAShort > ind.EMALong && ind.MACDHistogram > 0:
		return state.TrendUp
	case ind.EMAShort < ind.EMALong && ind.MACDHistogram < 0:
		return state.TrendDown
	default:
		return state.TrendNeutral
	}
}
