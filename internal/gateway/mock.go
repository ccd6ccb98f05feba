package gateway

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// MockGateway simulates the venue for simula mode and for tests. All knobs
// are safe for concurrent use.
type MockGateway struct {
	mu sync.Mutex

	prices    map[string]float64
	volumes   map[string]float64
	depths    map[string]*Depth
	balances  map[string]float64
	latency   time.Duration
	randWalk  bool
	rng       *rand.Rand
	lastWalk  time.Time

	failNext    int
	failErr     error
	orderStatus string // forced status for the next order, empty = FILLED
	nextOrderID int64
	cancelled   []string

	calls int
}

var _ Gateway = (*MockGateway)(nil)

// NewMockGateway returns a mock seeded with plausible market prices.
func NewMockGateway() *MockGateway {
	return &MockGateway{
		prices: map[string]float64{
			"BTCUSDT": 104500.00,
			"ETHUSDT": 3900.00,
			"BNBUSDT": 710.00,
			"SOLUSDT": 220.00,
			"XRPUSDT": 2.35,
		},
		volumes:  map[string]float64{},
		depths:   map[string]*Depth{},
		balances: map[string]float64{"USDT": 1000},
		latency:  10 * time.Millisecond,
		randWalk: true,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetPrice pins a symbol's price and disables the random walk for it.
func (m *MockGateway) SetPrice(symbol string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[symbol] = price
	m.randWalk = false
}

// SetVolume pins the 24h quote volume for a symbol.
func (m *MockGateway) SetVolume(symbol string, volume float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.volumes[symbol] = volume
}

// SetDepth pins the order book snapshot returned for a symbol.
func (m *MockGateway) SetDepth(symbol string, depth *Depth) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.depths[symbol] = depth
}

// SetBalance pins an account balance.
func (m *MockGateway) SetBalance(asset string, qty float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[asset] = qty
}

// SetLatency controls the simulated Ping round-trip.
func (m *MockGateway) SetLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency = d
}

// FailNext makes the next n gateway calls return err.
func (m *MockGateway) FailNext(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
	m.failErr = err
}

// ForceOrderStatus makes the next PlaceOrder report the given status.
func (m *MockGateway) ForceOrderStatus(status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orderStatus = status
}

// Cancelled returns the client order IDs cancelled so far.
func (m *MockGateway) Cancelled() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.cancelled))
	copy(out, m.cancelled)
	return out
}

// Calls returns how many gateway operations have been invoked.
func (m *MockGateway) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// enter counts a call and pops a pending injected failure.
func (m *MockGateway) enter() error {
	m.calls++
	if m.failNext > 0 {
		m.failNext--
		if m.failErr != nil {
			return m.failErr
		}
		return ErrUnreachable
	}
	return nil
}

func (m *MockGateway) walk() {
	if !m.randWalk || time.Since(m.lastWalk) < time.Second {
		return
	}
	for sym, p := range m.prices {
		change := (m.rng.Float64() - 0.5) * 0.01
		m.prices[sym] = p * (1 + change)
	}
	m.lastWalk = time.Now()
}

func (m *MockGateway) Ping(ctx context.Context) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(); err != nil {
		return 0, err
	}
	return m.latency, nil
}

func (m *MockGateway) GetPrice(ctx context.Context, symbol string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(); err != nil {
		return 0, err
	}
	m.walk()
	price, ok := m.prices[symbol]
	if !ok {
		price = 100
		m.prices[symbol] = price
	}
	return price, nil
}

func (m *MockGateway) GetDepth(ctx context.Context, symbol string, limit int) (*Depth, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(); err != nil {
		return nil, err
	}
	if d, ok := m.depths[symbol]; ok {
		return d, nil
	}
	// Synthesize a liquid book around the current price.
	price := m.prices[symbol]
	if price == 0 {
		price = 100
	}
	depth := &Depth{}
	for i := 1; i <= 10; i++ {
		step := price * 0.0001 * float64(i)
		qty := 5000 / price // roughly 5k quote per level
		depth.Bids = append(depth.Bids, PriceLevel{Price: price - step, Quantity: qty})
		depth.Asks = append(depth.Asks, PriceLevel{Price: price + step, Quantity: qty})
	}
	return depth, nil
}

func (m *MockGateway) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(); err != nil {
		return nil, err
	}
	price := m.prices[symbol]
	if price == 0 {
		price = 100
	}
	now := time.Now()
	klines := make([]Kline, limit)
	for i := 0; i < limit; i++ {
		t := now.Add(-time.Duration(limit-i) * time.Minute)
		klines[i] = Kline{
			OpenTime:  t.UnixMilli(),
			Open:      price,
			High:      price * 1.001,
			Low:       price * 0.999,
			Close:     price,
			Volume:    10,
			CloseTime: t.Add(time.Minute).UnixMilli(),
		}
	}
	return klines, nil
}

func (m *MockGateway) Get24hVolume(ctx context.Context, symbol string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(); err != nil {
		return 0, err
	}
	if v, ok := m.volumes[symbol]; ok {
		return v, nil
	}
	return 50_000_000, nil
}

func (m *MockGateway) GetBalances(ctx context.Context) ([]Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(); err != nil {
		return nil, err
	}
	out := make([]Balance, 0, len(m.balances))
	for asset, qty := range m.balances {
		out = append(out, Balance{Asset: asset, Free: qty})
	}
	return out, nil
}

func (m *MockGateway) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(); err != nil {
		return nil, err
	}

	status := m.orderStatus
	m.orderStatus = ""
	if status == "" {
		status = StatusFilled
	}

	price := req.Price
	if req.Type == TypeMarket || price == 0 {
		price = m.prices[req.Symbol]
		if price == 0 {
			price = 100
		}
	}

	m.nextOrderID++
	res := &OrderResult{
		OrderID:       m.nextOrderID,
		ClientOrderID: req.ClientOrderID,
		Status:        status,
	}
	switch status {
	case StatusFilled:
		res.ExecutedQty = req.Quantity
	case StatusPartiallyFilled:
		res.ExecutedQty = req.Quantity / 2
	}
	res.Price = price
	res.QuoteSpent = res.ExecutedQty * price
	return res, nil
}

func (m *MockGateway) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(); err != nil {
		return err
	}
	m.cancelled = append(m.cancelled, clientOrderID)
	return nil
}
