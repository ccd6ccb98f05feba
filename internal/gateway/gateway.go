// Package gateway is the exchange collaborator: market data, balances and
// order placement. One authoritative implementation exists per operation;
// the Binance client and the mock both satisfy the same interface.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Order sides and types.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"

	TypeMarket = "MARKET"
	TypeLimit  = "LIMIT"
)

// Order statuses as reported by the venue.
const (
	StatusNew             = "NEW"
	StatusFilled          = "FILLED"
	StatusPartiallyFilled = "PARTIALLY_FILLED"
	StatusRejected        = "REJECTED"
	StatusExpired         = "EXPIRED"
)

// PriceLevel is one order book level.
type PriceLevel struct {
	Price    float64
	Quantity float64
}

// Depth is an order book snapshot, best levels first.
type Depth struct {
	Bids []PriceLevel
	Asks []PriceLevel
}

// BestBid returns the top bid price, or 0 when the book side is empty.
func (d *Depth) BestBid() float64 {
	if len(d.Bids) == 0 {
		return 0
	}
	return d.Bids[0].Price
}

// BestAsk returns the top ask price, or 0 when the book side is empty.
func (d *Depth) BestAsk() float64 {
	if len(d.Asks) == 0 {
		return 0
	}
	return d.Asks[0].Price
}

// Spread returns the relative bid/ask spread, 0 when either side is empty.
func (d *Depth) Spread() float64 {
	bid, ask := d.BestBid(), d.BestAsk()
	if bid <= 0 || ask <= 0 {
		return 0
	}
	return (ask - bid) / ask
}

// Kline is one candlestick.
type Kline struct {
	OpenTime  int64
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	CloseTime int64
}

// Balance is a single asset balance.
type Balance struct {
	Asset  string
	Free   float64
	Locked float64
}

// OrderRequest describes an order to submit.
type OrderRequest struct {
	Symbol        string
	Side          string
	Type          string
	Quantity      float64
	Price         float64 // limit orders only
	ClientOrderID string
}

// OrderResult is the venue's response to an order submission.
type OrderResult struct {
	OrderID       int64
	ClientOrderID string
	Status        string
	ExecutedQty   float64
	Price         float64 // average fill price
	QuoteSpent    float64 // cumulative quote quantity
}

// Gateway is the venue collaborator. Every call is fallible and must be
// treated as such; per-call deadlines come from ctx.
type Gateway interface {
	GetPrice(ctx context.Context, symbol string) (float64, error)
	GetDepth(ctx context.Context, symbol string, limit int) (*Depth, error)
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error)
	Get24hVolume(ctx context.Context, symbol string) (float64, error)
	GetBalances(ctx context.Context) ([]Balance, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
	CancelOrder(ctx context.Context, symbol, clientOrderID string) error
	Ping(ctx context.Context) (time.Duration, error)
}

// ErrUnreachable reports that the venue could not be contacted at all.
var ErrUnreachable = errors.New("gateway unreachable")

// APIError is a non-2xx venue response.
type APIError struct {
	Status  int
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%d %s", e.Status, e.Code, e.Message)
}

// RateLimitError carries the venue's retry-after hint.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// IsTransient reports whether an error is worth retrying: network failures,
// timeouts, rate limits and server-side errors. Validation rejections are
// not transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnreachable) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 500 || apiErr.Status == 429 || apiErr.Status == 418
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}

// RetryAfterHint extracts the venue's retry-after hint, if any.
func RetryAfterHint(err error) (time.Duration, bool) {
	var rle *RateLimitError
	if errors.As(err, &rle) && rle.RetryAfter > 0 {
		return rle.RetryAfter, true
	}
	return 0, false
}
