package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// BinanceClient talks to the Binance spot REST API. A websocket ticker
// stream can be attached to serve fresh prices without burning REST weight.
type BinanceClient struct {
	apiKey     string
	secretKey  string
	baseURL    string
	httpClient *http.Client
	limiter    *weightLimiter
	logger     zerolog.Logger

	mu           sync.RWMutex
	streamed     map[string]streamedPrice
	streamMaxAge time.Duration
}

type streamedPrice struct {
	price float64
	at    time.Time
}

// NewBinanceClient builds a REST client for the given venue base URL.
func NewBinanceClient(apiKey, secretKey, baseURL string, logger zerolog.Logger) *BinanceClient {
	return &BinanceClient{
		apiKey:       apiKey,
		secretKey:    secretKey,
		baseURL:      strings.TrimRight(baseURL, "/"),
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		limiter:      newWeightLimiter(),
		logger:       logger.With().Str("component", "binance").Logger(),
		streamed:     make(map[string]streamedPrice),
		streamMaxAge: 2 * time.Second,
	}
}

var _ Gateway = (*BinanceClient)(nil)

// Ping measures venue round-trip latency.
func (c *BinanceClient) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	var out struct{}
	if err := c.public(ctx, "/api/v3/ping", nil, &out); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// GetPrice returns the last trade price, preferring a fresh streamed value.
func (c *BinanceClient) GetPrice(ctx context.Context, symbol string) (float64, error) {
	c.mu.RLock()
	sp, ok := c.streamed[symbol]
	maxAge := c.streamMaxAge
	c.mu.RUnlock()
	if ok && time.Since(sp.at) <= maxAge {
		return sp.price, nil
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	var out struct {
		Price string `json:"price"`
	}
	if err := c.public(ctx, "/api/v3/ticker/price", params, &out); err != nil {
		return 0, err
	}
	price, err := strconv.ParseFloat(out.Price, 64)
	if err != nil {
		return 0, fmt.Errorf("parse price %q: %w", out.Price, err)
	}
	return price, nil
}

// GetDepth fetches an order book snapshot limited to the best levels.
func (c *BinanceClient) GetDepth(ctx context.Context, symbol string, limit int) (*Depth, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("limit", strconv.Itoa(limit))

	var out struct {
		Bids [][]string `json:"bids"`
		Asks [][]string `json:"asks"`
	}
	if err := c.public(ctx, "/api/v3/depth", params, &out); err != nil {
		return nil, err
	}

	depth := &Depth{
		Bids: make([]PriceLevel, 0, len(out.Bids)),
		Asks: make([]PriceLevel, 0, len(out.Asks)),
	}
	for _, lvl := range out.Bids {
		if pl, ok := parseLevel(lvl); ok {
			depth.Bids = append(depth.Bids, pl)
		}
	}
	for _, lvl := range out.Asks {
		if pl, ok := parseLevel(lvl); ok {
			depth.Asks = append(depth.Asks, pl)
		}
	}
	return depth, nil
}

// GetKlines fetches candlesticks.
func (c *BinanceClient) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	params.Set("limit", strconv.Itoa(limit))

	var raw [][]interface{}
	if err := c.public(ctx, "/api/v3/klines", params, &raw); err != nil {
		return nil, err
	}

	klines := make([]Kline, 0, len(raw))
	for _, k := range raw {
		if len(k) < 7 {
			continue
		}
		klines = append(klines, Kline{
			OpenTime:  asInt64(k[0]),
			Open:      asFloat(k[1]),
			High:      asFloat(k[2]),
			Low:       asFloat(k[3]),
			Close:     asFloat(k[4]),
			Volume:    asFloat(k[5]),
			CloseTime: asInt64(k[6]),
		})
	}
	return klines, nil
}

// Get24hVolume returns the rolling 24h quote volume for the symbol. This is
// the single authoritative volume fetch; nothing else duplicates it.
func (c *BinanceClient) Get24hVolume(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	var out struct {
		QuoteVolume string `json:"quoteVolume"`
	}
	if err := c.public(ctx, "/api/v3/ticker/24hr", params, &out); err != nil {
		return 0, err
	}
	vol, err := strconv.ParseFloat(out.QuoteVolume, 64)
	if err != nil {
		return 0, fmt.Errorf("parse quote volume %q: %w", out.QuoteVolume, err)
	}
	return vol, nil
}

// GetBalances fetches spot account balances.
func (c *BinanceClient) GetBalances(ctx context.Context) ([]Balance, error) {
	var out struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := c.signed(ctx, http.MethodGet, "/api/v3/account", nil, &out); err != nil {
		return nil, err
	}

	balances := make([]Balance, 0, len(out.Balances))
	for _, b := range out.Balances {
		free, _ := strconv.ParseFloat(b.Free, 64)
		locked, _ := strconv.ParseFloat(b.Locked, 64)
		if free > 0 || locked > 0 {
			balances = append(balances, Balance{Asset: b.Asset, Free: free, Locked: locked})
		}
	}
	return balances, nil
}

// PlaceOrder submits an order.
func (c *BinanceClient) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", req.Side)
	params.Set("type", req.Type)
	params.Set("quantity", strconv.FormatFloat(req.Quantity, 'f', -1, 64))
	if req.ClientOrderID != "" {
		params.Set("newClientOrderId", req.ClientOrderID)
	}
	if req.Type == TypeLimit {
		params.Set("timeInForce", "GTC")
		params.Set("price", strconv.FormatFloat(req.Price, 'f', -1, 64))
	}

	var out struct {
		OrderID             int64  `json:"orderId"`
		ClientOrderID       string `json:"clientOrderId"`
		Status              string `json:"status"`
		ExecutedQty         string `json:"executedQty"`
		CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	}
	if err := c.signed(ctx, http.MethodPost, "/api/v3/order", params, &out); err != nil {
		return nil, err
	}

	executed, _ := strconv.ParseFloat(out.ExecutedQty, 64)
	quote, _ := strconv.ParseFloat(out.CummulativeQuoteQty, 64)
	res := &OrderResult{
		OrderID:       out.OrderID,
		ClientOrderID: out.ClientOrderID,
		Status:        out.Status,
		ExecutedQty:   executed,
		QuoteSpent:    quote,
	}
	if executed > 0 {
		res.Price = quote / executed
	}
	return res, nil
}

// CancelOrder cancels a resting order by its client order ID.
func (c *BinanceClient) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("origClientOrderId", clientOrderID)
	return c.signed(ctx, http.MethodDelete, "/api/v3/order", params, nil)
}

// pushPrice stores a streamed ticker update for GetPrice to serve.
func (c *BinanceClient) pushPrice(symbol string, price float64) {
	c.mu.Lock()
	c.streamed[symbol] = streamedPrice{price: price, at: time.Now()}
	c.mu.Unlock()
}

func (c *BinanceClient) public(ctx context.Context, endpoint string, params url.Values, out interface{}) error {
	if err := c.limiter.wait(ctx, weightFor(endpoint)); err != nil {
		return err
	}
	u := c.baseURL + endpoint
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *BinanceClient) signed(ctx context.Context, method, endpoint string, params url.Values, out interface{}) error {
	if c.apiKey == "" || c.secretKey == "" {
		return fmt.Errorf("signed request %s: missing api credentials", endpoint)
	}
	if err := c.limiter.wait(ctx, weightFor(endpoint)); err != nil {
		return err
	}
	if params == nil {
		params = url.Values{}
	}
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", "5000")

	query := params.Encode()
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(query))
	query += "&signature=" + hex.EncodeToString(mac.Sum(nil))

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint+"?"+query, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-MBX-APIKEY", c.apiKey)
	return c.do(req, out)
}

func (c *BinanceClient) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == 418 {
		retryAfter := 5 * time.Second
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		c.logger.Warn().Dur("retry_after", retryAfter).Msg("venue rate limit hit")
		return &RateLimitError{RetryAfter: retryAfter}
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{Status: resp.StatusCode, Message: string(body)}
		var decoded struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
		}
		if json.Unmarshal(body, &decoded) == nil && decoded.Msg != "" {
			apiErr.Code = decoded.Code
			apiErr.Message = decoded.Msg
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func parseLevel(lvl []string) (PriceLevel, bool) {
	if len(lvl) < 2 {
		return PriceLevel{}, false
	}
	price, err1 := strconv.ParseFloat(lvl[0], 64)
	qty, err2 := strconv.ParseFloat(lvl[1], 64)
	if err1 != nil || err2 != nil {
		return PriceLevel{}, false
	}
	return PriceLevel{Price: price, Quantity: qty}, true
}

func asFloat(v interface{}) float64 {
	switch t := v.(type) {
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	case float64:
		return t
	default:
		return 0
	}
}

func asInt64(v interface{}) int64 {
	if f, ok := v.(float64); ok {
		return int64(f)
	}
	return 0
}
