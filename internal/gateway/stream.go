package gateway

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// TickerStream keeps a websocket subscription to the venue's mini-ticker
// feed and pushes prices into the REST client's cache, so cycles read fresh
// prices without spending REST weight.
type TickerStream struct {
	url     string
	symbols []string
	client  *BinanceClient
	logger  zerolog.Logger
}

// NewTickerStream builds a stream for the given symbols. streamURL is the
// venue's websocket base (e.g. wss://stream.binance.com:9443/ws).
func NewTickerStream(streamURL string, symbols []string, client *BinanceClient, logger zerolog.Logger) *TickerStream {
	return &TickerStream{
		url:     streamURL,
		symbols: symbols,
		client:  client,
		logger:  logger.With().Str("component", "ticker_stream").Logger(),
	}
}

type miniTicker struct {
	Symbol string `json:"s"`
	Close  string `json:"c"`
}

// Run connects and consumes ticker events until ctx is cancelled,
// reconnecting with jittered exponential backoff on any failure.
func (ts *TickerStream) Run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = time.Minute
	bo.MaxElapsedTime = 0 // reconnect forever

	for ctx.Err() == nil {
		if err := ts.consume(ctx); err != nil && ctx.Err() == nil {
			wait := bo.NextBackOff()
			ts.logger.Warn().Err(err).Dur("reconnect_in", wait).Msg("ticker stream disconnected")
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		bo.Reset()
	}
}

func (ts *TickerStream) consume(ctx context.Context) error {
	streams := make([]string, len(ts.symbols))
	for i, s := range ts.symbols {
		streams[i] = strings.ToLower(s) + "@miniTicker"
	}
	endpoint := strings.TrimRight(ts.url, "/") + "/" + strings.Join(streams, "/")

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	ts.logger.Info().Strs("symbols", ts.symbols).Msg("ticker stream connected")

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var evt miniTicker
		if err := json.Unmarshal(msg, &evt); err != nil || evt.Symbol == "" {
			continue
		}
		price, err := strconv.ParseFloat(evt.Close, 64)
		if err != nil || price <= 0 {
			continue
		}
		ts.client.pushPrice(evt.Symbol, price)
	}
}
