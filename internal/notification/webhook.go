// Package notification delivers emergency events to an external webhook.
package notification

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"aggro-trading-bot/internal/emergency"
)

const queueSize = 64

// WebhookNotifier posts emergency events as JSON to a configured URL.
// Events are queued and delivered from a single background worker so the
// trigger registry never blocks on the network; when the queue is full
// the oldest behavior is to drop and log.
type WebhookNotifier struct {
	url    string
	client *http.Client
	queue  chan emergency.Event
	logger zerolog.Logger
}

// NewWebhookNotifier starts the delivery worker. A stop function drains
// nothing; pending events are abandoned at shutdown.
func NewWebhookNotifier(url string, logger zerolog.Logger) *WebhookNotifier {
	n := &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		queue:  make(chan emergency.Event, queueSize),
		logger: logger.With().Str("component", "notification").Logger(),
	}
	go n.run()
	return n
}

// NotifyEmergency enqueues the event without blocking.
func (n *WebhookNotifier) NotifyEmergency(evt emergency.Event) {
	select {
	case n.queue <- evt:
	default:
		n.logger.Warn().Str("symbol", evt.Symbol).Msg("notification queue full, event dropped")
	}
}

func (n *WebhookNotifier) run() {
	for evt := range n.queue {
		n.deliver(evt)
	}
}

func (n *WebhookNotifier) deliver(evt emergency.Event) {
	body, err := json.Marshal(evt)
	if err != nil {
		n.logger.Error().Err(err).Msg("encode emergency event")
		return
	}
	resp, err := n.client.Post(n.url, "application/json", bytes.NewReader(body))
	if err != nil {
		n.logger.Warn().Str("symbol", evt.Symbol).Err(err).Msg("emergency webhook delivery failed")
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		n.logger.Warn().Str("symbol", evt.Symbol).Int("status", resp.StatusCode).Msg("emergency webhook rejected")
	}
}

var _ emergency.Notifier = (*WebhookNotifier)(nil)
