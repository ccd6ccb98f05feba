package notification

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"aggro-trading-bot/internal/emergency"
)

func TestWebhookDeliversEvent(t *testing.T) {
	received := make(chan emergency.Event, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt emergency.Event
		if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
			t.Errorf("decode: %v", err)
		}
		received <- evt
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, zerolog.New(io.Discard))
	n.NotifyEmergency(emergency.Event{
		Symbol:       "BTCUSDT",
		TriggerKinds: []emergency.TriggerKind{emergency.KindDailyLoss},
		Timestamp:    time.Now().UTC(),
		LastPrice:    50000,
	})

	select {
	case evt := <-received:
		if evt.Symbol != "BTCUSDT" || evt.LastPrice != 50000 {
			t.Fatalf("unexpected event: %+v", evt)
		}
		if len(evt.TriggerKinds) != 1 || evt.TriggerKinds[0] != emergency.KindDailyLoss {
			t.Fatalf("kinds = %v", evt.TriggerKinds)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("webhook never received the event")
	}
}

func TestFullQueueDropsInsteadOfBlocking(t *testing.T) {
	// Point at a server that never responds quickly so the queue backs up.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, zerolog.New(io.Discard))

	done := make(chan struct{})
	go func() {
		for i := 0; i < queueSize*3; i++ {
			n.NotifyEmergency(emergency.Event{Symbol: "BTCUSDT"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("NotifyEmergency blocked on a slow sink")
	}
}
