package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

func runHub(t *testing.T) *Hub {
	t.Helper()
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)
	time.Sleep(20 * time.Millisecond)
	return h
}

func attach(t *testing.T, h *Hub, sub Subscription) *Client {
	t.Helper()
	client := &Client{hub: h, send: make(chan []byte, 16), sub: sub}
	h.register <- client
	time.Sleep(20 * time.Millisecond)
	return client
}

func TestShouldSend_AllEvents(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{AllEvents: true}}

	if !h.shouldSend(client, &Event{Type: EventSignal}) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{EventTypes: []EventType{EventEscalation, EventCustodyFlag}}}

	if !h.shouldSend(client, &Event{Type: EventEscalation}) {
		t.Error("should receive escalations")
	}
	if !h.shouldSend(client, &Event{Type: EventCustodyFlag}) {
		t.Error("should receive custody flags")
	}
	if h.shouldSend(client, &Event{Type: EventRouteDeviation}) {
		t.Error("should NOT receive deviations")
	}
}

func TestShouldSend_ActorFilter(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{ActorIDs: []string{"rep-7"}}}

	if !h.shouldSend(client, &Event{Type: EventSignal, ActorID: "rep-7"}) {
		t.Error("should match watched actor")
	}
	if h.shouldSend(client, &Event{Type: EventSignal, ActorID: "rep-8"}) {
		t.Error("should NOT match other actors")
	}
}

func TestShouldSend_MinScoreFilter(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{MinScore: 0.5}}

	if !h.shouldSend(client, &Event{Type: EventSignal, Score: 0.8}) {
		t.Error("should receive high score")
	}
	if h.shouldSend(client, &Event{Type: EventSignal, Score: 0.2}) {
		t.Error("should NOT receive low score")
	}
	if !h.shouldSend(client, &Event{Type: EventRouteDeviation}) {
		t.Error("score filter only applies to scored events")
	}
}

func TestHub_Stats_Initial(t *testing.T) {
	stats := testHub().Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["totalEvents"].(int64) != 0 {
		t.Errorf("expected 0 total events, got %v", stats["totalEvents"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := runHub(t)
	client := attach(t, h, Subscription{AllEvents: true})

	if n := h.Stats()["connectedClients"].(int); n != 1 {
		t.Fatalf("expected 1 connected client, got %d", n)
	}

	h.unregister <- client
	time.Sleep(20 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("expected 0 clients after unregister, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("expected peak 1, got %v", stats["peakClients"])
	}
}

func TestHub_BroadcastEscalation(t *testing.T) {
	h := runHub(t)
	client := attach(t, h, Subscription{AllEvents: true})

	h.BroadcastEscalation("rep-1", 0.85, []string{"QR_MISMATCH"})

	select {
	case msg := <-client.send:
		var ev Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			t.Fatalf("bad payload: %v", err)
		}
		if ev.Type != EventEscalation || ev.ActorID != "rep-1" || ev.Score != 0.85 {
			t.Errorf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for escalation")
	}
}

func TestHub_FilteredBroadcast(t *testing.T) {
	h := runHub(t)
	client := attach(t, h, Subscription{EventTypes: []EventType{EventCustodyFlag}})

	h.BroadcastDeviation("rep-1", "trc_1", 2, 5000)
	time.Sleep(50 * time.Millisecond)
	select {
	case <-client.send:
		t.Fatal("client should NOT receive deviation")
	default:
	}

	h.BroadcastCustodyFlag("rep-1", "pay_1", "FLAGGED_LATE", 1.5)
	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Fatal("client should receive custody flag")
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("hub did not stop after context cancellation")
	}
}
