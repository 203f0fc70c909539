package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

func TestNewHub(t *testing.T) {
	hub := NewHub(HubConfig{}, zerolog.Nop())
	defer hub.Stop()

	if hub.buffer.GetCapacity() != 256 {
		t.Errorf("default buffer capacity = %d, want 256", hub.buffer.GetCapacity())
	}
	if hub.ClientCount() != 0 {
		t.Errorf("ClientCount = %d, want 0", hub.ClientCount())
	}
}

func TestHubPublishAssignsMonotonicIDs(t *testing.T) {
	hub := NewHub(HubConfig{BufferSize: 10}, zerolog.Nop())
	defer hub.Stop()

	for i := 0; i < 5; i++ {
		_ = hub.Publish(Event{Type: EventMode})
	}
	events := hub.Recent(0)
	if len(events) != 5 {
		t.Fatalf("Recent returned %d events, want 5", len(events))
	}
	for i, e := range events {
		if e.ID != int64(i+1) {
			t.Errorf("event %d has ID %d", i, e.ID)
		}
		if e.TS.IsZero() {
			t.Errorf("event %d has no timestamp", i)
		}
	}
}

func TestHubSubscribeReplayAndLive(t *testing.T) {
	hub := NewHub(HubConfig{BufferSize: 10}, zerolog.Nop())
	defer hub.Stop()

	_ = hub.Publish(Event{Type: EventMode})
	_ = hub.Publish(Event{Type: EventCommand})

	client, replay := hub.Subscribe(context.Background(), 1)
	if len(replay) != 1 || replay[0].ID != 2 {
		t.Fatalf("replay = %+v, want only event 2", replay)
	}

	_ = hub.Publish(Event{Type: EventPeer})
	select {
	case e := <-client.Events:
		if e.Type != EventPeer || e.ID != 3 {
			t.Errorf("live event = %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("live event not delivered")
	}

	hub.Unsubscribe(client.ID)
	select {
	case <-client.Done():
	default:
		t.Error("client not cancelled on unsubscribe")
	}
	if hub.ClientCount() != 0 {
		t.Errorf("ClientCount = %d after unsubscribe", hub.ClientCount())
	}
}

func TestHubDropsForSlowClient(t *testing.T) {
	hub := NewHub(HubConfig{BufferSize: 10, ClientQueue: 1}, zerolog.Nop())
	defer hub.Stop()

	_, _ = hub.Subscribe(context.Background(), -1)

	start := time.Now()
	for i := 0; i < 3; i++ {
		_ = hub.Publish(Event{Type: EventPeer})
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("Publish blocked for %v", elapsed)
	}
	if hub.Dropped() != 2 {
		t.Errorf("Dropped = %d, want 2", hub.Dropped())
	}
}

func TestEventBufferBounds(t *testing.T) {
	buffer := NewEventBuffer(3)
	for i := 1; i <= 5; i++ {
		buffer.AddEvent(Event{ID: int64(i)})
	}
	if buffer.GetSize() != 3 {
		t.Errorf("GetSize = %d, want 3", buffer.GetSize())
	}
	events := buffer.GetEventsAfter(0)
	if len(events) != 3 || events[0].ID != 3 || events[2].ID != 5 {
		t.Errorf("GetEventsAfter(0) = %+v, want IDs 3..5", events)
	}
	if got := buffer.GetEventsAfter(4); len(got) != 1 || got[0].ID != 5 {
		t.Errorf("GetEventsAfter(4) = %+v", got)
	}
}

func TestEventBufferPartial(t *testing.T) {
	buffer := NewEventBuffer(4)
	buffer.AddEvent(Event{ID: 1})
	buffer.AddEvent(Event{ID: 2})
	if buffer.GetSize() != 2 {
		t.Errorf("GetSize = %d, want 2", buffer.GetSize())
	}
	if got := buffer.GetEventsAfter(0); len(got) != 2 || got[0].ID != 1 {
		t.Errorf("GetEventsAfter(0) = %+v", got)
	}
}

func TestConcurrentPublish(t *testing.T) {
	hub := NewHub(HubConfig{BufferSize: 1000}, zerolog.Nop())
	defer hub.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = hub.Publish(Event{Type: EventPeer})
			}
		}()
	}
	wg.Wait()

	seen := make(map[int64]bool)
	for _, e := range hub.Recent(0) {
		if seen[e.ID] {
			t.Fatalf("duplicate event ID %d", e.ID)
		}
		seen[e.ID] = true
	}
	if len(seen) != 500 {
		t.Errorf("buffered %d unique events, want 500", len(seen))
	}
}

func TestServeWSStreamsReplayAndLiveEvents(t *testing.T) {
	hub := NewHub(HubConfig{BufferSize: 10}, zerolog.Nop())
	server := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer server.Close()
	defer hub.Stop()

	_ = hub.Publish(Event{Type: EventMode, Data: map[string]interface{}{"to": "car"}})

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "?since=0"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var first Event
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("ReadJSON failed: %v", err)
	}
	if first.Type != EventMode || first.Data["to"] != "car" {
		t.Errorf("replayed event = %+v", first)
	}

	// Wait for the subscription before publishing live.
	deadline := time.Now().Add(time.Second)
	for hub.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	_ = hub.Publish(Event{Type: EventPeer, Data: map[string]interface{}{"rssi": -40}})

	var live Event
	if err := conn.ReadJSON(&live); err != nil {
		t.Fatalf("ReadJSON failed: %v", err)
	}
	if live.Type != EventPeer || live.ID != 2 {
		t.Errorf("live event = %+v", live)
	}
}

func TestServeWSClosesOnStop(t *testing.T) {
	hub := NewHub(HubConfig{}, zerolog.Nop())
	server := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	for hub.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	hub.Stop()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected the connection to close after Stop")
	}
}
