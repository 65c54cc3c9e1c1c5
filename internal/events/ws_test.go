package events

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestHubStreamsBusEvents(t *testing.T) {
	bus := NewBus()
	hub := NewHub(bus)
	go hub.Run()
	defer hub.Stop()

	srv := httptest.NewServer(hub)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	bus.Publish("score", json.RawMessage("42"))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}

	var ev Event
	if err := json.Unmarshal(msg, &ev); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if ev.Event != "score" || string(ev.Data) != "42" {
		t.Errorf("event = %+v, want score/42", ev)
	}
}

func TestHubStopDetachesFromBus(t *testing.T) {
	bus := NewBus()
	hub := NewHub(bus)
	go hub.Run()
	hub.Stop()
	hub.Stop()

	// Nothing is queued after Stop.
	bus.Publish("e", 1)
	if n := len(hub.broadcast); n != 0 {
		t.Errorf("broadcast queue = %d after Stop, want 0", n)
	}
}

func TestNewEvent(t *testing.T) {
	ev := NewEvent("portal-channel-started", map[string]string{"channel": "alpha"})
	if string(ev.Data) != `{"channel":"alpha"}` {
		t.Errorf("Data = %s", ev.Data)
	}

	if ev := NewEvent("x", nil); ev.Data != nil {
		t.Errorf("nil data encoded as %s", ev.Data)
	}
	if ev := NewEvent("x", make(chan int)); ev.Data != nil {
		t.Errorf("unencodable data encoded as %s", ev.Data)
	}
}
