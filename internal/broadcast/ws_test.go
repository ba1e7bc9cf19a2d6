package broadcast

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/narvanalabs/shipyard/internal/models"
	"github.com/narvanalabs/shipyard/internal/store/storetest"
)

type frame struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

func dial(t *testing.T, h *Handler) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("reading frame: %v", err)
	}
	return f
}

func waitForSubscribers(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.SubscriberCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("SubscriberCount() = %d, want %d", h.SubscriberCount(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHandlerSubscribeAndReceive(t *testing.T) {
	hub := NewHub(nil)
	conn := dial(t, NewHandler(hub, nil, 0, nil))

	if err := conn.WriteJSON(Envelope{Event: EventSubscribe, Channel: "d-1"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	ack := readFrame(t, conn)
	if ack.Event != EventSubscribed || ack.Channel != "d-1" {
		t.Fatalf("ack = %+v", ack)
	}
	var msg string
	_ = json.Unmarshal(ack.Data, &msg)
	if msg != "Subscribed to d-1" {
		t.Errorf("ack data = %q", msg)
	}

	waitForSubscribers(t, hub, 1)
	_ = hub.Publish(context.Background(), "d-1", &models.LogEvent{EventID: "e-1", DeploymentID: "d-1", Message: "hello"})

	f := readFrame(t, conn)
	if f.Event != EventLog {
		t.Fatalf("frame = %+v, want log", f)
	}
	var e models.LogEvent
	if err := json.Unmarshal(f.Data, &e); err != nil {
		t.Fatalf("decoding event: %v", err)
	}
	if e.EventID != "e-1" || e.Message != "hello" {
		t.Errorf("event = %+v", e)
	}
}

func TestHandlerReplaysRecentEvents(t *testing.T) {
	mem := storetest.NewMemory()
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"e-1", "e-2", "e-3"} {
		_, _ = mem.Logs().Insert(context.Background(), &models.LogEvent{
			EventID:      id,
			DeploymentID: "d-1",
			Timestamp:    base.Add(time.Duration(i) * time.Second),
		})
	}

	hub := NewHub(nil)
	conn := dial(t, NewHandler(hub, mem.Logs(), 2, nil))

	_ = conn.WriteJSON(Envelope{Event: EventSubscribe, Channel: "d-1"})
	if ack := readFrame(t, conn); ack.Event != EventSubscribed {
		t.Fatalf("ack = %+v", ack)
	}

	var got []string
	for i := 0; i < 2; i++ {
		f := readFrame(t, conn)
		var e models.LogEvent
		_ = json.Unmarshal(f.Data, &e)
		got = append(got, e.EventID)
	}
	if got[0] != "e-2" || got[1] != "e-3" {
		t.Errorf("replayed %v, want [e-2 e-3]", got)
	}
}

func TestHandlerUnsubscribe(t *testing.T) {
	hub := NewHub(nil)
	conn := dial(t, NewHandler(hub, nil, 0, nil))

	_ = conn.WriteJSON(Envelope{Event: EventSubscribe, Channel: "d-1"})
	readFrame(t, conn)
	waitForSubscribers(t, hub, 1)

	_ = conn.WriteJSON(Envelope{Event: EventUnsubscribe, Channel: "d-1"})
	if f := readFrame(t, conn); f.Event != EventUnsubscribed {
		t.Fatalf("frame = %+v, want unsubscribed", f)
	}
	waitForSubscribers(t, hub, 0)
}

func TestHandlerRejectsUnknownEvent(t *testing.T) {
	conn := dial(t, NewHandler(NewHub(nil), nil, 0, nil))

	_ = conn.WriteJSON(Envelope{Event: "shout"})
	if f := readFrame(t, conn); f.Event != EventError {
		t.Errorf("frame = %+v, want error", f)
	}
}

// eagerRouter publishes an event the moment a subscription is made, so it
// is already queued when the handler acknowledges.
type eagerRouter struct {
	*Hub
}

func (r eagerRouter) Subscribe(channel string) *Subscription {
	sub := r.Hub.Subscribe(channel)
	_ = r.Hub.Publish(context.Background(), channel, &models.LogEvent{EventID: "live-1", DeploymentID: channel})
	return sub
}

func TestHandlerAcksBeforeLiveEvents(t *testing.T) {
	mem := storetest.NewMemory()
	_, _ = mem.Logs().Insert(context.Background(), &models.LogEvent{
		EventID:      "stored-1",
		DeploymentID: "d-1",
		Timestamp:    time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
	})

	for i := 0; i < 20; i++ {
		conn := dial(t, NewHandler(eagerRouter{NewHub(nil)}, mem.Logs(), 5, nil))
		_ = conn.WriteJSON(Envelope{Event: EventSubscribe, Channel: "d-1"})

		if f := readFrame(t, conn); f.Event != EventSubscribed {
			t.Fatalf("run %d: first frame = %+v, want subscribed", i, f)
		}
		var ids []string
		for j := 0; j < 2; j++ {
			f := readFrame(t, conn)
			var e models.LogEvent
			_ = json.Unmarshal(f.Data, &e)
			ids = append(ids, e.EventID)
		}
		if ids[0] != "stored-1" || ids[1] != "live-1" {
			t.Fatalf("run %d: frames after ack = %v, want replay then live", i, ids)
		}
		conn.Close()
	}
}
