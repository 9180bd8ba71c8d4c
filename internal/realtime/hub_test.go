package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/settlehub/internal/requests"
	"github.com/mbd888/settlehub/internal/settlement"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

func completed(account, service string) *Event {
	return &Event{
		Type:      EventRequestCompleted,
		Timestamp: time.Now(),
		Data: settlement.Notification{
			AccountID: account,
			ServiceID: service,
			RequestID: "req-1",
			Status:    requests.StatusCompleted,
		},
	}
}

func failed(account, service string) *Event {
	e := completed(account, service)
	e.Type = EventRequestFailed
	e.Data.Status = requests.StatusFailed
	e.Data.Refunded = true
	return e
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_AccountSeesOnlyOwnEvents(t *testing.T) {
	h := testHub()
	client := &Client{accountID: "alice", sub: Subscription{AllEvents: true}}

	if !h.shouldSend(client, completed("alice", "svc-1")) {
		t.Error("account client should receive its own events")
	}
	if h.shouldSend(client, completed("bob", "svc-1")) {
		t.Error("account client must not receive other accounts' events")
	}
}

func TestShouldSend_AccountCannotWidenWithAccountFilter(t *testing.T) {
	h := testHub()
	client := &Client{accountID: "alice", sub: Subscription{AccountIDs: []string{"bob"}}}

	if h.shouldSend(client, completed("bob", "svc-1")) {
		t.Error("account filter must not grant access to other accounts")
	}
	if !h.shouldSend(client, completed("alice", "svc-1")) {
		t.Error("account filter is ignored for account clients")
	}
}

func TestShouldSend_AdminSeesEverything(t *testing.T) {
	h := testHub()
	client := &Client{admin: true, sub: Subscription{AllEvents: true}}

	if !h.shouldSend(client, completed("bob", "svc-1")) {
		t.Error("admin should receive all events")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	h := testHub()
	client := &Client{admin: true, sub: Subscription{
		EventTypes: []EventType{EventRequestFailed},
	}}

	if h.shouldSend(client, completed("alice", "svc-1")) {
		t.Error("should NOT receive completed events")
	}
	if !h.shouldSend(client, failed("alice", "svc-1")) {
		t.Error("should receive failed events")
	}
}

func TestShouldSend_AdminAccountAndServiceFilter(t *testing.T) {
	h := testHub()
	client := &Client{admin: true, sub: Subscription{
		AccountIDs: []string{"alice"},
		ServiceIDs: []string{"svc-2"},
	}}

	if h.shouldSend(client, completed("alice", "svc-1")) {
		t.Error("service filter should exclude svc-1")
	}
	if h.shouldSend(client, completed("bob", "svc-2")) {
		t.Error("account filter should exclude bob")
	}
	if !h.shouldSend(client, completed("alice", "svc-2")) {
		t.Error("matching account and service should be delivered")
	}
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	h := testHub()
	client := &Client{accountID: "alice"}

	if !h.shouldSend(client, failed("alice", "svc-1")) {
		t.Error("empty subscription should not filter own events")
	}
}

func TestEventTypeFor(t *testing.T) {
	if EventTypeFor(requests.StatusFailed) != EventRequestFailed {
		t.Error("FAILED should map to request.failed")
	}
	if EventTypeFor(requests.StatusCompleted) != EventRequestCompleted {
		t.Error("COMPLETED should map to request.completed")
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["totalEvents"].(int64) != 0 {
		t.Errorf("Expected 0 total events, got %v", stats["totalEvents"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)

	client := &Client{
		hub:       h,
		send:      make(chan []byte, 256),
		sub:       Subscription{AllEvents: true},
		accountID: "alice",
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak 1, got %v", stats["peakClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHub_NotifyDeliversToOwner(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)

	alice := &Client{hub: h, send: make(chan []byte, 8), sub: Subscription{AllEvents: true}, accountID: "alice"}
	bob := &Client{hub: h, send: make(chan []byte, 8), sub: Subscription{AllEvents: true}, accountID: "bob"}
	h.register <- alice
	h.register <- bob

	h.Notify(context.Background(), settlement.Notification{
		AccountID:  "alice",
		ServiceID:  "svc-1",
		RequestID:  "req-9",
		Status:     requests.StatusFailed,
		Refunded:   true,
		OccurredAt: time.Now(),
	})

	select {
	case msg := <-alice.send:
		var ev Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			t.Fatalf("bad payload: %v", err)
		}
		if ev.Type != EventRequestFailed || ev.Data.RequestID != "req-9" || !ev.Data.Refunded {
			t.Errorf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for notification")
	}

	select {
	case <-bob.send:
		t.Error("bob must not receive alice's notification")
	case <-time.After(100 * time.Millisecond):
	}

	if h.Stats()["totalEvents"].(int64) != 1 {
		t.Errorf("expected 1 total event, got %v", h.Stats()["totalEvents"])
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

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}

func TestHandleWebSocket_RequiresIdentity(t *testing.T) {
	h := testHub()
	w := httptest.NewRecorder()
	h.HandleWebSocket(w, httptest.NewRequest(http.MethodGet, "/ws", nil), "", false)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestHandleWebSocket_EndToEnd(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.HandleWebSocket(w, r, "alice", false)
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	for h.Stats()["connectedClients"].(int) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	h.Notify(context.Background(), settlement.Notification{
		AccountID: "alice", ServiceID: "svc-1", RequestID: "req-1",
		Status: requests.StatusCompleted, OccurredAt: time.Now(),
	})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Type != EventRequestCompleted || ev.Data.AccountID != "alice" {
		t.Errorf("unexpected event: %+v", ev)
	}
}
