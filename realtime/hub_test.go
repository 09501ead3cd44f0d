package realtime

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dialHub(t *testing.T, h *Hub, user string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?user=" + user
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readEvent(t *testing.T, ws *websocket.Conn) *Event {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var ev Event
	if err := json.Unmarshal(msg, &ev); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	return &ev
}

func setActive(t *testing.T, ws *websocket.Conn, cid string) {
	t.Helper()
	if err := ws.WriteJSON(map[string]string{"type": "set_active", "cid": cid}); err != nil {
		t.Fatalf("failed to send control frame: %v", err)
	}
	// The control frame is processed asynchronously by the read loop.
	time.Sleep(100 * time.Millisecond)
}

func TestHubDeliversToActiveConversation(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()
	ws := dialHub(t, h, "u1")
	setActive(t, ws, "conv-A")

	h.Publish("u1", &Event{Type: EventAnswerToken, ConversationID: "conv-A", Payload: map[string]string{"token": "x"}})

	ev := readEvent(t, ws)
	if ev.Type != EventAnswerToken || ev.ConversationID != "conv-A" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestHubFiltersMismatchedConversation(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()
	ws := dialHub(t, h, "u1")
	setActive(t, ws, "conv-B")

	// This event targets a different conversation and must not arrive; the
	// following global event must.
	h.Publish("u1", &Event{Type: EventAnswerToken, ConversationID: "conv-A"})
	h.Publish("u1", &Event{Type: EventUsageUpdate})

	ev := readEvent(t, ws)
	if ev.Type != EventUsageUpdate {
		t.Fatalf("expected the global event first, got %+v", ev)
	}
}

func TestHubIsolatesUsers(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()
	ws1 := dialHub(t, h, "u1")
	ws2 := dialHub(t, h, "u2")
	setActive(t, ws1, "conv-A")
	setActive(t, ws2, "conv-A")

	h.Publish("u2", &Event{Type: EventTurnComplete, ConversationID: "conv-A"})

	ev := readEvent(t, ws2)
	if ev.Type != EventTurnComplete {
		t.Fatalf("u2 should receive the event, got %+v", ev)
	}

	ws1.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, _, err := ws1.ReadMessage(); err == nil {
		t.Fatal("u1 must not receive u2's event")
	}
}

func TestHubPublishNeverBlocksWithoutClients(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			h.Publish("nobody", &Event{Type: EventAnswerToken, ConversationID: "c"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked with no connected clients")
	}
}
