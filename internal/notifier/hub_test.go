package notifier

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

func setupTest(t *testing.T) (*Hub, chi.Router) {
	t.Helper()
	hub := NewHub(nil)
	r := chi.NewRouter()
	RegisterRoutes(r, hub)
	return hub, r
}

func dial(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/notifications"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWebSocketUpgradeSendsWelcome(t *testing.T) {
	_, r := setupTest(t)
	server := httptest.NewServer(r)
	defer server.Close()

	conn := dial(t, server)

	var msg ServerMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != "welcome" {
		t.Errorf("type = %q, want welcome", msg.Type)
	}
}

func TestJoinRoomRepliesWithMemberCount(t *testing.T) {
	_, r := setupTest(t)
	server := httptest.NewServer(r)
	defer server.Close()

	conn := dial(t, server)
	var welcome ServerMessage
	conn.ReadJSON(&welcome)

	if err := conn.WriteJSON(ClientMessage{
		Type:    "join-room",
		Room:    "agent-1-logs",
		Filters: map[string]any{"agent_id": "agent-1"},
	}); err != nil {
		t.Fatalf("write: %v", err)
	}

	var joined ServerMessage
	if err := conn.ReadJSON(&joined); err != nil {
		t.Fatalf("read: %v", err)
	}
	if joined.Type != "room-joined" || joined.Room != "agent-1-logs" {
		t.Fatalf("unexpected join response: %+v", joined)
	}
	if joined.MemberCount != 1 {
		t.Errorf("member count = %d, want 1", joined.MemberCount)
	}
}

func TestDispatchDeliversToMatchingRoomOnly(t *testing.T) {
	hub, r := setupTest(t)
	server := httptest.NewServer(r)
	defer server.Close()

	connA := dial(t, server)
	var welcome ServerMessage
	connA.ReadJSON(&welcome)
	connA.WriteJSON(ClientMessage{Type: "join-room", Room: "a", Filters: map[string]any{"agent_id": "agent-1"}})
	var joinedA ServerMessage
	connA.ReadJSON(&joinedA)

	connB := dial(t, server)
	connB.ReadJSON(&welcome)
	connB.WriteJSON(ClientMessage{Type: "join-room", Room: "b", Filters: map[string]any{"agent_id": "agent-2"}})
	var joinedB ServerMessage
	connB.ReadJSON(&joinedB)

	hub.Dispatch("log-created", map[string]any{"agent_id": "agent-1"}, map[string]string{"step": "1"})

	connA.SetReadDeadline(time.Now().Add(2 * time.Second))
	var gotA ServerMessage
	if err := connA.ReadJSON(&gotA); err != nil {
		t.Fatalf("expected connA to receive the event: %v", err)
	}
	if gotA.Type != "log-created" || gotA.Room != "a" {
		t.Errorf("unexpected delivery to connA: %+v", gotA)
	}

	connB.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var gotB ServerMessage
	if err := connB.ReadJSON(&gotB); err == nil {
		t.Errorf("expected connB not to receive a non-matching event, got %+v", gotB)
	}
}

func TestDispatchArrayFilterMatchesBySetMembership(t *testing.T) {
	hub, r := setupTest(t)
	server := httptest.NewServer(r)
	defer server.Close()

	conn := dial(t, server)
	var welcome ServerMessage
	conn.ReadJSON(&welcome)
	conn.WriteJSON(ClientMessage{
		Type:    "join-room",
		Room:    "multi-agent",
		Filters: map[string]any{"agent_id": []any{"agent-1", "agent-2"}},
	})
	var joined ServerMessage
	conn.ReadJSON(&joined)

	hub.Dispatch("log-created", map[string]any{"agent_id": "agent-2"}, map[string]string{"step": "1"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got ServerMessage
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("expected delivery via array-filter membership: %v", err)
	}
	if got.Type != "log-created" {
		t.Errorf("type = %q, want log-created", got.Type)
	}
}

func TestLeaveRoomRemovesMembership(t *testing.T) {
	hub, r := setupTest(t)
	server := httptest.NewServer(r)
	defer server.Close()

	conn := dial(t, server)
	var welcome ServerMessage
	conn.ReadJSON(&welcome)
	conn.WriteJSON(ClientMessage{Type: "join-room", Room: "r1", Filters: map[string]any{"agent_id": "agent-1"}})
	var joined ServerMessage
	conn.ReadJSON(&joined)

	conn.WriteJSON(ClientMessage{Type: "leave-room", Room: "r1"})
	time.Sleep(50 * time.Millisecond)

	hub.mu.RLock()
	_, exists := hub.rooms["r1"]
	hub.mu.RUnlock()
	if exists {
		t.Error("expected room to be removed on last leave")
	}
}

func TestBackpressureSkipsRoomOverLimit(t *testing.T) {
	hub := NewHub(nil, WithRoomMemberLimit(0))
	r := chi.NewRouter()
	RegisterRoutes(r, hub)
	server := httptest.NewServer(r)
	defer server.Close()

	conn := dial(t, server)
	var welcome ServerMessage
	conn.ReadJSON(&welcome)
	conn.WriteJSON(ClientMessage{Type: "join-room", Room: "over-limit", Filters: map[string]any{}})
	var joined ServerMessage
	conn.ReadJSON(&joined)

	hub.Dispatch("log-created", map[string]any{}, map[string]string{"step": "1"})

	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var got ServerMessage
	if err := conn.ReadJSON(&got); err == nil {
		t.Errorf("expected room over the member limit to be load-shed, got %+v", got)
	}
}
