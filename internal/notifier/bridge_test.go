package notifier

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/agentaudit/decision-audit/internal/db"
	"github.com/agentaudit/decision-audit/internal/eventbus"
	"github.com/agentaudit/decision-audit/internal/logmodel"
)

func TestSubscribeOutcomesDeliversLogCreatedToMatchingRoom(t *testing.T) {
	database, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	bus := eventbus.New(database)

	hub := NewHub(nil)
	r := chi.NewRouter()
	RegisterRoutes(r, hub)
	server := httptest.NewServer(r)
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	subs := SubscribeOutcomes(ctx, hub, bus, eventbus.WithPollInterval(5*time.Millisecond))
	defer func() {
		for _, s := range subs {
			s.Stop()
		}
	}()

	conn := dial(t, server)

	var welcome ServerMessage
	if err := conn.ReadJSON(&welcome); err != nil {
		t.Fatalf("reading welcome: %v", err)
	}

	if err := conn.WriteJSON(ClientMessage{Type: "join-room", Room: "r1", Filters: map[string]any{"agentId": "a1"}}); err != nil {
		t.Fatalf("join-room: %v", err)
	}
	var joined ServerMessage
	if err := conn.ReadJSON(&joined); err != nil {
		t.Fatalf("reading room-joined: %v", err)
	}

	l := logmodel.Log{AgentID: "a1", StepID: 1, Status: logmodel.StatusSuccess}
	if _, err := bus.Publish(context.Background(), "logs.created", "", logOutcomePayload{Log: l}, nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	var msg ServerMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("reading log-created: %v", err)
	}
	if msg.Type != "log-created" {
		t.Fatalf("type = %q, want log-created", msg.Type)
	}
}
