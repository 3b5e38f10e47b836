package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/agentaudit/decision-audit/internal/db"
)

func setupDispatcher(t *testing.T) (*Dispatcher, *Store) {
	t.Helper()
	database, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	store := NewStore(database)
	return NewDispatcher(store), store
}

func TestDispatchPersistsAlert(t *testing.T) {
	d, store := setupDispatcher(t)

	a, err := d.Dispatch(context.Background(), KindIntegrity, "logs.update", "content hash mismatch")
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if a.Severity != SeverityCritical {
		t.Errorf("severity = %q, want critical", a.Severity)
	}

	alerts, err := store.List(context.Background(), ListFilter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(alerts) != 1 || alerts[0].ID != a.ID {
		t.Fatalf("List = %+v, want one alert with id %s", alerts, a.ID)
	}
}

func TestDispatchDeliversToMatchingWebhookOnly(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		var a Alert
		json.NewDecoder(r.Body).Decode(&a)
		if a.Kind != KindIntegrity {
			t.Errorf("webhook received kind %q, want integrity", a.Kind)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	// A server that is closed straight away leaves a URL nothing listens on.
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	d, store := setupDispatcher(t)
	if err := store.SetWebhook(context.Background(), Webhook{URL: srv.URL, MinSeverity: SeverityCritical}); err != nil {
		t.Fatalf("SetWebhook: %v", err)
	}
	if err := store.SetWebhook(context.Background(), Webhook{URL: deadURL + "/unused", MinSeverity: SeverityCritical}); err != nil {
		t.Fatalf("SetWebhook: %v", err)
	}

	if _, err := d.Dispatch(context.Background(), KindTransientExhausted, "logs.create", "bus unavailable"); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if hits != 0 {
		t.Fatalf("warning-severity alert hit %d webhooks, want 0 (both require critical)", hits)
	}

	if _, err := d.Dispatch(context.Background(), KindIntegrity, "logs.update", "chain discontinuity"); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if hits != 1 {
		t.Fatalf("hits = %d, want 1 (the reachable webhook only)", hits)
	}
}
