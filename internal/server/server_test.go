package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/agentaudit/decision-audit/internal/alerting"
	"github.com/agentaudit/decision-audit/internal/audit"
	"github.com/agentaudit/decision-audit/internal/authn"
	"github.com/agentaudit/decision-audit/internal/db"
	"github.com/agentaudit/decision-audit/internal/eventbus"
	"github.com/agentaudit/decision-audit/internal/store"
)

func setupServer(t *testing.T, allowAll bool) *Server {
	t.Helper()
	database, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	bus := eventbus.New(database)
	st := store.NewStore(database)
	auditSvc := audit.NewService(audit.NewStore(database), time.Hour)
	verifier := authn.NewVerifier([]byte("test-secret"))
	issuer := authn.NewIssuer([]byte("test-secret"), time.Hour)
	alertStore := alerting.NewStore(database)

	return New(Config{Port: 0, AllowAll: allowAll}, database, bus, st, auditSvc, verifier, issuer, alertStore)
}

func TestHealthCheck(t *testing.T) {
	srv := setupServer(t, false)

	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status 'ok', got %q", body["status"])
	}
}

func TestReadyCheck(t *testing.T) {
	srv := setupServer(t, false)

	req := httptest.NewRequest("GET", "/readyz", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body %s", w.Code, w.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := setupServer(t, false)

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w.Body.Len() == 0 {
		t.Error("expected non-empty metrics body")
	}
}

func TestCORSHeaders(t *testing.T) {
	srv := setupServer(t, true)

	req := httptest.NewRequest("OPTIONS", "/healthz", nil)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", "GET")
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Error("expected CORS Allow-Origin header")
	}
}

func TestProtectedRouteRequiresBearerToken(t *testing.T) {
	srv := setupServer(t, false)

	req := httptest.NewRequest("GET", "/api/v1/logs/a1/1", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestLoginRouteIsPublic(t *testing.T) {
	srv := setupServer(t, false)

	body := `{"username":"alice","role":"operator"}`
	req := httptest.NewRequest("POST", "/api/v1/auth/login", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body %s", w.Code, w.Body.String())
	}
}
