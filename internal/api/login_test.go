package api

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/agentaudit/decision-audit/internal/authn"
)

func TestLoginMintsToken(t *testing.T) {
	issuer := authn.NewIssuer([]byte("test-secret"), time.Hour)
	r := chi.NewRouter()
	RegisterPublicRoutes(r, issuer)

	rec := doJSON(t, r, http.MethodPost, "/api/v1/auth/login", LoginRequest{Username: "alice", Role: "operator"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	verifier := authn.NewVerifier([]byte("test-secret"))
	var resp LoginResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	claims, err := verifier.Verify(resp.Token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != "alice" || claims.Role != "operator" {
		t.Errorf("unexpected claims: %+v", claims)
	}
}

func TestLoginRejectsMissingUsername(t *testing.T) {
	issuer := authn.NewIssuer([]byte("test-secret"), time.Hour)
	r := chi.NewRouter()
	RegisterPublicRoutes(r, issuer)

	rec := doJSON(t, r, http.MethodPost, "/api/v1/auth/login", LoginRequest{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}
