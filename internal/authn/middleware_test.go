package authn

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestAuthenticateRejectsMissingToken(t *testing.T) {
	v := NewVerifier([]byte("test-secret"))
	handler := Authenticate(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/logs/agent-1", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestAuthenticateAcceptsValidToken(t *testing.T) {
	secret := []byte("test-secret")
	issuer := NewIssuer(secret, time.Hour)
	v := NewVerifier(secret)

	token, err := issuer.Issue("user-1", "operator")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	var gotClaims Claims
	handler := Authenticate(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotClaims, _ = ClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/logs/agent-1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if gotClaims.Subject != "user-1" || gotClaims.Role != "operator" {
		t.Errorf("unexpected claims: %+v", gotClaims)
	}
}

func TestAuthenticateRejectsTokenSignedWithWrongSecret(t *testing.T) {
	issuer := NewIssuer([]byte("attacker-secret"), time.Hour)
	v := NewVerifier([]byte("real-secret"))

	token, err := issuer.Issue("user-1", "operator")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	handler := Authenticate(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/logs/agent-1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestAuthenticateRejectsExpiredToken(t *testing.T) {
	secret := []byte("test-secret")
	issuer := NewIssuer(secret, -time.Hour) // already expired
	v := NewVerifier(secret)

	token, err := issuer.Issue("user-1", "operator")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	handler := Authenticate(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/logs/agent-1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestRequireRoleRejectsInsufficientRole(t *testing.T) {
	secret := []byte("test-secret")
	issuer := NewIssuer(secret, time.Hour)
	v := NewVerifier(secret)

	token, err := issuer.Issue("user-1", "viewer")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	handler := Authenticate(v)(RequireRole("admin")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/logs/agent-1/1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusForbidden)
	}
}
