package authn

import (
	"errors"
	"net/http"
	"strings"

	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwt"
)

// ErrMissingToken is returned when a request carries no bearer token.
var ErrMissingToken = errors.New("missing bearer token")

// Verifier verifies a bearer token and extracts its claims.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a Verifier checking tokens against secret.
func NewVerifier(secret []byte) *Verifier {
	return &Verifier{secret: secret}
}

// Verify parses and validates raw, returning its subject and role claims.
func (v *Verifier) Verify(raw string) (Claims, error) {
	tok, err := jwt.Parse([]byte(raw), jwt.WithKey(jwa.HS256(), v.secret), jwt.WithValidate(true))
	if err != nil {
		return Claims{}, err
	}

	var role string
	_ = tok.Get("role", &role)

	sub, _ := tok.Subject()
	return Claims{Subject: sub, Role: role}, nil
}

// Authenticate returns middleware that requires a valid bearer token on
// every request, per spec §6: "all non-auth, non-health routes require a
// bearer token." A missing or invalid token is rejected with 401 (spec
// §7's Authorization error kind).
func Authenticate(v *Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, err := bearerToken(r)
			if err != nil {
				http.Error(w, "missing or malformed Authorization header", http.StatusUnauthorized)
				return
			}

			claims, err := v.Verify(raw)
			if err != nil {
				http.Error(w, "invalid or expired token", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

// RequireRole returns middleware that rejects requests whose verified
// claims don't carry one of the allowed roles, with 403 (spec §7's
// Authorization error kind covers both missing and insufficient auth).
// It must run after Authenticate.
func RequireRole(allowed ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFromContext(r.Context())
			if !ok {
				http.Error(w, "missing authentication context", http.StatusUnauthorized)
				return
			}
			for _, role := range allowed {
				if claims.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			http.Error(w, "insufficient role", http.StatusForbidden)
		})
	}
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", ErrMissingToken
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}
