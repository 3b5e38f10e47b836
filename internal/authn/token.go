package authn

import (
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwt"
)

// Issuer mints bearer tokens signed with an HMAC secret. The production
// login flow lives in an external collaborator (spec §6); Issuer exists
// so this service can mint tokens in its own tests and in the `migrate`
// CLI's local dev-login helper without depending on that collaborator
// being reachable.
type Issuer struct {
	secret []byte
	ttl    time.Duration
}

// NewIssuer creates an Issuer signing with secret, tokens valid for ttl.
func NewIssuer(secret []byte, ttl time.Duration) *Issuer {
	return &Issuer{secret: secret, ttl: ttl}
}

// Issue mints a signed token carrying subject and role claims.
func (i *Issuer) Issue(subject, role string) (string, error) {
	now := time.Now()
	tok, err := jwt.NewBuilder().
		Subject(subject).
		Claim("role", role).
		IssuedAt(now).
		Expiration(now.Add(i.ttl)).
		Build()
	if err != nil {
		return "", fmt.Errorf("building token: %w", err)
	}

	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256(), i.secret))
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return string(signed), nil
}
