// Package authn implements bearer-token verification for the core API
// (spec §7's Authorization error kind). Token issuance (POST /auth/login)
// is delegated to an external collaborator per spec §6; this package
// verifies tokens and extracts the role claim used for the core's own
// authorization checks. Its Issuer (token.go) mints tokens only for the
// dev login stub and tests. No library in the
// retrieval pack touches JWT verification, so this uses
// github.com/lestrrat-go/jwx/v3, a widely-used real ecosystem library
// (see DESIGN.md).
package authn

import "context"

// Claims is the subset of a verified token's claims the core cares about.
type Claims struct {
	Subject string
	Role    string
}

type claimsContextKey struct{}

// WithClaims returns a context carrying claims, read back by ClaimsFromContext.
func WithClaims(ctx context.Context, c Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey{}, c)
}

// ClaimsFromContext retrieves the claims attached by the Authenticate
// middleware, if any.
func ClaimsFromContext(ctx context.Context) (Claims, bool) {
	c, ok := ctx.Value(claimsContextKey{}).(Claims)
	return c, ok
}
