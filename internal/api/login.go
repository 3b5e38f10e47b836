package api

import (
	"net/http"

	"github.com/agentaudit/decision-audit/internal/authn"
)

// handleLogin implements POST /auth/login. Real credential verification
// is an external collaborator (spec §1, §6); this is the local/dev
// substitute named in internal/authn's Issuer doc comment, minting a
// token for whatever subject and role the caller names so the rest of
// this service's tests and its `migrate` CLI helper can exercise bearer
// auth without that collaborator being reachable.
func handleLogin(issuer *authn.Issuer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req LoginRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, validationError("decoding request body: %v", err))
			return
		}
		if req.Username == "" {
			writeError(w, validationError("username is required"))
			return
		}
		role := req.Role
		if role == "" {
			role = "viewer"
		}

		token, err := issuer.Issue(req.Username, role)
		if err != nil {
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, LoginResponse{Token: token})
	}
}
