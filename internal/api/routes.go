package api

import (
	"github.com/go-chi/chi/v5"

	"github.com/agentaudit/decision-audit/internal/authn"
)

// RegisterRoutes mounts the ingestion API under /api/v1 (spec §6). The
// caller is expected to have already scoped r with the bearer-auth
// middleware (internal/authn) — see internal/server, which groups this
// alongside internal/audit's routes under one authenticated block and
// leaves /healthz, /readyz, /metrics, and /api/v1/auth/login public.
func RegisterRoutes(r chi.Router, a *API) {
	r.Route("/api/v1/logs", func(r chi.Router) {
		r.Post("/", a.handleSubmitLog)
		r.Post("/bulk", a.handleSubmitBulk)
		r.Get("/search", a.handleSearch)
		r.Get("/summary/{agent_id}", a.handleSummary)
		r.Get("/{agent_id}", a.handleGetByAgent)
		r.Get("/{agent_id}/{step_id}", a.handleGetStep)
		r.Put("/{agent_id}/{step_id}", a.handleUpdateReview)
	})

	r.Get("/api/v1/dlq/{subject}", a.handleDLQ)
}

// RegisterPublicRoutes mounts the routes spec §6 exempts from bearer auth:
// the dev-login stub. Health/ready/metrics are registered directly by
// internal/server, not here, since they carry no ingestion-API state.
func RegisterPublicRoutes(r chi.Router, issuer *authn.Issuer) {
	r.Post("/api/v1/auth/login", handleLogin(issuer))
}
