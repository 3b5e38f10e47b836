package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// handleDLQ implements GET /dlq/{subject}, the operational read endpoint
// over the dead-letter mirror table (SPEC_FULL §13), in the spirit of the
// teacher's audit-query route: it lets an operator inspect what failed
// permanently without granting write access to the DLQ itself.
func (a *API) handleDLQ(w http.ResponseWriter, r *http.Request) {
	subject := chi.URLParam(r, "subject")
	limit := 100
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v <= 1000 {
		limit = v
	}

	entries, err := a.bus.DLQ(r.Context(), subject, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}
