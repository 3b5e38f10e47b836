package alerting

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

// RegisterRoutes mounts the alert inspection and webhook-registration
// endpoints under /api/v1/alerts, in the spirit of the teacher's
// audit-query route (internal/audit/routes.go) — an operational read
// surface over a table the worker writes, not part of the ingestion
// contract.
func RegisterRoutes(r chi.Router, store *Store) {
	r.Route("/api/v1/alerts", func(r chi.Router) {
		r.Get("/", handleList(store))
		r.Put("/webhooks", handleSetWebhook(store))
	})
}

func handleList(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := ListFilter{
			Kind:     Kind(q.Get("kind")),
			Severity: Severity(q.Get("severity")),
		}
		if v := q.Get("since"); v != "" {
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				filter.Since = t
			}
		}
		if v := q.Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				filter.Limit = n
			}
		}

		alerts, err := store.List(r.Context(), filter)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, alerts)
	}
}

func handleSetWebhook(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var hook Webhook
		if err := json.NewDecoder(r.Body).Decode(&hook); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if hook.URL == "" {
			http.Error(w, "url is required", http.StatusBadRequest)
			return
		}
		if hook.MinSeverity == "" {
			hook.MinSeverity = SeverityWarning
		}

		if err := store.SetWebhook(r.Context(), hook); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, hook)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
