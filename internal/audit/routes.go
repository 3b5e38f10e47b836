package audit

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

// RegisterRoutes mounts the audit pack export and proof-query endpoints
// under /api/v1/audit (spec §6, §13's supplemented pack endpoint).
func RegisterRoutes(r chi.Router, svc *Service) {
	r.Route("/api/v1/audit", func(r chi.Router) {
		r.Get("/pack", handleExportPack(svc))
		r.Get("/proof", handleGenerateProof(svc))
	})
}

func handleExportPack(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		from, to, err := parseRange(q)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		pack, err := svc.ExportPack(r.Context(), from, to)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, pack)
	}
}

func handleGenerateProof(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		windowID, err := strconv.ParseInt(q.Get("window_id"), 10, 64)
		if err != nil {
			http.Error(w, "window_id is required and must be an integer", http.StatusBadRequest)
			return
		}
		logHash := q.Get("log_hash")
		if logHash == "" {
			http.Error(w, "log_hash is required", http.StatusBadRequest)
			return
		}

		proof, err := svc.GenerateProof(r.Context(), windowID, logHash)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}

		writeJSON(w, http.StatusOK, proof)
	}
}

func parseRange(q map[string][]string) (time.Time, time.Time, error) {
	get := func(key string) string {
		if v, ok := q[key]; ok && len(v) > 0 {
			return v[0]
		}
		return ""
	}

	to := time.Now().UTC()
	from := to.Add(-24 * time.Hour)

	if v := get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		from = t
	}
	if v := get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		to = t
	}
	return from, to, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
