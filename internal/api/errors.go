package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/agentaudit/decision-audit/internal/store"
)

// apiError carries an explicit status code, distinct from a bare Go
// error, so a handler can raise the exact error kind named in spec §7
// without the dispatcher having to guess from wrapped sentinels.
type apiError struct {
	status int
	msg    string
}

func (e *apiError) Error() string { return e.msg }

func validationError(format string, args ...any) error {
	return &apiError{status: http.StatusBadRequest, msg: fmt.Sprintf(format, args...)}
}

func notFoundError(format string, args ...any) error {
	return &apiError{status: http.StatusNotFound, msg: fmt.Sprintf(format, args...)}
}

func conflictError(format string, args ...any) error {
	return &apiError{status: http.StatusConflict, msg: fmt.Sprintf(format, args...)}
}

// writeError translates an error kind (spec §7) to an HTTP status and
// writes the JSON error body. Store sentinels are mapped explicitly since
// the store package predates apiError and returns plain wrapped errors.
func writeError(w http.ResponseWriter, err error) {
	var ae *apiError
	if errors.As(err, &ae) {
		writeJSON(w, ae.status, map[string]string{"error": ae.msg})
		return
	}

	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, store.ErrConflict):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		// Transient (bus unavailable, store timeout) and Integrity kinds
		// both surface as 5xx (spec §7); the API layer does not
		// distinguish further, and it does not retry a failed publish.
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

// validateLogRequest applies the ingestion API's field checks (spec
// §4.1): agent_id, input_data, output, and reasoning are required.
func validateLogRequest(r LogRequest) error {
	var missing []string
	if r.AgentID == "" {
		missing = append(missing, "agent_id")
	}
	if len(r.InputData) == 0 {
		missing = append(missing, "input_data")
	}
	if len(r.Output) == 0 {
		missing = append(missing, "output")
	}
	if strings.TrimSpace(r.Reasoning) == "" {
		missing = append(missing, "reasoning")
	}
	if len(missing) > 0 {
		return validationError("missing required fields: %s", strings.Join(missing, ", "))
	}
	return nil
}
