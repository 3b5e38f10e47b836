package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/agentaudit/decision-audit/internal/classifier"
	"github.com/agentaudit/decision-audit/internal/eventbus"
	"github.com/agentaudit/decision-audit/internal/logmodel"
	"github.com/agentaudit/decision-audit/internal/store"
	"github.com/agentaudit/decision-audit/internal/worker"
)

// API holds the dependencies behind /api/v1: the durable event bus for
// writes, and the Store for synchronous reads (spec §4.1's "publish for
// writes, read the Store directly" split).
type API struct {
	bus   *eventbus.Bus
	store *store.Store
}

// New creates an API over the given bus and store.
func New(bus *eventbus.Bus, st *store.Store) *API {
	return &API{bus: bus, store: st}
}

// handleSubmitLog implements POST /logs (spec §4.1's SubmitLog).
func (a *API) handleSubmitLog(w http.ResponseWriter, r *http.Request) {
	var req LogRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, validationError("decoding request body: %v", err))
		return
	}
	if err := validateLogRequest(req); err != nil {
		writeError(w, err)
		return
	}

	l := req.toLog()
	if classifier.Classify(l) {
		l.Status = logmodel.StatusAnomaly
	} else {
		l.Status = logmodel.StatusSuccess
	}

	idempotencyKey := uuid.New().String()
	receipt, err := a.bus.Publish(r.Context(), worker.SubjectCreate, idempotencyKey, worker.CreatePayload{Log: l}, nil)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, AcceptedReceipt{
		Status:   "accepted",
		EventID:  receipt.ID,
		Subject:  receipt.Subject,
		Sequence: receipt.Sequence,
	})
}

// handleSubmitBulk implements POST /logs/bulk (spec §4.1's SubmitBulk).
func (a *API) handleSubmitBulk(w http.ResponseWriter, r *http.Request) {
	var req BulkRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, validationError("decoding request body: %v", err))
		return
	}
	if len(req.Logs) == 0 {
		writeError(w, validationError("bulk submission requires at least one log"))
		return
	}

	logs := make([]logmodel.Log, 0, len(req.Logs))
	for i, item := range req.Logs {
		if err := validateLogRequest(item); err != nil {
			writeError(w, validationError("log[%d]: %v", i, err))
			return
		}
		l := item.toLog()
		if classifier.Classify(l) {
			l.Status = logmodel.StatusAnomaly
		} else {
			l.Status = logmodel.StatusSuccess
		}
		logs = append(logs, l)
	}

	batchID := uuid.New().String()
	receipt, err := a.bus.Publish(r.Context(), worker.SubjectBulk, "", worker.BulkPayload{BatchID: batchID, Logs: logs}, nil)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, AcceptedReceipt{
		Status:   "accepted",
		EventID:  receipt.ID,
		Subject:  receipt.Subject,
		Sequence: receipt.Sequence,
		BatchID:  batchID,
		Count:    len(logs),
	})
}

// handleGetByAgent implements GET /logs/{agent_id}: a paginated list.
func (a *API) handleGetByAgent(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agent_id")
	page, limit := pagination(r)

	logs, err := a.store.Search(r.Context(), store.SearchFilter{
		AgentID:  agentID,
		Limit:    limit,
		Offset:   (page - 1) * limit,
		SortDesc: sortDesc(r),
		From:     zeroTimeRange(),
		To:       nil,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, LogListResponse{Logs: logs, Page: page, Limit: limit})
}

// handleGetStep implements GET /logs/{agent_id}/{step_id}.
func (a *API) handleGetStep(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agent_id")
	stepID, err := strconv.ParseInt(chi.URLParam(r, "step_id"), 10, 64)
	if err != nil {
		writeError(w, validationError("step_id must be an integer"))
		return
	}

	l, err := a.store.GetByStep(r.Context(), agentID, stepID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// handleUpdateReview implements PUT /logs/{agent_id}/{step_id} (spec
// §4.1's UpdateReview): it rejects eagerly at the API when the mutation-
// eligibility invariant is already known to be violated, then publishes
// logs.update for the Worker to apply.
func (a *API) handleUpdateReview(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agent_id")
	stepID, err := strconv.ParseInt(chi.URLParam(r, "step_id"), 10, 64)
	if err != nil {
		writeError(w, validationError("step_id must be an integer"))
		return
	}

	var req ReviewRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, validationError("decoding request body: %v", err))
		return
	}

	current, err := a.store.GetByStep(r.Context(), agentID, stepID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !current.Mutable() {
		writeError(w, conflictError("log %s/%d is no longer eligible for mutation", agentID, stepID))
		return
	}

	idempotencyKey := uuid.New().String()
	receipt, err := a.bus.Publish(r.Context(), worker.SubjectUpdate, idempotencyKey, worker.UpdatePayload{
		AgentID:        agentID,
		StepID:         stepID,
		Reviewed:       req.Reviewed,
		ReviewComments: req.ReviewComments,
	}, nil)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, AcceptedReceipt{
		Status:   "accepted",
		EventID:  receipt.ID,
		Subject:  receipt.Subject,
		Sequence: receipt.Sequence,
	})
}

// handleSearch implements GET /logs/search (spec §4.1's Search).
func (a *API) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, limit := pagination(r)

	filter := store.SearchFilter{
		AgentID:  q.Get("agent_id"),
		Status:   logmodel.Status(q.Get("status")),
		TraceID:  q.Get("trace_id"),
		Keyword:  q.Get("keyword"),
		Limit:    limit,
		Offset:   (page - 1) * limit,
		SortDesc: sortDesc(r),
	}
	if v := q.Get("reviewed"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, validationError("reviewed must be a boolean"))
			return
		}
		filter.Reviewed = &b
	}
	if v := q.Get("from_date"); v != "" {
		t, err := parseDate(v)
		if err != nil {
			writeError(w, validationError("from_date: %v", err))
			return
		}
		filter.From = &t
	}
	if v := q.Get("to_date"); v != "" {
		t, err := parseDate(v)
		if err != nil {
			writeError(w, validationError("to_date: %v", err))
			return
		}
		filter.To = &t
	}

	logs, err := a.store.Search(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, LogListResponse{Logs: logs, Page: page, Limit: limit})
}

// handleSummary implements GET /logs/summary/{agent_id}.
func (a *API) handleSummary(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agent_id")
	q := r.URL.Query()

	var from, to *time.Time
	if v := q.Get("from_date"); v != "" {
		t, err := parseDate(v)
		if err != nil {
			writeError(w, validationError("from_date: %v", err))
			return
		}
		from = &t
	}
	if v := q.Get("to_date"); v != "" {
		t, err := parseDate(v)
		if err != nil {
			writeError(w, validationError("to_date: %v", err))
			return
		}
		to = &t
	}

	summary, err := a.store.Summary(r.Context(), agentID, from, to)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func pagination(r *http.Request) (page, limit int) {
	q := r.URL.Query()
	page = 1
	limit = 50
	if v, err := strconv.Atoi(q.Get("page")); err == nil && v > 0 {
		page = v
	}
	if v, err := strconv.Atoi(q.Get("limit")); err == nil && v > 0 {
		limit = v
	}
	if limit > 500 {
		limit = 500
	}
	return page, limit
}

func sortDesc(r *http.Request) bool {
	order := r.URL.Query().Get("order")
	return order != "asc"
}

// zeroTimeRange lets handleGetByAgent fall through to Search's own
// "no range given, last 30 days" default (spec §4.1) rather than
// duplicating that default here.
func zeroTimeRange() *time.Time { return nil }

func parseDate(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, v)
}
