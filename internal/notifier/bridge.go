package notifier

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/agentaudit/decision-audit/internal/eventbus"
	"github.com/agentaudit/decision-audit/internal/logmodel"
)

// outcome subjects the Notifier consumes (spec §4.6's "subscribes to
// egress subjects"). The subject names are literal copies of the worker's
// SubjectCreated/SubjectUpdated/SubjectBulkCreated values rather than
// imports of internal/worker, which would become an import cycle if the
// worker package ever depended on the notifier.
const (
	subjectCreated     = "logs.created"
	subjectUpdated     = "logs.updated"
	subjectBulkCreated = "logs.bulk-created"

	bridgeQueueGroup = "notifiers"
)

// bulkCreatedPayload mirrors worker.BulkCreatedOutcome's wire shape,
// without importing internal/worker (this package only needs the field
// names, not the worker's own types).
type bulkCreatedPayload struct {
	BatchID string         `json:"batch_id"`
	Count   int            `json:"count"`
	Logs    []logmodel.Log `json:"logs"`
}

// logOutcomePayload mirrors worker.CreatedOutcome/UpdatedOutcome's wire
// shape: {"log": {...}}.
type logOutcomePayload struct {
	Log logmodel.Log `json:"log"`
}

// SubscribeOutcomes wires the Hub to the event bus's outcome subjects
// (spec §4.6), translating each outcome into a Dispatch call with the
// filter-matchable fields a room's join predicate can match against
// (spec §4.6's match semantics: agentId, status, traceId).
func SubscribeOutcomes(ctx context.Context, h *Hub, bus *eventbus.Bus, opts ...eventbus.SubscribeOption) []*eventbus.Subscription {
	subs := []*eventbus.Subscription{
		bus.Subscribe(ctx, subjectCreated, bridgeQueueGroup, h.handleLogOutcome("log-created"), opts...),
		bus.Subscribe(ctx, subjectUpdated, bridgeQueueGroup, h.handleLogOutcome("log-updated"), opts...),
		bus.Subscribe(ctx, subjectBulkCreated, bridgeQueueGroup, h.handleBulkOutcome, opts...),
	}
	return subs
}

func (h *Hub) handleLogOutcome(eventType string) eventbus.Handler {
	return func(ctx context.Context, msg eventbus.Message) error {
		var payload logOutcomePayload
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			return eventbus.Permanent(fmt.Errorf("decoding %s outcome: %w", eventType, err))
		}
		h.Dispatch(eventType, logFields(payload.Log), payload.Log)
		return nil
	}
}

func (h *Hub) handleBulkOutcome(ctx context.Context, msg eventbus.Message) error {
	var payload bulkCreatedPayload
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		return eventbus.Permanent(fmt.Errorf("decoding bulk-logs-created outcome: %w", err))
	}

	// A bulk batch can span multiple agents; dispatch once per distinct
	// agent_id so a room's single-value agentId filter still matches
	// (spec §4.6's match semantics only define scalar/array comparisons
	// against one event, not a batch).
	seen := map[string]bool{}
	for _, l := range payload.Logs {
		if seen[l.AgentID] {
			continue
		}
		seen[l.AgentID] = true
		h.Dispatch("bulk-logs-created", logFields(l), payload)
	}
	if len(payload.Logs) == 0 {
		h.Dispatch("bulk-logs-created", nil, payload)
	}
	return nil
}

func logFields(l logmodel.Log) map[string]any {
	return map[string]any{
		"agentId": l.AgentID,
		"stepId":  l.StepID,
		"traceId": l.TraceID,
		"status":  string(l.Status),
	}
}
