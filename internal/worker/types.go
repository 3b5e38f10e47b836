// Package worker implements the Log Worker (spec §4.3): the sole writer
// of the Store, re-validator and re-classifier of ingress payloads,
// caller of the audit service, and publisher of outcome events.
package worker

import "github.com/agentaudit/decision-audit/internal/logmodel"

// CreatePayload is the ingress shape of the logs.create subject: an
// unpersisted log plus whatever initial status the API's classify-before-
// publish pass assigned. The Worker re-classifies on receipt regardless
// (spec's Open Question: "re-classify at worker, defensive").
type CreatePayload struct {
	Log logmodel.Log `json:"log"`
}

// BulkPayload is the ingress shape of the logs.bulk subject.
type BulkPayload struct {
	BatchID string         `json:"batch_id"`
	Logs    []logmodel.Log `json:"logs"`
}

// UpdatePayload is the ingress shape of the logs.update subject.
type UpdatePayload struct {
	AgentID        string            `json:"agent_id"`
	StepID         int64             `json:"step_id"`
	Reviewed       bool              `json:"reviewed"`
	ReviewComments string            `json:"review_comments"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// CreatedOutcome is published on logs.created once a log is durably
// persisted and audited.
type CreatedOutcome struct {
	Log logmodel.Log `json:"log"`
}

// BulkCreatedOutcome is published on logs.bulk-created once a batch has
// been processed, unordered, with per-item failures reported separately.
type BulkCreatedOutcome struct {
	BatchID  string                `json:"batch_id"`
	Count    int                   `json:"count"`
	Logs     []logmodel.Log        `json:"logs"`
	Failures []BulkFailureOutcome  `json:"failures,omitempty"`
}

// BulkFailureOutcome reports one log in a bulk submission that could not
// be accepted.
type BulkFailureOutcome struct {
	AgentID string `json:"agent_id"`
	StepID  int64  `json:"step_id"`
	Reason  string `json:"reason"`
}

// UpdatedOutcome is published on logs.updated once a review mutation has
// been applied and audited.
type UpdatedOutcome struct {
	Log logmodel.Log `json:"log"`
}
