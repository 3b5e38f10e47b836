// Package api implements the ingestion API (spec §4.1, §6): HTTP handlers
// over /api/v1 that validate, classify, and publish ingress events to the
// event bus, and serve synchronous reads against the Store. Route and
// handler shape follow the teacher's internal/audit and
// internal/notifications route packages.
package api

import (
	"encoding/json"
	"time"

	"github.com/agentaudit/decision-audit/internal/logmodel"
)

// LogRequest is the wire shape of a single submitted log (spec §4.1).
type LogRequest struct {
	AgentID   string          `json:"agent_id"`
	StepID    int64           `json:"step_id"`
	TraceID   string          `json:"trace_id,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
	Timestamp *time.Time      `json:"timestamp,omitempty"`
	InputData json.RawMessage `json:"input_data"`
	Output    json.RawMessage `json:"output"`
	Reasoning string          `json:"reasoning"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// toLog converts the wire request into a logmodel.Log, assigning the
// current time when the producer omitted a timestamp (spec §3).
func (r LogRequest) toLog() logmodel.Log {
	ts := time.Now().UTC()
	if r.Timestamp != nil {
		ts = *r.Timestamp
	}
	return logmodel.Log{
		AgentID:   r.AgentID,
		StepID:    r.StepID,
		TraceID:   r.TraceID,
		UserID:    r.UserID,
		Timestamp: ts,
		InputData: r.InputData,
		Output:    r.Output,
		Reasoning: r.Reasoning,
		Metadata:  r.Metadata,
	}
}

// BulkRequest is the wire shape of POST /logs/bulk.
type BulkRequest struct {
	Logs []LogRequest `json:"logs"`
}

// ReviewRequest is the wire shape of PUT /logs/{agent_id}/{step_id}.
type ReviewRequest struct {
	Reviewed       bool   `json:"reviewed"`
	ReviewComments string `json:"review_comments,omitempty"`
}

// AcceptedReceipt is the 202-style response handed back on every
// publish-and-return ingestion call (spec §4.1): success here does not
// imply persistence, only that the bus accepted the event.
type AcceptedReceipt struct {
	Status   string `json:"status"`
	EventID  string `json:"event_id"`
	Subject  string `json:"subject"`
	Sequence int64  `json:"sequence"`
	BatchID  string `json:"batch_id,omitempty"`
	Count    int    `json:"count,omitempty"`
}

// LogListResponse is the response shape for the paginated list and search
// endpoints.
type LogListResponse struct {
	Logs  []logmodel.Log `json:"logs"`
	Page  int            `json:"page"`
	Limit int            `json:"limit"`
}

// LoginRequest is the dev-login stub's request body. Real credential
// verification is delegated to an external collaborator (spec §6); see
// login.go.
type LoginRequest struct {
	Username string `json:"username"`
	Role     string `json:"role"`
}

// LoginResponse carries the minted bearer token.
type LoginResponse struct {
	Token string `json:"token"`
}
