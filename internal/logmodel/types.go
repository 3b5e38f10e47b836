// Package logmodel defines the decision-step log record, its canonical
// encoding, its content hash, and retention-tier derivation. It has no
// dependency on storage, transport, or the event bus so that the hash
// function used by the store, the worker, and the audit service is always
// exactly the same one.
package logmodel

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Status is the outcome classification of a decision step.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusAnomaly Status = "anomaly"
)

// RetentionTier is the storage class governing how long a log survives
// before expiry.
type RetentionTier string

const (
	TierHot  RetentionTier = "hot"
	TierWarm RetentionTier = "warm"
	TierCold RetentionTier = "cold"
)

// Log is a single decision-step record. It is immutable after insert
// except for the review fields (Reviewed, ReviewComments) and the
// bookkeeping fields that a review mutation touches (Version, ContentHash).
type Log struct {
	AgentID  string `json:"agent_id"`
	StepID   int64  `json:"step_id"`
	TraceID  string `json:"trace_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`
	// Timestamp is event time: producer-assigned, or ingress-assigned
	// when the producer omits it.
	Timestamp time.Time `json:"timestamp"`

	InputData json.RawMessage `json:"input_data"`
	Output    json.RawMessage `json:"output"`
	Reasoning string          `json:"reasoning"`

	Status Status `json:"status"`

	Reviewed       bool   `json:"reviewed"`
	ReviewComments string `json:"review_comments,omitempty"`

	Metadata json.RawMessage `json:"metadata,omitempty"`

	Version       int           `json:"version"`
	RetentionTier RetentionTier `json:"retention_tier"`
	ContentHash   string        `json:"content_hash"`
}

// Key uniquely identifies a log within the store.
type Key struct {
	AgentID string
	StepID  int64
}

func (l Log) Key() Key { return Key{AgentID: l.AgentID, StepID: l.StepID} }

// Mutable reports whether the log may still accept an UpdateReview
// mutation: once reviewed is true, the log is no longer eligible,
// regardless of status.
//
// The source spec's invariant text ("a log whose status is not anomaly
// and whose reviewed flag is already true is no longer eligible") and its
// own worked example (submit an anomaly log, review it once, assert the
// second review is rejected as conflict) disagree: read literally, the
// invariant text would leave an already-reviewed anomaly log eligible
// forever, but the worked example's conclusion only follows if reviewed
// alone gates eligibility. This resolves in favor of the worked example —
// reviewed is a one-shot sign-off for every status, anomaly included.
func (l Log) Mutable() bool {
	return !l.Reviewed
}

// canonicalJSON re-encodes raw JSON with map keys sorted and number
// literals preserved exactly, so the same logical payload always hashes
// to the same bytes regardless of how it arrived. encoding/json already
// sorts map[string]any keys when marshaling; decoding with UseNumber
// keeps "10" from becoming "1e+01" or losing integer precision.
func canonicalJSON(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		raw = []byte("null")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decoding payload for canonicalization: %w", err)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("re-encoding canonical payload: %w", err)
	}
	return out, nil
}

// canonicalEnvelope is the fixed-order, fixed-field view of a log that the
// content hash is computed over (spec §3): agent_id, step_id, timestamp,
// input_data, output, reasoning, status, version.
type canonicalEnvelope struct {
	AgentID   string          `json:"agent_id"`
	StepID    int64           `json:"step_id"`
	Timestamp string          `json:"timestamp"`
	InputData json.RawMessage `json:"input_data"`
	Output    json.RawMessage `json:"output"`
	Reasoning string          `json:"reasoning"`
	Status    Status          `json:"status"`
	Version   int             `json:"version"`
}

// ComputeContentHash returns the hex-encoded SHA-256 digest of the log's
// canonical serialization. It is a pure function of the fields named in
// spec §3 and must be identical wherever it is computed or verified.
func ComputeContentHash(l Log) (string, error) {
	input, err := canonicalJSON(l.InputData)
	if err != nil {
		return "", fmt.Errorf("canonicalizing input_data: %w", err)
	}
	output, err := canonicalJSON(l.Output)
	if err != nil {
		return "", fmt.Errorf("canonicalizing output: %w", err)
	}

	env := canonicalEnvelope{
		AgentID:   l.AgentID,
		StepID:    l.StepID,
		Timestamp: l.Timestamp.UTC().Format(time.RFC3339Nano),
		InputData: input,
		Output:    output,
		Reasoning: l.Reasoning,
		Status:    l.Status,
		Version:   l.Version,
	}

	encoded, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshalling canonical envelope: %w", err)
	}

	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyContentHash reports whether l.ContentHash equals the digest
// recomputed over l's other fields.
func VerifyContentHash(l Log) (bool, error) {
	want, err := ComputeContentHash(l)
	if err != nil {
		return false, err
	}
	return want == l.ContentHash, nil
}

// DeriveRetentionTier computes the retention tier for a log written "now"
// with the given event timestamp, per the hot/warm/cold boundaries. The
// bounds are inclusive at the lower edge (spec §8): a log exactly
// hotDays old is still hot, one exactly warmDays old is still warm.
func DeriveRetentionTier(now, timestamp time.Time, hotDays, warmDays int) RetentionTier {
	age := now.Sub(timestamp)
	hot := time.Duration(hotDays) * 24 * time.Hour
	warm := time.Duration(warmDays) * 24 * time.Hour
	switch {
	case age <= hot:
		return TierHot
	case age <= warm:
		return TierWarm
	default:
		return TierCold
	}
}
