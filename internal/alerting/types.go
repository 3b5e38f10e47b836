// Package alerting implements the escalation path for the "integrity
// kinds alert and halt" and "transient kinds retried until exhausted"
// policies (spec §7): persisted alert records plus severity-filtered
// webhook delivery. Layout is adapted from the teacher's
// internal/notifications package (team digests, webhook subscribers);
// the team/digest-frequency shape doesn't fit this domain, so that part
// is dropped (see DESIGN.md) and what survives is the severity-filtered
// webhook dispatch idiom, repointed at the worker's and audit service's
// own error kinds instead of documentation-change events.
package alerting

import "time"

// Severity ranks how urgently an alert needs a human.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityWarning:  0,
	SeverityCritical: 1,
}

// Kind names the spec §7 error kind that triggered the alert. Only the
// two kinds with an explicit alerting policy get one: Integrity ("alert
// and halt further processing of the affected stream") and
// TransientExhausted ("surfaced as 5xx only when retries are
// exhausted" — surfaced here as an alert too, since an exhausted
// transient failure is the one that actually needs an operator).
type Kind string

const (
	KindIntegrity          Kind = "integrity"
	KindTransientExhausted Kind = "transient_exhausted"
)

// DefaultSeverity maps a Kind to its default Severity.
func DefaultSeverity(k Kind) Severity {
	if k == KindIntegrity {
		return SeverityCritical
	}
	return SeverityWarning
}

// Alert is a single escalation record.
type Alert struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Severity  Severity  `json:"severity"`
	Subject   string    `json:"subject"`
	Message   string    `json:"message"`
	Delivered bool      `json:"delivered"`
	CreatedAt time.Time `json:"created_at"`
}

// Webhook is a delivery target: every alert at or above MinSeverity is
// POSTed to URL.
type Webhook struct {
	URL         string   `json:"url"`
	MinSeverity Severity `json:"min_severity"`
}

func severityMeets(actual, min Severity) bool {
	return severityRank[actual] >= severityRank[min]
}
