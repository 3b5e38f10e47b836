// Package classifier implements the anomaly classifier: a pure function
// that labels a log without ever rejecting it (spec §4.4).
package classifier

import (
	"strings"

	"github.com/agentaudit/decision-audit/internal/logmodel"
)

const minReasoningLength = 10

// HistoricalContext carries the extensibility hook for rule 4 (frequency
// or historical-deviation anomaly rules). It is intentionally unimplemented
// — the source repo this pipeline is modeled on left it as a stub, and
// spec.md directs that it stay a defined hook rather than a guessed
// behavior. A future rule can read prior classifications for the same
// agent_id out of this struct without changing Classify's signature.
type HistoricalContext struct {
	PriorAnomalyCount int
	PriorTotalCount   int
}

// Classify evaluates the anomaly rules in order and reports whether any
// rule fired. It is deterministic: repeated calls on an identical log
// return an identical result. It never rejects a log, only labels it.
func Classify(l logmodel.Log) bool {
	return ClassifyWithHistory(l, HistoricalContext{})
}

// ClassifyWithHistory is Classify plus the extension point for frequency
// or historical-deviation rules (rule 4, unimplemented).
func ClassifyWithHistory(l logmodel.Log, _ HistoricalContext) bool {
	if l.StepID < 0 {
		return true
	}

	trimmed := strings.TrimSpace(l.Reasoning)
	if len(trimmed) < minReasoningLength {
		return true
	}

	if strings.Contains(strings.ToLower(l.Reasoning), "error") {
		return true
	}

	// Rule 4 (frequency / historical-deviation) is an extension point, not
	// a behavior: see HistoricalContext.

	return false
}
