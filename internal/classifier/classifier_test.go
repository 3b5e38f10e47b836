package classifier

import (
	"testing"

	"github.com/agentaudit/decision-audit/internal/logmodel"
)

func TestClassifyNegativeStepID(t *testing.T) {
	l := logmodel.Log{StepID: -1, Reasoning: "this reasoning is plenty long enough"}
	if !Classify(l) {
		t.Error("expected anomaly for negative step_id")
	}
}

func TestClassifyShortReasoning(t *testing.T) {
	l := logmodel.Log{StepID: 1, Reasoning: "short"}
	if !Classify(l) {
		t.Error("expected anomaly for short reasoning")
	}
}

func TestClassifyTrimsWhitespace(t *testing.T) {
	l := logmodel.Log{StepID: 1, Reasoning: "   short   "}
	if !Classify(l) {
		t.Error("expected anomaly for reasoning that is short after trimming")
	}
}

func TestClassifyErrorSubstring(t *testing.T) {
	l := logmodel.Log{StepID: 1, Reasoning: "there was an ERROR during the plan"}
	if !Classify(l) {
		t.Error("expected anomaly for reasoning containing 'error' (case-insensitive)")
	}
}

func TestClassifyValid(t *testing.T) {
	l := logmodel.Log{StepID: 1, Reasoning: "This is a valid log with sufficient details"}
	if Classify(l) {
		t.Error("expected no anomaly for a valid log")
	}
}

func TestClassifyDeterministic(t *testing.T) {
	l := logmodel.Log{StepID: 2, Reasoning: "This reasoning is valid and long enough"}
	first := Classify(l)
	for i := 0; i < 5; i++ {
		if Classify(l) != first {
			t.Fatal("Classify is not deterministic")
		}
	}
}
