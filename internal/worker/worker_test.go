package worker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/agentaudit/decision-audit/internal/audit"
	"github.com/agentaudit/decision-audit/internal/db"
	"github.com/agentaudit/decision-audit/internal/eventbus"
	"github.com/agentaudit/decision-audit/internal/logmodel"
	"github.com/agentaudit/decision-audit/internal/store"
)

type testRig struct {
	db        *db.DB
	bus       *eventbus.Bus
	store     *store.Store
	auditSvc  *audit.Service
	auditRepo *audit.Store
	w         *LogWorker
}

func setupWorker(t *testing.T) *testRig {
	t.Helper()
	database, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	bus := eventbus.New(database)
	st := store.NewStore(database)
	auditRepo := audit.NewStore(database)
	auditSvc := audit.NewService(auditRepo, time.Hour)
	w := New(st, auditSvc, bus)
	w.Start(context.Background(), eventbus.WithPollInterval(5*time.Millisecond))
	t.Cleanup(w.Stop)

	return &testRig{db: database, bus: bus, store: st, auditSvc: auditSvc, auditRepo: auditRepo, w: w}
}

func validLog(agentID string, stepID int64, reasoning string) logmodel.Log {
	return logmodel.Log{
		AgentID:   agentID,
		StepID:    stepID,
		Timestamp: time.Now().UTC(),
		InputData: json.RawMessage(`{"prompt":"do the thing"}`),
		Output:    json.RawMessage(`{"result":"done"}`),
		Reasoning: reasoning,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestHandleCreatePersistsAndAudits(t *testing.T) {
	rig := setupWorker(t)
	ctx := context.Background()

	l := validLog("agent-1", 1, "followed the documented runbook step by step")
	if _, err := rig.bus.Publish(ctx, SubjectCreate, "", CreatePayload{Log: l}, nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	waitFor(t, func() bool {
		got, err := rig.store.GetByStep(ctx, "agent-1", 1)
		return err == nil && got != nil
	})

	got, err := rig.store.GetByStep(ctx, "agent-1", 1)
	if err != nil {
		t.Fatalf("GetByStep: %v", err)
	}
	if got.Status != logmodel.StatusSuccess {
		t.Errorf("status = %s, want success", got.Status)
	}
	if got.ContentHash == "" {
		t.Error("expected a content hash to be computed")
	}

	entries, err := rig.auditRepo.AllEntries(ctx)
	if err != nil {
		t.Fatalf("AllEntries: %v", err)
	}
	found := false
	for _, e := range entries {
		if e.LogID == "agent-1:1" && e.Type == audit.EntryLogCreated {
			found = true
		}
	}
	if !found {
		t.Error("expected a LOG_CREATED audit entry for agent-1:1")
	}
}

func TestHandleCreateAnomalyScenario(t *testing.T) {
	rig := setupWorker(t)
	ctx := context.Background()

	l := validLog("agent-2", 5, "hit an error while calling the downstream service")
	if _, err := rig.bus.Publish(ctx, SubjectCreate, "", CreatePayload{Log: l}, nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	waitFor(t, func() bool {
		got, err := rig.store.GetByStep(ctx, "agent-2", 5)
		return err == nil && got != nil
	})

	got, err := rig.store.GetByStep(ctx, "agent-2", 5)
	if err != nil {
		t.Fatalf("GetByStep: %v", err)
	}
	if got.Status != logmodel.StatusAnomaly {
		t.Errorf("status = %s, want anomaly (reasoning mentions 'error')", got.Status)
	}
}

func TestHandleCreateValidationFailureGoesStraightToDLQ(t *testing.T) {
	rig := setupWorker(t)
	ctx := context.Background()

	bad := logmodel.Log{AgentID: "agent-3", StepID: 1} // missing input_data/output/reasoning
	if _, err := rig.bus.Publish(ctx, SubjectCreate, "", CreatePayload{Log: bad}, nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	waitFor(t, func() bool {
		entries, _ := rig.bus.DLQ(ctx, SubjectCreate, 10)
		return len(entries) == 1
	})

	if _, err := rig.store.GetByStep(ctx, "agent-3", 1); err == nil {
		t.Error("expected invalid log to never be persisted")
	}
}

func TestHandleCreateIdempotentOnRepeatDelivery(t *testing.T) {
	rig := setupWorker(t)
	ctx := context.Background()

	l := validLog("agent-4", 1, "ran the standard approval workflow")
	if _, err := rig.bus.Publish(ctx, SubjectCreate, "idem-key-1", CreatePayload{Log: l}, nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	waitFor(t, func() bool {
		got, err := rig.store.GetByStep(ctx, "agent-4", 1)
		return err == nil && got != nil
	})

	// Deliver the same idempotency key a second time. The worker's
	// recently-seen set acks it without side effects: no second audit
	// entry and no dead-letter from a duplicate insert.
	if _, err := rig.bus.Publish(ctx, SubjectCreate, "idem-key-1", CreatePayload{Log: l}, nil); err != nil {
		t.Fatalf("Publish repeat: %v", err)
	}
	waitFor(t, func() bool {
		snapshot, _ := rig.bus.HealthSnapshot(ctx)
		for _, d := range snapshot {
			if d.Subject == SubjectCreate {
				return false
			}
		}
		return true
	})

	waitFor(t, func() bool {
		entries, _ := rig.auditRepo.AllEntries(ctx)
		count := 0
		for _, e := range entries {
			if e.LogID == "agent-4:1" {
				count++
			}
		}
		return count == 1
	})

	time.Sleep(20 * time.Millisecond)
	entries, err := rig.auditRepo.AllEntries(ctx)
	if err != nil {
		t.Fatalf("AllEntries: %v", err)
	}
	count := 0
	for _, e := range entries {
		if e.LogID == "agent-4:1" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("expected exactly 1 audit entry for agent-4:1, got %d", count)
	}
	dlq, err := rig.bus.DLQ(ctx, SubjectCreate, 10)
	if err != nil {
		t.Fatalf("DLQ: %v", err)
	}
	if len(dlq) != 0 {
		t.Errorf("repeat delivery was dead-lettered (%d entries), want it acked", len(dlq))
	}
}

func TestHandleBulkSplitsAcceptedAndFailed(t *testing.T) {
	rig := setupWorker(t)
	ctx := context.Background()

	payload := BulkPayload{
		BatchID: "batch-1",
		Logs: []logmodel.Log{
			validLog("agent-5", 1, "reviewed the contract terms before approving"),
			{AgentID: "agent-5", StepID: 2}, // invalid: missing fields
		},
	}
	if _, err := rig.bus.Publish(ctx, SubjectBulk, "", payload, nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	var mu syncOutcome
	sub := rig.bus.Subscribe(ctx, SubjectBulkCreated, "test-readers", func(ctx context.Context, msg eventbus.Message) error {
		var outcome BulkCreatedOutcome
		if err := json.Unmarshal(msg.Data, &outcome); err != nil {
			return err
		}
		mu.set(outcome)
		return nil
	}, eventbus.WithPollInterval(5*time.Millisecond))
	defer sub.Stop()

	waitFor(t, func() bool { return mu.get().BatchID == "batch-1" })

	outcome := mu.get()
	if outcome.Count != 1 {
		t.Errorf("accepted count = %d, want 1", outcome.Count)
	}
	if len(outcome.Failures) != 1 {
		t.Errorf("failures = %d, want 1", len(outcome.Failures))
	}

	// The failed item must also land its own bus_dlq row (spec §4.3:
	// "partial failures produce one DLQ entry per failed item"), distinct
	// from the whole bulk message, which is acked since it carried at
	// least one accepted item.
	waitFor(t, func() bool {
		entries, _ := rig.bus.DLQ(ctx, SubjectBulk, 10)
		return len(entries) == 1
	})
}

func TestHandleUpdateRejectsWhenNotMutable(t *testing.T) {
	rig := setupWorker(t)
	ctx := context.Background()

	l := validLog("agent-6", 1, "completed the review without any flags")
	if _, err := rig.bus.Publish(ctx, SubjectCreate, "", CreatePayload{Log: l}, nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	waitFor(t, func() bool {
		got, err := rig.store.GetByStep(ctx, "agent-6", 1)
		return err == nil && got != nil
	})

	// First review mutation is allowed (status success, reviewed still false).
	if _, err := rig.bus.Publish(ctx, SubjectUpdate, "", UpdatePayload{
		AgentID: "agent-6", StepID: 1, Reviewed: true, ReviewComments: "looks fine",
	}, nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	waitFor(t, func() bool {
		got, err := rig.store.GetByStep(ctx, "agent-6", 1)
		return err == nil && got.Reviewed
	})

	// A second mutation attempt now violates the eligibility invariant
	// (reviewed == true already) and must be dead-lettered.
	if _, err := rig.bus.Publish(ctx, SubjectUpdate, "", UpdatePayload{
		AgentID: "agent-6", StepID: 1, Reviewed: true, ReviewComments: "changed my mind",
	}, nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	waitFor(t, func() bool {
		entries, _ := rig.bus.DLQ(ctx, SubjectUpdate, 10)
		return len(entries) == 1
	})
}

// TestHandleUpdateAnomalyLogLocksAfterFirstReview exercises spec §8
// scenario 4 literally: an anomaly-status log (reasoning mentions "error"),
// reviewed once, then a second review attempt on that same anomaly log —
// which must be rejected as conflict just like a non-anomaly log (see
// logmodel.Log.Mutable's doc comment for why reviewed alone gates
// eligibility).
func TestHandleUpdateAnomalyLogLocksAfterFirstReview(t *testing.T) {
	rig := setupWorker(t)
	ctx := context.Background()

	l := validLog("a1", 1, "hit an error while calling the downstream service")
	if _, err := rig.bus.Publish(ctx, SubjectCreate, "", CreatePayload{Log: l}, nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	waitFor(t, func() bool {
		got, err := rig.store.GetByStep(ctx, "a1", 1)
		return err == nil && got != nil
	})

	got, err := rig.store.GetByStep(ctx, "a1", 1)
	if err != nil {
		t.Fatalf("GetByStep: %v", err)
	}
	if got.Status != logmodel.StatusAnomaly {
		t.Fatalf("status = %s, want anomaly", got.Status)
	}

	// First review is accepted.
	if _, err := rig.bus.Publish(ctx, SubjectUpdate, "", UpdatePayload{
		AgentID: "a1", StepID: 1, Reviewed: true, ReviewComments: "checked",
	}, nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	waitFor(t, func() bool {
		got, err := rig.store.GetByStep(ctx, "a1", 1)
		return err == nil && got.Reviewed
	})

	// Re-issuing the same update is rejected as conflict: reviewed is now
	// true, so the log is no longer eligible, anomaly status notwithstanding.
	if _, err := rig.bus.Publish(ctx, SubjectUpdate, "", UpdatePayload{
		AgentID: "a1", StepID: 1, Reviewed: true, ReviewComments: "checked",
	}, nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	waitFor(t, func() bool {
		entries, _ := rig.bus.DLQ(ctx, SubjectUpdate, 10)
		return len(entries) == 1
	})
}

func TestHandleUpdateHaltsSubjectOnContentHashMismatch(t *testing.T) {
	rig := setupWorker(t)
	ctx := context.Background()

	l := validLog("agent-7", 1, "followed the escalation checklist in full")
	if _, err := rig.bus.Publish(ctx, SubjectCreate, "", CreatePayload{Log: l}, nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	waitFor(t, func() bool {
		got, err := rig.store.GetByStep(ctx, "agent-7", 1)
		return err == nil && got != nil
	})

	// Simulate storage-layer corruption: the row's content_hash no longer
	// matches its own recorded fields.
	if _, err := rig.db.ExecContext(ctx, `UPDATE logs SET content_hash = 'corrupted' WHERE agent_id = 'agent-7' AND step_id = 1`); err != nil {
		t.Fatalf("corrupting row: %v", err)
	}

	if _, err := rig.bus.Publish(ctx, SubjectUpdate, "", UpdatePayload{
		AgentID: "agent-7", StepID: 1, Reviewed: true, ReviewComments: "approved",
	}, nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	waitFor(t, func() bool {
		entries, _ := rig.bus.DLQ(ctx, SubjectUpdate, 10)
		return len(entries) == 1
	})
	waitFor(t, func() bool { return rig.w.Halted(SubjectUpdate) })

	// The update subject is halted; a second, otherwise-valid update for a
	// different log must not be processed (spec §7: halt the affected
	// stream until operator intervention, not just the one message).
	l2 := validLog("agent-8", 1, "followed the escalation checklist in full")
	if _, err := rig.bus.Publish(ctx, SubjectCreate, "", CreatePayload{Log: l2}, nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	waitFor(t, func() bool {
		got, err := rig.store.GetByStep(ctx, "agent-8", 1)
		return err == nil && got != nil
	})
	if _, err := rig.bus.Publish(ctx, SubjectUpdate, "", UpdatePayload{
		AgentID: "agent-8", StepID: 1, Reviewed: true, ReviewComments: "approved",
	}, nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	got, err := rig.store.GetByStep(ctx, "agent-8", 1)
	if err != nil {
		t.Fatalf("GetByStep: %v", err)
	}
	if got.Reviewed {
		t.Error("expected the halted logs.update subject to leave agent-8's log unreviewed")
	}
}

// syncOutcome guards a BulkCreatedOutcome written from the subscription's
// own goroutine and read from the test goroutine's polling loop.
type syncOutcome struct {
	mu sync.Mutex
	v  BulkCreatedOutcome
}

func (s *syncOutcome) set(v BulkCreatedOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.v = v
}

func (s *syncOutcome) get() BulkCreatedOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.v
}
