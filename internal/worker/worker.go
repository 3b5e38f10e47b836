package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/agentaudit/decision-audit/internal/alerting"
	"github.com/agentaudit/decision-audit/internal/audit"
	"github.com/agentaudit/decision-audit/internal/classifier"
	"github.com/agentaudit/decision-audit/internal/eventbus"
	"github.com/agentaudit/decision-audit/internal/logmodel"
	"github.com/agentaudit/decision-audit/internal/store"
)

const (
	SubjectCreate = "logs.create"
	SubjectBulk   = "logs.bulk"
	SubjectUpdate = "logs.update"

	SubjectCreated      = "logs.created"
	SubjectBulkCreated  = "logs.bulk-created"
	SubjectUpdated      = "logs.updated"

	QueueGroup = "workers"
)

// LogWorker is the sole writer of the Store (spec §3's Ownership
// section): it consumes ingress subjects, re-validates and re-classifies
// defensively, persists, calls the audit service, and republishes
// outcomes.
type LogWorker struct {
	store    *store.Store
	audit    *audit.Service
	bus      *eventbus.Bus
	alerter  *alerting.Dispatcher
	seen     *seenSet
	hotDays  int
	warmDays int

	subsMu sync.Mutex
	subs   map[string]*eventbus.Subscription
	halted map[string]bool
}

// Option configures a LogWorker.
type Option func(*LogWorker)

// WithRetentionBounds overrides the default 30/365 day hot/warm bounds.
func WithRetentionBounds(hotDays, warmDays int) Option {
	return func(w *LogWorker) { w.hotDays, w.warmDays = hotDays, warmDays }
}

// WithSeenCapacity overrides the default bounded dedup set size.
func WithSeenCapacity(n int) Option {
	return func(w *LogWorker) { w.seen = newSeenSet(n) }
}

// WithAlerter wires the integrity-kind alert path (spec §7: "integrity
// kinds alert and halt further processing of the affected stream until
// operator intervention"). Without one, an integrity failure still halts
// the affected subject's subscription but is only visible in the logs.
func WithAlerter(a *alerting.Dispatcher) Option {
	return func(w *LogWorker) { w.alerter = a }
}

// New creates a LogWorker over the given store, audit service, and bus.
func New(st *store.Store, auditSvc *audit.Service, bus *eventbus.Bus, opts ...Option) *LogWorker {
	w := &LogWorker{
		store:    st,
		audit:    auditSvc,
		bus:      bus,
		seen:     newSeenSet(10000),
		hotDays:  30,
		warmDays: 365,
		subs:     make(map[string]*eventbus.Subscription),
		halted:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start subscribes to the three ingress subjects under the shared worker
// queue group, so multiple worker instances share the load with
// at-most-one delivery per message (spec §4.2).
func (w *LogWorker) Start(ctx context.Context, opts ...eventbus.SubscribeOption) {
	w.subsMu.Lock()
	defer w.subsMu.Unlock()
	w.subs[SubjectCreate] = w.bus.Subscribe(ctx, SubjectCreate, QueueGroup, w.handleCreate, opts...)
	w.subs[SubjectBulk] = w.bus.Subscribe(ctx, SubjectBulk, QueueGroup, w.handleBulk, opts...)
	w.subs[SubjectUpdate] = w.bus.Subscribe(ctx, SubjectUpdate, QueueGroup, w.handleUpdate, opts...)
}

// Stop unsubscribes from all ingress subjects.
func (w *LogWorker) Stop() {
	w.subsMu.Lock()
	defer w.subsMu.Unlock()
	for subject, s := range w.subs {
		s.Stop()
		delete(w.subs, subject)
	}
}

// Halted reports whether subject's subscription was stopped after an
// integrity failure (spec §7). A halted subject stays down until the
// process is restarted — this package makes no attempt to resume it
// automatically, since resuming past an unresolved integrity failure is
// exactly what the policy forbids.
func (w *LogWorker) Halted(subject string) bool {
	w.subsMu.Lock()
	defer w.subsMu.Unlock()
	return w.halted[subject]
}

// haltSubject stops the named subject's subscription and records it as
// halted. Called on an integrity-kind failure (spec §7).
func (w *LogWorker) haltSubject(ctx context.Context, subject, reason string) {
	w.subsMu.Lock()
	sub, ok := w.subs[subject]
	if ok {
		delete(w.subs, subject)
	}
	w.halted[subject] = true
	w.subsMu.Unlock()

	if ok {
		go sub.Stop()
	}
	log.Printf("worker: halting subject %q: %s", subject, reason)

	if w.alerter != nil {
		// ctx belongs to the subscription being stopped above.
		if _, err := w.alerter.Dispatch(context.WithoutCancel(ctx), alerting.KindIntegrity, subject, reason); err != nil {
			log.Printf("worker: dispatching integrity alert: %v", err)
		}
	}
}

func (w *LogWorker) handleCreate(ctx context.Context, msg eventbus.Message) error {
	if w.seen.Check(msg.ID) {
		return nil
	}

	var payload CreatePayload
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		return eventbus.Permanent(fmt.Errorf("decoding create payload: %w", err))
	}

	l, err := w.prepareCreate(payload.Log)
	if err != nil {
		return err
	}

	if err := w.store.Insert(ctx, l); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return eventbus.Permanent(fmt.Errorf("log already exists: %w", err))
		}
		return fmt.Errorf("persisting log: %w", err)
	}

	if err := w.auditCreate(ctx, l); err != nil {
		return err
	}

	if err := w.publishOutcome(ctx, SubjectCreated, msg.ID, CreatedOutcome{Log: l}); err != nil {
		return fmt.Errorf("publishing created outcome: %w", err)
	}

	w.seen.Mark(msg.ID)
	return nil
}

func (w *LogWorker) handleBulk(ctx context.Context, msg eventbus.Message) error {
	if w.seen.Check(msg.ID) {
		return nil
	}

	var payload BulkPayload
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		return eventbus.Permanent(fmt.Errorf("decoding bulk payload: %w", err))
	}
	if len(payload.Logs) == 0 {
		return eventbus.Permanent(fmt.Errorf("bulk submission has zero logs"))
	}

	var accepted []logmodel.Log
	var failures []BulkFailureOutcome

	for _, raw := range payload.Logs {
		l, err := w.prepareCreate(raw)
		if err != nil {
			failures = append(failures, BulkFailureOutcome{AgentID: raw.AgentID, StepID: raw.StepID, Reason: err.Error()})
			w.rejectBulkItem(ctx, raw, err)
			continue
		}
		if err := w.store.Insert(ctx, l); err != nil {
			failures = append(failures, BulkFailureOutcome{AgentID: raw.AgentID, StepID: raw.StepID, Reason: err.Error()})
			w.rejectBulkItem(ctx, raw, err)
			continue
		}
		if err := w.auditCreate(ctx, l); err != nil {
			return err
		}
		accepted = append(accepted, l)
	}

	outcome := BulkCreatedOutcome{
		BatchID:  payload.BatchID,
		Count:    len(accepted),
		Logs:     accepted,
		Failures: failures,
	}
	if err := w.publishOutcome(ctx, SubjectBulkCreated, msg.ID, outcome); err != nil {
		return fmt.Errorf("publishing bulk-created outcome: %w", err)
	}

	w.seen.Mark(msg.ID)
	return nil
}

// rejectBulkItem writes a per-item bus_dlq entry for one failed log in a
// bulk submission (spec §4.3: "partial failures produce one DLQ entry per
// failed item"). The bulk message itself is still acked as a whole once
// handleBulk returns nil — it carried a mix of accepted and rejected items,
// and republishing the whole batch on nak would re-attempt the items that
// already succeeded.
func (w *LogWorker) rejectBulkItem(ctx context.Context, raw logmodel.Log, cause error) {
	if err := w.bus.Reject(ctx, SubjectBulk, raw, cause); err != nil {
		log.Printf("worker: dead-lettering bulk item %s/%d: %v", raw.AgentID, raw.StepID, err)
	}
}

func (w *LogWorker) handleUpdate(ctx context.Context, msg eventbus.Message) error {
	if w.seen.Check(msg.ID) {
		return nil
	}

	var payload UpdatePayload
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		return eventbus.Permanent(fmt.Errorf("decoding update payload: %w", err))
	}
	if payload.AgentID == "" {
		return eventbus.Permanent(fmt.Errorf("agent_id is required"))
	}

	current, err := w.store.GetByStep(ctx, payload.AgentID, payload.StepID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// The logs.create event for this step may not have landed yet.
			return fmt.Errorf("log %s/%d not yet present: %w", payload.AgentID, payload.StepID, err)
		}
		return fmt.Errorf("loading log for update: %w", err)
	}
	if !current.Mutable() {
		return eventbus.Permanent(fmt.Errorf("log %s/%d is no longer eligible for mutation", payload.AgentID, payload.StepID))
	}

	ok, err := logmodel.VerifyContentHash(*current)
	if err != nil {
		return fmt.Errorf("verifying stored content hash: %w", err)
	}
	if !ok {
		reason := fmt.Sprintf("log %s/%d: stored content_hash does not match its recorded fields", payload.AgentID, payload.StepID)
		w.haltSubject(ctx, SubjectUpdate, reason)
		return eventbus.Permanent(errors.New(reason))
	}

	updated := *current
	updated.Reviewed = payload.Reviewed
	updated.ReviewComments = payload.ReviewComments
	updated.Version++

	newHash, err := logmodel.ComputeContentHash(updated)
	if err != nil {
		return fmt.Errorf("computing updated content hash: %w", err)
	}

	result, err := w.store.ApplyUpdate(ctx, payload.AgentID, payload.StepID, store.ReviewUpdate{
		Reviewed:       payload.Reviewed,
		ReviewComments: payload.ReviewComments,
	}, newHash)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return eventbus.Permanent(fmt.Errorf("update rejected by mutation-eligibility invariant: %w", err))
		}
		return fmt.Errorf("applying update: %w", err)
	}

	updatesJSON, _ := json.Marshal(map[string]any{
		"reviewed":        payload.Reviewed,
		"review_comments": payload.ReviewComments,
	})
	logID := auditLogID(payload.AgentID, payload.StepID)
	if _, err := w.audit.RecordLogUpdated(ctx, logID, string(updatesJSON), time.Now().UTC(), payload.Metadata); err != nil {
		return fmt.Errorf("appending audit entry: %w", err)
	}

	if err := w.publishOutcome(ctx, SubjectUpdated, msg.ID, UpdatedOutcome{Log: *result}); err != nil {
		return fmt.Errorf("publishing updated outcome: %w", err)
	}

	w.seen.Mark(msg.ID)
	return nil
}

// prepareCreate re-validates and re-classifies a submitted log, deriving
// its retention tier and content hash, without persisting it.
func (w *LogWorker) prepareCreate(l logmodel.Log) (logmodel.Log, error) {
	if err := validateCreate(l); err != nil {
		return logmodel.Log{}, eventbus.Permanent(err)
	}

	if l.Timestamp.IsZero() {
		l.Timestamp = time.Now().UTC()
	}

	status := l.Status
	if status == "" {
		status = logmodel.StatusSuccess
	}
	if classifier.Classify(l) {
		status = logmodel.StatusAnomaly
	}
	l.Status = status

	l.Version = 1
	l.RetentionTier = logmodel.DeriveRetentionTier(time.Now().UTC(), l.Timestamp, w.hotDays, w.warmDays)

	hash, err := logmodel.ComputeContentHash(l)
	if err != nil {
		return logmodel.Log{}, fmt.Errorf("computing content hash: %w", err)
	}
	l.ContentHash = hash

	return l, nil
}

func (w *LogWorker) auditCreate(ctx context.Context, l logmodel.Log) error {
	logID := auditLogID(l.AgentID, l.StepID)
	if _, err := w.audit.RecordLogCreated(ctx, logID, l.ContentHash, l.Timestamp, map[string]string{"initiator": "worker"}); err != nil {
		return fmt.Errorf("appending audit entry: %w", err)
	}
	return nil
}

func (w *LogWorker) publishOutcome(ctx context.Context, subject, causeID string, data any) error {
	_, err := w.bus.Publish(ctx, subject, "", data, map[string]string{"cause": causeID})
	return err
}

func auditLogID(agentID string, stepID int64) string {
	return fmt.Sprintf("%s:%d", agentID, stepID)
}

func validateCreate(l logmodel.Log) error {
	var missing []string
	if l.AgentID == "" {
		missing = append(missing, "agent_id")
	}
	if len(l.InputData) == 0 {
		missing = append(missing, "input_data")
	}
	if len(l.Output) == 0 {
		missing = append(missing, "output")
	}
	if strings.TrimSpace(l.Reasoning) == "" {
		missing = append(missing, "reasoning")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required fields: %s", strings.Join(missing, ", "))
	}
	return nil
}
