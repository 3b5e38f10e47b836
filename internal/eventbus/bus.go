package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentaudit/decision-audit/internal/db"
)

// Bus is a durable, sqlite-backed event bus. Claims serialize through mu,
// the same single-mutex-boundary style the audit service uses to keep its
// chain and windows from tearing under concurrent writers; ack and nak
// are single statements on an already-claimed row and do not take mu.
type Bus struct {
	db         *db.DB
	mu         sync.Mutex
	maxDeliver int
	backoff    []time.Duration
	ackTimeout time.Duration
}

// Option configures a Bus.
type Option func(*Bus)

// WithMaxDeliver overrides the default max-deliver bound (3).
func WithMaxDeliver(n int) Option {
	return func(b *Bus) { b.maxDeliver = n }
}

// WithBackoffSchedule overrides DefaultBackoffSchedule.
func WithBackoffSchedule(schedule []time.Duration) Option {
	return func(b *Bus) { b.backoff = schedule }
}

// New creates a Bus over the given database.
func New(database *db.DB, opts ...Option) *Bus {
	b := &Bus{
		db:         database,
		maxDeliver: 3,
		backoff:    DefaultBackoffSchedule,
		ackTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish durably appends a message to subject. idempotencyKey becomes the
// message ID; publishing is non-blocking from the caller's perspective
// once this call returns (spec §4.2) — delivery happens on a subscriber's
// own schedule.
func (b *Bus) Publish(ctx context.Context, subject, idempotencyKey string, data any, metadata map[string]string) (Receipt, error) {
	return b.publish(ctx, subject, idempotencyKey, "", data, metadata)
}

// publish is the shared insert behind Publish; queueGroup is stored in the
// row's queue_group column. Retries do not republish: nak reschedules the
// existing row in place.
func (b *Bus) publish(ctx context.Context, subject, idempotencyKey, queueGroup string, data any, metadata map[string]string) (Receipt, error) {
	if idempotencyKey == "" {
		idempotencyKey = uuid.New().String()
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return Receipt{}, fmt.Errorf("marshalling message payload: %w", err)
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return Receipt{}, fmt.Errorf("marshalling message metadata: %w", err)
	}

	id := uuid.New().String()
	res, err := b.db.ExecContext(ctx, `
		INSERT INTO bus_messages (id, subject, idempotency_key, payload, metadata, queue_group, max_deliver)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, subject, idempotencyKey, string(payload), string(metaJSON), queueGroup, b.maxDeliver,
	)
	if err != nil {
		return Receipt{}, fmt.Errorf("publishing to %s: %w", subject, err)
	}
	seq, _ := res.LastInsertId()

	return Receipt{ID: idempotencyKey, Subject: subject, Sequence: seq}, nil
}

// claim atomically reserves up to limit unclaimed, visible messages for a
// subject/queue-group pair and marks them claimed until ackTimeout elapses.
func (b *Bus) claim(ctx context.Context, subject, queueGroup string, limit int) ([]claimedRow, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, subject, idempotency_key, payload, metadata, attempts, created_at
		FROM bus_messages
		WHERE subject = ? AND claimed_by = '' AND visible_at <= datetime('now')
		ORDER BY created_at ASC LIMIT ?`, subject, limit)
	if err != nil {
		return nil, fmt.Errorf("querying claimable messages: %w", err)
	}

	var claimed []claimedRow
	var ids []string
	for rows.Next() {
		var c claimedRow
		var createdAt string
		if err := rows.Scan(&c.ID, &c.Subject, &c.IdempotencyKey, &c.Payload, &c.Metadata, &c.Attempts, &createdAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning claimable message: %w", err)
		}
		c.CreatedAt, _ = time.Parse(time.DateTime, createdAt)
		claimed = append(claimed, c)
		ids = append(ids, c.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		_, err := tx.ExecContext(ctx, `
			UPDATE bus_messages SET claimed_by = ?, visible_at = datetime('now', ?)
			WHERE id = ?`, queueGroup, fmt.Sprintf("+%d seconds", int(b.ackTimeout.Seconds())), id)
		if err != nil {
			return nil, fmt.Errorf("marking message claimed: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}
	return claimed, nil
}

type claimedRow struct {
	ID             string
	Subject        string
	IdempotencyKey string
	Payload        string
	Metadata       string
	Attempts       int
	CreatedAt      time.Time
}

func (c claimedRow) toMessage() Message {
	var meta map[string]string
	_ = json.Unmarshal([]byte(c.Metadata), &meta)
	return Message{
		ID:        c.IdempotencyKey,
		Subject:   c.Subject,
		Timestamp: c.CreatedAt,
		Data:      json.RawMessage(c.Payload),
		Metadata:  meta,
		Attempts:  c.Attempts,
	}
}

// ack removes a delivered-and-processed message.
func (b *Bus) ack(ctx context.Context, id string) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM bus_messages WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("acking message: %w", err)
	}
	return nil
}

// nak schedules a retry (transient failure) or moves the message to its
// subject's DLQ (permanent failure or max-deliver exceeded).
func (b *Bus) nak(ctx context.Context, row claimedRow, cause error, permanent bool) error {
	attempts := row.Attempts + 1

	if permanent || attempts >= b.maxDeliver {
		if err := b.deadLetter(ctx, row, cause, attempts); err != nil {
			return err
		}
		return b.ack(ctx, row.ID)
	}

	delay := backoffFor(b.backoff, attempts)
	_, err := b.db.ExecContext(ctx, `
		UPDATE bus_messages SET attempts = ?, claimed_by = '', last_error = ?,
			visible_at = datetime('now', ?)
		WHERE id = ?`,
		attempts, errString(cause), fmt.Sprintf("+%d seconds", int(delay.Seconds())), row.ID)
	if err != nil {
		return fmt.Errorf("scheduling retry: %w", err)
	}
	return nil
}

// Reject writes a single dead-letter entry directly against subject,
// independent of any in-flight claim. It exists for callers that process
// a batch off of one claimed message and need one bus_dlq row per failed
// item (spec §4.3's bulk path), rather than one row for the whole claimed
// message as nak produces.
func (b *Bus) Reject(ctx context.Context, subject string, payload any, cause error) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshalling rejected payload: %w", err)
	}
	row := claimedRow{
		ID:      uuid.New().String(),
		Subject: subject,
		Payload: string(data),
	}
	return b.deadLetter(ctx, row, cause, 1)
}

func (b *Bus) deadLetter(ctx context.Context, row claimedRow, cause error, attempts int) error {
	dlqSubject := DLQSubject(row.Subject)
	failureMeta := map[string]any{
		"last_error":  errString(cause),
		"retry_count": attempts,
		"failed_at":   time.Now().UTC().Format(time.RFC3339Nano),
	}
	metaJSON, _ := json.Marshal(failureMeta)

	_, err := b.db.ExecContext(ctx, `
		INSERT INTO bus_dlq (id, original_subject, payload, metadata, retry_count, last_error)
		VALUES (?, ?, ?, ?, ?, ?)`,
		row.ID, dlqSubject, row.Payload, string(metaJSON), attempts, errString(cause),
	)
	if err != nil {
		return fmt.Errorf("dead-lettering message: %w", err)
	}
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// DLQ returns dead-lettered messages mirrored from the given original
// subject (spec's "logs.dlq.*"), most recent first.
func (b *Bus) DLQ(ctx context.Context, originalSubject string, limit int) ([]DLQEntry, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, original_subject, payload, metadata, retry_count, last_error, failed_at
		FROM bus_dlq WHERE original_subject = ? ORDER BY failed_at DESC LIMIT ?`,
		DLQSubject(originalSubject), limit)
	if err != nil {
		return nil, fmt.Errorf("querying dlq: %w", err)
	}
	defer rows.Close()

	var entries []DLQEntry
	for rows.Next() {
		var e DLQEntry
		var payload, failedAt string
		if err := rows.Scan(&e.ID, &e.Subject, &payload, &e.Metadata, &e.RetryCount, &e.LastError, &failedAt); err != nil {
			return nil, fmt.Errorf("scanning dlq entry: %w", err)
		}
		e.Payload = json.RawMessage(payload)
		e.FailedAt, _ = time.Parse(time.DateTime, failedAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DLQEntry is one dead-lettered message.
type DLQEntry struct {
	ID         string          `json:"id"`
	Subject    string          `json:"subject"`
	Payload    json.RawMessage `json:"payload"`
	Metadata   string          `json:"metadata"`
	RetryCount int             `json:"retry_count"`
	LastError  string          `json:"last_error"`
	FailedAt   time.Time       `json:"failed_at"`
}

// HealthSnapshot reports per-stream depth, oldest-message lag, and bytes,
// across every subject with pending messages (spec §4.2).
func (b *Bus) HealthSnapshot(ctx context.Context) ([]StreamDepth, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT subject, COUNT(*), COALESCE(SUM(LENGTH(payload)), 0),
		       COALESCE((julianday('now') - MIN(julianday(created_at))) * 86400000, 0)
		FROM bus_messages GROUP BY subject`)
	if err != nil {
		return nil, fmt.Errorf("querying health snapshot: %w", err)
	}
	defer rows.Close()

	var out []StreamDepth
	for rows.Next() {
		var d StreamDepth
		var ageMS float64
		if err := rows.Scan(&d.Subject, &d.PendingCount, &d.Bytes, &ageMS); err != nil {
			return nil, fmt.Errorf("scanning health row: %w", err)
		}
		d.OldestAgeMS = int64(ageMS)
		out = append(out, d)
	}
	return out, rows.Err()
}
