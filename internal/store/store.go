// Package store provides the durable, time-partitioned log repository
// (spec §2.1, §4.1). Layout and error-wrapping follow the teacher
// repo's internal/audit and internal/notifications stores.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/agentaudit/decision-audit/internal/db"
	"github.com/agentaudit/decision-audit/internal/logmodel"
)

// ErrNotFound is returned when a (agent_id, step_id) lookup misses.
var ErrNotFound = fmt.Errorf("log not found")

// ErrConflict is returned when a mutation violates the mutation-eligibility
// invariant (spec §3).
var ErrConflict = fmt.Errorf("log is not eligible for mutation")

// Store provides bulk insert, bounded range scan, exact lookup, and
// aggregation over logs.
type Store struct {
	db *db.DB
}

// NewStore creates a Store backed by the given database.
func NewStore(database *db.DB) *Store {
	return &Store{db: database}
}

// Insert writes a single log. Returns ErrConflict if (agent_id, step_id)
// already exists — callers wanting an update must go through ApplyUpdate.
func (s *Store) Insert(ctx context.Context, l logmodel.Log) error {
	return s.insertTx(ctx, s.db.DB, l)
}

func (s *Store) insertTx(ctx context.Context, execer execer, l logmodel.Log) error {
	input := rawOrEmpty(l.InputData)
	output := rawOrEmpty(l.Output)
	metadata := rawOrEmpty(l.Metadata)

	_, err := execer.ExecContext(ctx, `
		INSERT INTO logs (
			agent_id, step_id, trace_id, user_id, timestamp,
			input_data, output, reasoning, status, reviewed,
			review_comments, metadata, version, retention_tier, content_hash
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.AgentID, l.StepID, l.TraceID, l.UserID, l.Timestamp.UTC().Format(time.RFC3339Nano),
		string(input), string(output), l.Reasoning, string(l.Status), boolToInt(l.Reviewed),
		l.ReviewComments, string(metadata), l.Version, string(l.RetentionTier), l.ContentHash,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: (%s, %d) already exists", ErrConflict, l.AgentID, l.StepID)
		}
		return fmt.Errorf("inserting log: %w", err)
	}
	return nil
}

// execer is implemented by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// BulkInsert inserts logs unordered, collecting per-item failures rather
// than aborting the whole batch (spec §4.3's bulk path).
type BulkFailure struct {
	Log logmodel.Log
	Err error
}

func (s *Store) BulkInsert(ctx context.Context, logs []logmodel.Log) (inserted int, failures []BulkFailure) {
	for _, l := range logs {
		if err := s.Insert(ctx, l); err != nil {
			failures = append(failures, BulkFailure{Log: l, Err: err})
			continue
		}
		inserted++
	}
	return inserted, failures
}

// GetByStep performs an exact lookup by (agent_id, step_id).
func (s *Store) GetByStep(ctx context.Context, agentID string, stepID int64) (*logmodel.Log, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT agent_id, step_id, trace_id, user_id, timestamp, input_data, output,
		       reasoning, status, reviewed, review_comments, metadata, version,
		       retention_tier, content_hash
		FROM logs WHERE agent_id = ? AND step_id = ?`, agentID, stepID)

	l, err := scanLog(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning log: %w", err)
	}
	return l, nil
}

// ApplyUpdate mutates review fields on an existing log, enforcing the
// mutation-eligibility invariant and incrementing version. The caller
// supplies the recomputed content hash (the store does not know how to
// hash; that lives in logmodel and is driven by the worker).
type ReviewUpdate struct {
	Reviewed       bool
	ReviewComments string
}

func (s *Store) ApplyUpdate(ctx context.Context, agentID string, stepID int64, upd ReviewUpdate, newHash string) (*logmodel.Log, error) {
	current, err := s.GetByStep(ctx, agentID, stepID)
	if err != nil {
		return nil, err
	}
	if !current.Mutable() {
		return nil, ErrConflict
	}

	current.Reviewed = upd.Reviewed
	current.ReviewComments = upd.ReviewComments
	current.Version++
	current.ContentHash = newHash

	res, err := s.db.ExecContext(ctx, `
		UPDATE logs SET reviewed = ?, review_comments = ?, version = ?, content_hash = ?
		WHERE agent_id = ? AND step_id = ? AND version = ?`,
		boolToInt(current.Reviewed), current.ReviewComments, current.Version, current.ContentHash,
		agentID, stepID, current.Version-1,
	)
	if err != nil {
		return nil, fmt.Errorf("updating log: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// Lost a race with another update between the read and the write.
		return nil, ErrConflict
	}
	return current, nil
}

// RewriteRetentionTier updates the retention tier for a log. Nothing in
// this repository calls it: retention_tier is set once at save time and is
// not recomputed as a log ages.
func (s *Store) RewriteRetentionTier(ctx context.Context, agentID string, stepID int64, tier logmodel.RetentionTier) error {
	_, err := s.db.ExecContext(ctx, `UPDATE logs SET retention_tier = ? WHERE agent_id = ? AND step_id = ?`,
		string(tier), agentID, stepID)
	if err != nil {
		return fmt.Errorf("rewriting retention tier: %w", err)
	}
	return nil
}

// SearchFilter controls Search.
type SearchFilter struct {
	AgentID  string
	Status   logmodel.Status
	Reviewed *bool
	TraceID  string
	Keyword  string
	From     *time.Time
	To       *time.Time
	Limit    int
	Offset   int
	SortDesc bool // true: timestamp descending; false (zero value): ascending
}

// Search returns logs matching the filter. If no time range is given, the
// last 30 days is assumed (spec §4.1).
func (s *Store) Search(ctx context.Context, f SearchFilter) ([]logmodel.Log, error) {
	var clauses []string
	var args []any

	if f.AgentID != "" {
		clauses = append(clauses, "agent_id = ?")
		args = append(args, f.AgentID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Reviewed != nil {
		clauses = append(clauses, "reviewed = ?")
		args = append(args, boolToInt(*f.Reviewed))
	}
	if f.TraceID != "" {
		clauses = append(clauses, "trace_id = ?")
		args = append(args, f.TraceID)
	}
	if f.Keyword != "" {
		clauses = append(clauses, "reasoning LIKE ?")
		args = append(args, "%"+f.Keyword+"%")
	}

	from := f.From
	to := f.To
	if from == nil && to == nil {
		defaultFrom := time.Now().UTC().AddDate(0, 0, -30)
		from = &defaultFrom
	}
	if from != nil {
		clauses = append(clauses, "timestamp >= ?")
		args = append(args, from.UTC().Format(time.RFC3339Nano))
	}
	if to != nil {
		clauses = append(clauses, "timestamp <= ?")
		args = append(args, to.UTC().Format(time.RFC3339Nano))
	}

	query := `SELECT agent_id, step_id, trace_id, user_id, timestamp, input_data, output,
		reasoning, status, reviewed, review_comments, metadata, version, retention_tier, content_hash
		FROM logs`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}

	order := "DESC"
	if !f.SortDesc {
		order = "ASC"
	}
	query += fmt.Sprintf(" ORDER BY timestamp %s", order)

	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	if f.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("searching logs: %w", err)
	}
	defer rows.Close()

	var logs []logmodel.Log
	for rows.Next() {
		l, err := scanLogRows(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning log: %w", err)
		}
		logs = append(logs, *l)
	}
	return logs, rows.Err()
}

// SummaryResult holds status counts and review totals for one agent.
type SummaryResult struct {
	AgentID    string
	Counts     map[logmodel.Status]int
	Reviewed   int
	Pending    int
	TotalLogs  int
}

// Summary aggregates counts grouped by status, plus reviewed/pending
// totals, over an optional time range.
func (s *Store) Summary(ctx context.Context, agentID string, from, to *time.Time) (*SummaryResult, error) {
	clauses := []string{"agent_id = ?"}
	args := []any{agentID}
	if from != nil {
		clauses = append(clauses, "timestamp >= ?")
		args = append(args, from.UTC().Format(time.RFC3339Nano))
	}
	if to != nil {
		clauses = append(clauses, "timestamp <= ?")
		args = append(args, to.UTC().Format(time.RFC3339Nano))
	}

	query := "SELECT status, reviewed, COUNT(*) FROM logs WHERE " + strings.Join(clauses, " AND ") + " GROUP BY status, reviewed"
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("summarizing logs: %w", err)
	}
	defer rows.Close()

	result := &SummaryResult{AgentID: agentID, Counts: map[logmodel.Status]int{}}
	for rows.Next() {
		var status string
		var reviewed int
		var count int
		if err := rows.Scan(&status, &reviewed, &count); err != nil {
			return nil, fmt.Errorf("scanning summary row: %w", err)
		}
		result.Counts[logmodel.Status(status)] += count
		result.TotalLogs += count
		if reviewed != 0 {
			result.Reviewed += count
		} else {
			result.Pending += count
		}
	}
	return result, rows.Err()
}

// ScanRange returns all logs with timestamps in [from, to), ordered
// ascending.
func (s *Store) ScanRange(ctx context.Context, from, to time.Time) ([]logmodel.Log, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, step_id, trace_id, user_id, timestamp, input_data, output,
		       reasoning, status, reviewed, review_comments, metadata, version,
		       retention_tier, content_hash
		FROM logs WHERE timestamp >= ? AND timestamp < ? ORDER BY timestamp ASC`,
		from.UTC().Format(time.RFC3339Nano), to.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("scanning range: %w", err)
	}
	defer rows.Close()

	var logs []logmodel.Log
	for rows.Next() {
		l, err := scanLogRows(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning log: %w", err)
		}
		logs = append(logs, *l)
	}
	return logs, rows.Err()
}

func rawOrEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("{}")
	}
	return raw
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint")
}

// scanner is implemented by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanInto(sc scanner) (*logmodel.Log, error) {
	var (
		l                          logmodel.Log
		ts                         string
		input, output, metadata    string
		status                     string
		reviewed                   int
		retentionTier              string
	)

	err := sc.Scan(
		&l.AgentID, &l.StepID, &l.TraceID, &l.UserID, &ts,
		&input, &output, &l.Reasoning, &status, &reviewed,
		&l.ReviewComments, &metadata, &l.Version, &retentionTier, &l.ContentHash,
	)
	if err != nil {
		return nil, err
	}

	l.Status = logmodel.Status(status)
	l.Reviewed = reviewed != 0
	l.RetentionTier = logmodel.RetentionTier(retentionTier)
	l.InputData = json.RawMessage(input)
	l.Output = json.RawMessage(output)
	if metadata != "" {
		l.Metadata = json.RawMessage(metadata)
	}

	if t, parseErr := time.Parse(time.RFC3339Nano, ts); parseErr == nil {
		l.Timestamp = t
	} else if t, parseErr := time.Parse(time.DateTime, ts); parseErr == nil {
		l.Timestamp = t
	}

	return &l, nil
}

func scanLog(row *sql.Row) (*logmodel.Log, error)   { return scanInto(row) }
func scanLogRows(rows *sql.Rows) (*logmodel.Log, error) { return scanInto(rows) }
