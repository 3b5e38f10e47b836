package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentaudit/decision-audit/internal/db"
)

// Store provides raw persistence for the audit chain and Merkle windows.
// It performs no hashing or chaining logic itself — that lives in Service,
// which is the only caller expected to hold the ordering mutex.
type Store struct {
	db *db.DB
}

// NewStore creates a Store backed by the given database.
func NewStore(database *db.DB) *Store {
	return &Store{db: database}
}

// AppendEntry inserts the next chain entry and returns its sequence number.
func (s *Store) AppendEntry(ctx context.Context, e Entry) (int64, error) {
	metaJSON, err := json.Marshal(e.Metadata)
	if err != nil {
		return 0, fmt.Errorf("marshalling entry metadata: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_entries (entry_id, type, log_id, log_hash, updates, timestamp, metadata, previous_hash, self_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.EntryID, string(e.Type), e.LogID, e.LogHash, e.Updates,
		e.Timestamp.UTC().Format(time.RFC3339Nano), string(metaJSON), e.PreviousHash, e.SelfHash,
	)
	if err != nil {
		return 0, fmt.Errorf("appending audit entry: %w", err)
	}
	return res.LastInsertId()
}

// Tail returns the most recently appended entry, or (nil, nil) if the
// chain is empty.
func (s *Store) Tail(ctx context.Context) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT seq, entry_id, type, log_id, log_hash, updates, timestamp, metadata, previous_hash, self_hash
		FROM audit_entries ORDER BY seq DESC LIMIT 1`)

	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning tail entry: %w", err)
	}
	return e, nil
}

// EntriesInRange returns chain entries with timestamp in [from, to), in
// append order.
func (s *Store) EntriesInRange(ctx context.Context, from, to time.Time) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, entry_id, type, log_id, log_hash, updates, timestamp, metadata, previous_hash, self_hash
		FROM audit_entries WHERE timestamp >= ? AND timestamp < ? ORDER BY seq ASC`,
		from.UTC().Format(time.RFC3339Nano), to.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("querying entries in range: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntryRows(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning entry: %w", err)
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// AllEntries returns the whole chain in append order, used for
// continuity verification.
func (s *Store) AllEntries(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, entry_id, type, log_id, log_hash, updates, timestamp, metadata, previous_hash, self_hash
		FROM audit_entries ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying all entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntryRows(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning entry: %w", err)
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// GetWindow loads a window by ID, or (nil, nil) if it does not exist yet.
func (s *Store) GetWindow(ctx context.Context, windowID int64) (*Window, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT window_id, window_start, window_end, root, hash_count, leaves, finalized
		FROM merkle_windows WHERE window_id = ?`, windowID)

	w, err := scanWindow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning window: %w", err)
	}
	return w, nil
}

// UpsertWindow persists a window's current leaf set, root, and finalized
// state.
func (s *Store) UpsertWindow(ctx context.Context, w Window) error {
	leavesJSON, err := json.Marshal(w.Leaves)
	if err != nil {
		return fmt.Errorf("marshalling window leaves: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO merkle_windows (window_id, window_start, window_end, root, hash_count, leaves, finalized)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(window_id) DO UPDATE SET
			root = excluded.root,
			hash_count = excluded.hash_count,
			leaves = excluded.leaves,
			finalized = excluded.finalized`,
		w.WindowID, w.WindowStart.UTC().Format(time.RFC3339Nano), w.WindowEnd.UTC().Format(time.RFC3339Nano),
		w.Root, w.HashCount, string(leavesJSON), boolToInt(w.Finalized),
	)
	if err != nil {
		return fmt.Errorf("upserting window: %w", err)
	}
	return nil
}

// UnfinalizedWindows returns every window not yet marked finalized, used
// to catch up rollovers a restarted process missed.
func (s *Store) UnfinalizedWindows(ctx context.Context) ([]Window, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT window_id, window_start, window_end, root, hash_count, leaves, finalized
		FROM merkle_windows WHERE finalized = 0 ORDER BY window_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying unfinalized windows: %w", err)
	}
	defer rows.Close()

	var windows []Window
	for rows.Next() {
		w, err := scanWindowRows(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning window: %w", err)
		}
		windows = append(windows, *w)
	}
	return windows, rows.Err()
}

// WindowsInRange returns finalized windows whose start falls in [from, to).
func (s *Store) WindowsInRange(ctx context.Context, from, to time.Time) ([]Window, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT window_id, window_start, window_end, root, hash_count, leaves, finalized
		FROM merkle_windows WHERE window_start >= ? AND window_start < ? ORDER BY window_id ASC`,
		from.UTC().Format(time.RFC3339Nano), to.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("querying windows in range: %w", err)
	}
	defer rows.Close()

	var windows []Window
	for rows.Next() {
		w, err := scanWindowRows(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning window: %w", err)
		}
		windows = append(windows, *w)
	}
	return windows, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// scanner is implemented by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanEntryInto(sc scanner) (*Entry, error) {
	var (
		e            Entry
		entryType    string
		ts           string
		metaJSON     string
	)
	err := sc.Scan(&e.Seq, &e.EntryID, &entryType, &e.LogID, &e.LogHash, &e.Updates, &ts, &metaJSON, &e.PreviousHash, &e.SelfHash)
	if err != nil {
		return nil, err
	}
	e.Type = EntryType(entryType)
	if t, parseErr := time.Parse(time.RFC3339Nano, ts); parseErr == nil {
		e.Timestamp = t
	} else if t, parseErr := time.Parse(time.DateTime, ts); parseErr == nil {
		e.Timestamp = t
	}
	_ = json.Unmarshal([]byte(metaJSON), &e.Metadata)
	return &e, nil
}

func scanEntry(row *sql.Row) (*Entry, error)      { return scanEntryInto(row) }
func scanEntryRows(rows *sql.Rows) (*Entry, error) { return scanEntryInto(rows) }

func scanWindowInto(sc scanner) (*Window, error) {
	var (
		w                       Window
		start, end              string
		leavesJSON              string
		finalized               int
	)
	err := sc.Scan(&w.WindowID, &start, &end, &w.Root, &w.HashCount, &leavesJSON, &finalized)
	if err != nil {
		return nil, err
	}
	w.Finalized = finalized != 0
	if t, parseErr := time.Parse(time.RFC3339Nano, start); parseErr == nil {
		w.WindowStart = t
	} else if t, parseErr := time.Parse(time.DateTime, start); parseErr == nil {
		w.WindowStart = t
	}
	if t, parseErr := time.Parse(time.RFC3339Nano, end); parseErr == nil {
		w.WindowEnd = t
	} else if t, parseErr := time.Parse(time.DateTime, end); parseErr == nil {
		w.WindowEnd = t
	}
	_ = json.Unmarshal([]byte(leavesJSON), &w.Leaves)
	return &w, nil
}

func scanWindow(row *sql.Row) (*Window, error)       { return scanWindowInto(row) }
func scanWindowRows(rows *sql.Rows) (*Window, error) { return scanWindowInto(rows) }
