package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// DB wraps a sql.DB with service-specific helpers.
type DB struct {
	*sql.DB
	mu   sync.RWMutex
	path string
}

// Open creates or opens a SQLite database at the given path.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	sqlDB, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	d := &DB{DB: sqlDB, path: path}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return d, nil
}

// OpenMemory creates an in-memory SQLite database (useful for testing).
func OpenMemory() (*DB, error) {
	sqlDB, err := sql.Open("sqlite", ":memory:?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening in-memory database: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	d := &DB{DB: sqlDB, path: ":memory:"}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return d, nil
}

// migrate runs all schema migrations.
func (d *DB) migrate() error {
	_, err := d.Exec(schema)
	return err
}

// schema contains the full database schema. New tables are added here.
const schema = `
CREATE TABLE IF NOT EXISTS logs (
    agent_id TEXT NOT NULL,
    step_id INTEGER NOT NULL,
    trace_id TEXT NOT NULL DEFAULT '',
    user_id TEXT NOT NULL DEFAULT '',
    timestamp DATETIME NOT NULL,
    input_data TEXT NOT NULL DEFAULT '{}',
    output TEXT NOT NULL DEFAULT '{}',
    reasoning TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL CHECK(status IN ('success','failure','anomaly')),
    reviewed INTEGER NOT NULL DEFAULT 0,
    review_comments TEXT NOT NULL DEFAULT '',
    metadata TEXT NOT NULL DEFAULT '{}',
    version INTEGER NOT NULL DEFAULT 1,
    retention_tier TEXT NOT NULL CHECK(retention_tier IN ('hot','warm','cold')),
    content_hash TEXT NOT NULL,
    created_at DATETIME NOT NULL DEFAULT (datetime('now')),
    PRIMARY KEY(agent_id, step_id)
);

CREATE INDEX IF NOT EXISTS idx_logs_timestamp ON logs(timestamp);
CREATE INDEX IF NOT EXISTS idx_logs_status ON logs(status);
CREATE INDEX IF NOT EXISTS idx_logs_trace ON logs(trace_id);
CREATE INDEX IF NOT EXISTS idx_logs_reviewed ON logs(reviewed);
CREATE INDEX IF NOT EXISTS idx_logs_retention ON logs(retention_tier);

CREATE TABLE IF NOT EXISTS audit_entries (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    entry_id TEXT NOT NULL UNIQUE,
    type TEXT NOT NULL CHECK(type IN ('LOG_CREATED','LOG_UPDATED','WINDOW_FINALIZED')),
    log_id TEXT NOT NULL DEFAULT '',
    log_hash TEXT NOT NULL DEFAULT '',
    updates TEXT NOT NULL DEFAULT '{}',
    timestamp DATETIME NOT NULL DEFAULT (datetime('now')),
    metadata TEXT NOT NULL DEFAULT '{}',
    previous_hash TEXT NOT NULL DEFAULT '',
    self_hash TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_entries_log ON audit_entries(log_id);
CREATE INDEX IF NOT EXISTS idx_audit_entries_timestamp ON audit_entries(timestamp);

CREATE TABLE IF NOT EXISTS merkle_windows (
    window_id INTEGER PRIMARY KEY,
    window_start DATETIME NOT NULL,
    window_end DATETIME NOT NULL,
    root TEXT NOT NULL DEFAULT '',
    hash_count INTEGER NOT NULL DEFAULT 0,
    leaves TEXT NOT NULL DEFAULT '[]',
    finalized INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS bus_messages (
    id TEXT PRIMARY KEY,
    subject TEXT NOT NULL,
    idempotency_key TEXT NOT NULL,
    payload TEXT NOT NULL,
    metadata TEXT NOT NULL DEFAULT '{}',
    queue_group TEXT NOT NULL DEFAULT '',
    attempts INTEGER NOT NULL DEFAULT 0,
    max_deliver INTEGER NOT NULL DEFAULT 3,
    visible_at DATETIME NOT NULL DEFAULT (datetime('now')),
    created_at DATETIME NOT NULL DEFAULT (datetime('now')),
    acked_at DATETIME,
    claimed_by TEXT NOT NULL DEFAULT '',
    last_error TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_bus_messages_subject ON bus_messages(subject, queue_group, visible_at);
CREATE INDEX IF NOT EXISTS idx_bus_messages_idem ON bus_messages(subject, idempotency_key);

CREATE TABLE IF NOT EXISTS bus_dlq (
    id TEXT PRIMARY KEY,
    original_subject TEXT NOT NULL,
    payload TEXT NOT NULL,
    metadata TEXT NOT NULL DEFAULT '{}',
    retry_count INTEGER NOT NULL DEFAULT 0,
    last_error TEXT NOT NULL DEFAULT '',
    failed_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_bus_dlq_subject ON bus_dlq(original_subject);

CREATE TABLE IF NOT EXISTS notification_preferences (
    room TEXT NOT NULL,
    channel TEXT NOT NULL DEFAULT 'websocket',
    filters TEXT NOT NULL DEFAULT '{}',
    PRIMARY KEY(room, channel)
);

CREATE TABLE IF NOT EXISTS alerts (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL CHECK(kind IN ('integrity','transient_exhausted')),
    severity TEXT NOT NULL CHECK(severity IN ('warning','critical')),
    subject TEXT NOT NULL DEFAULT '',
    message TEXT NOT NULL DEFAULT '',
    delivered INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_alerts_created ON alerts(created_at);

CREATE TABLE IF NOT EXISTS alert_webhooks (
    url TEXT PRIMARY KEY,
    min_severity TEXT NOT NULL DEFAULT 'warning'
);
`
