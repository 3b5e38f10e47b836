package alerting

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentaudit/decision-audit/internal/db"
)

// ListFilter controls which alerts List returns.
type ListFilter struct {
	Kind      Kind
	Severity  Severity
	Delivered *bool
	Since     time.Time
	Limit     int
}

// Store persists alerts and the configured webhook subscriber set.
type Store struct {
	db *db.DB
}

// NewStore creates a Store backed by the given database.
func NewStore(database *db.DB) *Store {
	return &Store{db: database}
}

// Create inserts a new alert. If a.ID is empty a UUID is generated.
func (s *Store) Create(ctx context.Context, a Alert) (Alert, error) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	delivered := 0
	if a.Delivered {
		delivered = 1
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alerts (id, kind, severity, subject, message, delivered, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, string(a.Kind), string(a.Severity), a.Subject, a.Message, delivered,
		a.CreatedAt.UTC().Format(time.DateTime),
	)
	if err != nil {
		return Alert{}, fmt.Errorf("inserting alert: %w", err)
	}
	return a, nil
}

// MarkDelivered sets delivered=1 for the given alert.
func (s *Store) MarkDelivered(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE alerts SET delivered = 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("marking alert delivered: %w", err)
	}
	return nil
}

// List returns alerts matching filter, most recent first.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]Alert, error) {
	var clauses []string
	var args []any

	if filter.Kind != "" {
		clauses = append(clauses, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	if filter.Severity != "" {
		clauses = append(clauses, "severity = ?")
		args = append(args, string(filter.Severity))
	}
	if filter.Delivered != nil {
		v := 0
		if *filter.Delivered {
			v = 1
		}
		clauses = append(clauses, "delivered = ?")
		args = append(args, v)
	}
	if !filter.Since.IsZero() {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, filter.Since.UTC().Format(time.DateTime))
	}

	query := "SELECT id, kind, severity, subject, message, delivered, created_at FROM alerts"
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying alerts: %w", err)
	}
	defer rows.Close()

	var result []Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func scanAlert(rows *sql.Rows) (Alert, error) {
	var a Alert
	var kind, severity, ts string
	var delivered int
	if err := rows.Scan(&a.ID, &kind, &severity, &a.Subject, &a.Message, &delivered, &ts); err != nil {
		return Alert{}, fmt.Errorf("scanning alert: %w", err)
	}
	a.Kind = Kind(kind)
	a.Severity = Severity(severity)
	a.Delivered = delivered != 0
	if t, err := time.Parse(time.DateTime, ts); err == nil {
		a.CreatedAt = t
	}
	return a, nil
}

// SetWebhook upserts a webhook subscriber.
func (s *Store) SetWebhook(ctx context.Context, w Webhook) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alert_webhooks (url, min_severity) VALUES (?, ?)
		ON CONFLICT(url) DO UPDATE SET min_severity = excluded.min_severity`,
		w.URL, string(w.MinSeverity),
	)
	if err != nil {
		return fmt.Errorf("upserting webhook: %w", err)
	}
	return nil
}

// Webhooks returns every configured webhook subscriber.
func (s *Store) Webhooks(ctx context.Context) ([]Webhook, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT url, min_severity FROM alert_webhooks")
	if err != nil {
		return nil, fmt.Errorf("querying webhooks: %w", err)
	}
	defer rows.Close()

	var hooks []Webhook
	for rows.Next() {
		var w Webhook
		var sev string
		if err := rows.Scan(&w.URL, &sev); err != nil {
			return nil, fmt.Errorf("scanning webhook: %w", err)
		}
		w.MinSeverity = Severity(sev)
		hooks = append(hooks, w)
	}
	return hooks, rows.Err()
}
