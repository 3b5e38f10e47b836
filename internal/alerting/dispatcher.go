package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// Dispatcher persists alerts and delivers them to severity-matching
// webhook subscribers.
type Dispatcher struct {
	store  *Store
	client *http.Client
}

// NewDispatcher creates a Dispatcher backed by store.
func NewDispatcher(store *Store) *Dispatcher {
	return &Dispatcher{
		store:  store,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Dispatch persists an alert for the given kind/subject/message and
// delivers it to every webhook whose min_severity the alert's severity
// meets. Delivery failures are logged, not returned: a webhook outage
// must never block the worker from halting the affected stream.
func (d *Dispatcher) Dispatch(ctx context.Context, kind Kind, subject, message string) (Alert, error) {
	a, err := d.store.Create(ctx, Alert{
		Kind:     kind,
		Severity: DefaultSeverity(kind),
		Subject:  subject,
		Message:  message,
	})
	if err != nil {
		return Alert{}, fmt.Errorf("recording alert: %w", err)
	}

	hooks, err := d.store.Webhooks(ctx)
	if err != nil {
		log.Printf("alerting: loading webhooks: %v", err)
		return a, nil
	}

	delivered := false
	for _, hook := range hooks {
		if !severityMeets(a.Severity, hook.MinSeverity) {
			continue
		}
		if err := d.sendWebhook(ctx, hook.URL, a); err != nil {
			log.Printf("alerting: delivering to %s: %v", hook.URL, err)
			continue
		}
		delivered = true
	}
	if delivered {
		if err := d.store.MarkDelivered(ctx, a.ID); err != nil {
			log.Printf("alerting: marking %s delivered: %v", a.ID, err)
		}
	}

	return a, nil
}

func (d *Dispatcher) sendWebhook(ctx context.Context, url string, a Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshalling alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
