package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentaudit/decision-audit/internal/eventbus"
)

// FanoutSubject is the bus subject BusAdapter uses to mirror events
// across notifier instances.
const FanoutSubject = "notifier.fanout"

// Adapter makes Hub.Dispatch visible across notifier instances sharing a
// logical cluster (spec §4.6's horizontal-scaling property). Bind is
// called once, by NewHub, so the adapter can reach back into the Hub to
// deliver locally.
type Adapter interface {
	Bind(h *Hub)
	Broadcast(eventType string, fields map[string]any, payload any) error
}

// NoopAdapter is the single-instance default: broadcasting an event is
// just delivering it to this instance's own rooms.
type NoopAdapter struct {
	hub *Hub
}

func (n *NoopAdapter) Bind(h *Hub) { n.hub = h }

func (n *NoopAdapter) Broadcast(eventType string, fields map[string]any, payload any) error {
	n.hub.dispatchLocal(eventType, fields, payload)
	return nil
}

// BusAdapter fans events out across every notifier instance sharing a
// cluster by publishing to FanoutSubject and subscribing under a
// per-instance queue group: distinct queue groups on the same subject
// each get their own copy of every message (spec's bus contract), which
// is exactly the broadcast semantics a horizontal notifier fleet needs.
// No pub/sub broker exists anywhere in the retrieval pack to ground a
// real cross-process adapter on, so this reuses the same sqlite-backed
// Bus the rest of the pipeline is built on (see DESIGN.md).
type BusAdapter struct {
	bus        *eventbus.Bus
	instanceID string
	hub        *Hub
	sub        *eventbus.Subscription
}

// NewBusAdapter creates a BusAdapter. instanceID must be unique per
// notifier process so each instance's subscription is its own queue
// group.
func NewBusAdapter(bus *eventbus.Bus, instanceID string) *BusAdapter {
	return &BusAdapter{bus: bus, instanceID: instanceID}
}

func (b *BusAdapter) Bind(h *Hub) {
	b.hub = h
	b.sub = b.bus.Subscribe(context.Background(), FanoutSubject, b.instanceID, b.handle, eventbus.WithPollInterval(50*time.Millisecond))
}

// Stop unsubscribes from the fanout subject.
func (b *BusAdapter) Stop() {
	if b.sub != nil {
		b.sub.Stop()
	}
}

func (b *BusAdapter) Broadcast(eventType string, fields map[string]any, payload any) error {
	_, err := b.bus.Publish(context.Background(), FanoutSubject, "", fanoutMessage{
		EventType: eventType,
		Fields:    fields,
		Payload:   payload,
	}, nil)
	return err
}

func (b *BusAdapter) handle(ctx context.Context, msg eventbus.Message) error {
	var fm fanoutMessage
	if err := json.Unmarshal(msg.Data, &fm); err != nil {
		return eventbus.Permanent(fmt.Errorf("decoding fanout message: %w", err))
	}
	b.hub.dispatchLocal(fm.EventType, fm.Fields, fm.Payload)
	return nil
}

type fanoutMessage struct {
	EventType string         `json:"event_type"`
	Fields    map[string]any `json:"fields"`
	Payload   any            `json:"payload"`
}
