package eventbus

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Handler processes one message. Returning a *PermanentError (see
// Permanent) sends the message straight to the DLQ; any other error is
// treated as transient and scheduled for backoff retry; a nil error acks.
type Handler func(ctx context.Context, msg Message) error

// Subscription is a durable, queue-grouped consumer of one subject. Its
// identity (subject + queue group) is what makes it durable: a restarted
// process resubscribing under the same identity resumes from whatever
// rows are still pending in the shared table, exactly like a durable
// consumer cursor on a real broker.
type Subscription struct {
	bus         *Bus
	subject     string
	queueGroup  string
	concurrency int
	pollEvery   time.Duration
	handler     Handler

	cancel context.CancelFunc
	done   chan struct{}
}

// SubscribeOption configures a Subscription.
type SubscribeOption func(*Subscription)

// WithConcurrency bounds how many messages this subscriber processes at
// once, mirroring the bounded-semaphore worker pool in the teacher's
// indexer.Batcher.
func WithConcurrency(n int) SubscribeOption {
	return func(s *Subscription) { s.concurrency = n }
}

// WithPollInterval overrides the default 100ms poll cadence.
func WithPollInterval(d time.Duration) SubscribeOption {
	return func(s *Subscription) { s.pollEvery = d }
}

// Subscribe starts a durable, queue-grouped consumer for subject. Multiple
// subscriptions sharing the same (subject, queueGroup) get at-most-one
// delivery per message across the group (spec §4.2).
func (b *Bus) Subscribe(ctx context.Context, subject, queueGroup string, handler Handler, opts ...SubscribeOption) *Subscription {
	s := &Subscription{
		bus:         b,
		subject:     subject,
		queueGroup:  queueGroup,
		concurrency: 4,
		pollEvery:   100 * time.Millisecond,
		handler:     handler,
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.run(runCtx)
	return s
}

// Stop cancels the subscription and waits for its poll loop to exit.
func (s *Subscription) Stop() {
	s.cancel()
	<-s.done
}

func (s *Subscription) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollOnce(ctx)
		}
	}
}

func (s *Subscription) pollOnce(ctx context.Context) {
	claimed, err := s.bus.claim(ctx, s.subject, s.queueGroup, s.concurrency)
	if err != nil || len(claimed) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, row := range claimed {
		wg.Add(1)
		go func(row claimedRow) {
			defer wg.Done()
			s.deliver(ctx, row)
		}(row)
	}
	wg.Wait()
}

func (s *Subscription) deliver(ctx context.Context, row claimedRow) {
	msg := row.toMessage()

	err := s.handler(ctx, msg)
	// The outcome of a finished handler is recorded even if the
	// subscription was stopped while it ran.
	settleCtx := context.WithoutCancel(ctx)
	if err == nil {
		_ = s.bus.ack(settleCtx, row.ID)
		return
	}

	var perm *PermanentError
	isPermanent := errors.As(err, &perm)
	_ = s.bus.nak(settleCtx, row, err, isPermanent)
}
