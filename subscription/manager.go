// Package subscription fans execution and step status changes out to
// registered callback topics. Delivery is at-least-once and fire-and-forget
// from the scheduler's perspective: a slow or failing subscriber never
// blocks step dispatch.
package subscription

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meridianhq/orchestrator/engine"
	"github.com/meridianhq/orchestrator/store"
)

// Publisher delivers one payload to one topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Manager registers subscriptions and implements engine.Notifier.
type Manager struct {
	subs   store.SubscriptionStore
	pub    Publisher
	logger *slog.Logger
	clock  func() time.Time

	wg sync.WaitGroup
}

// NewManager creates a subscription Manager.
func NewManager(subs store.SubscriptionStore, pub Publisher, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{subs: subs, pub: pub, logger: logger, clock: time.Now}
}

// SetClock overrides the time source. Used by tests.
func (m *Manager) SetClock(fn func() time.Time) { m.clock = fn }

// Subscribe registers a callback topic for an execution. The expiry time,
// when set, must be in the future.
func (m *Manager) Subscribe(ctx context.Context, sub *store.ExecutionSubscription) error {
	if sub.ExecutionID == uuid.Nil {
		return fmt.Errorf("execution id is required")
	}
	if sub.CallbackTopic == "" {
		return fmt.Errorf("callback topic is required")
	}
	now := m.clock()
	if sub.ExpiresAt != nil && !sub.ExpiresAt.After(now) {
		return fmt.Errorf("expiry time must be in the future")
	}
	sub.SubscribedAt = now
	sub.DeliveryStatus = store.DeliveryActive
	return m.subs.CreateSubscription(ctx, sub)
}

// List returns an execution's subscriptions.
func (m *Manager) List(ctx context.Context, executionID uuid.UUID) ([]*store.ExecutionSubscription, error) {
	return m.subs.ListSubscriptions(ctx, executionID)
}

// Publish fans one transition out to all active subscriptions of the
// execution. Expired subscriptions are marked lazily here; the delivery
// itself runs asynchronously.
func (m *Manager) Publish(ctx context.Context, t engine.Transition) {
	subs, err := m.subs.ListSubscriptions(ctx, t.ExecutionID)
	if err != nil {
		m.logger.Warn("list subscriptions", "execution_id", t.ExecutionID, "error", err)
		return
	}
	if len(subs) == 0 {
		return
	}

	payload, err := json.Marshal(t)
	if err != nil {
		m.logger.Error("encode transition", "execution_id", t.ExecutionID, "error", err)
		return
	}

	now := m.clock()
	for _, sub := range subs {
		if sub.DeliveryStatus != store.DeliveryActive {
			continue
		}
		if sub.Expired(now) {
			if _, err := m.subs.SetDeliveryStatus(ctx, sub.ID,
				[]store.DeliveryStatus{store.DeliveryActive}, store.DeliveryExpired, ""); err != nil {
				m.logger.Warn("mark subscription expired", "subscription_id", sub.ID, "error", err)
			}
			continue
		}

		sub := sub
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.deliver(sub, payload)
		}()
	}
}

// deliver publishes to one subscription. Failure marks it failed; it is
// never retried by the scheduler.
func (m *Manager) deliver(sub *store.ExecutionSubscription, payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := m.pub.Publish(ctx, sub.CallbackTopic, payload); err != nil {
		m.logger.Warn("subscription delivery failed",
			"subscription_id", sub.ID, "topic", sub.CallbackTopic, "error", err)
		if _, serr := m.subs.SetDeliveryStatus(ctx, sub.ID,
			[]store.DeliveryStatus{store.DeliveryActive}, store.DeliveryFailed, err.Error()); serr != nil {
			m.logger.Warn("mark subscription failed", "subscription_id", sub.ID, "error", serr)
		}
	}
}

// Wait blocks until in-flight deliveries finish. Used on shutdown and in
// tests.
func (m *Manager) Wait() { m.wg.Wait() }
