// Package webhooks notifies external services about transaction outcomes.
//
// Merchant backends register callback URLs per wallet account and receive
// signed events when a transaction settles, fails, or goes pending.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/mobikosh/mobikosh/internal/metrics"
	"github.com/mobikosh/mobikosh/internal/retry"
)

// EventType represents the type of webhook event.
type EventType string

const (
	EventTransactionSucceeded EventType = "transaction.succeeded"
	EventTransactionFailed    EventType = "transaction.failed"
	EventTransactionPending   EventType = "transaction.pending"
)

// maxConsecutiveFailures disables a subscription after this many failed
// deliveries in a row.
const maxConsecutiveFailures = 10

// Per-delivery retry. Transient failures (transport errors, 5xx) get one
// backoff retry before the attempt counts against the subscription; 4xx
// means the receiver rejected the payload and is not retried.
const (
	deliveryAttempts  = 2
	deliveryBaseDelay = 100 * time.Millisecond
)

// Event is a single webhook payload.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Subscription is a registered callback endpoint.
type Subscription struct {
	ID                  string      `json:"id"`
	AccountID           string      `json:"accountId"`
	URL                 string      `json:"url"`
	Secret              string      `json:"-"` // HMAC signing key, shown once at creation
	Events              []EventType `json:"events"`
	Active              bool        `json:"active"`
	CreatedAt           time.Time   `json:"createdAt"`
	LastSuccess         *time.Time  `json:"lastSuccess,omitempty"`
	LastError           string      `json:"lastError,omitempty"`
	ConsecutiveFailures int         `json:"-"`
}

// Store persists webhook subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	GetByAccount(ctx context.Context, accountID string) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error

	// RecordDelivery updates delivery bookkeeping for one completed attempt
	// and returns the stored row. success resets the failure streak; failure
	// increments it and disables the subscription once it reaches
	// maxConsecutiveFailures. The increment runs against the stored row, not
	// a caller snapshot, so concurrent deliveries never lose a count.
	RecordDelivery(ctx context.Context, id string, success bool, errMsg string) (*Subscription, error)
}

// Dispatcher delivers events to subscribed endpoints.
type Dispatcher struct {
	store  Store
	client *http.Client
	logger *slog.Logger
}

// NewDispatcher creates a webhook dispatcher.
func NewDispatcher(store Store, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store: store,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// DispatchToAccount sends an event to the account's matching subscriptions.
// Delivery is asynchronous; this never blocks the money path.
func (d *Dispatcher) DispatchToAccount(ctx context.Context, accountID string, event *Event) error {
	subs, err := d.store.GetByAccount(ctx, accountID)
	if err != nil {
		return fmt.Errorf("webhooks: load subscriptions: %w", err)
	}

	for _, sub := range subs {
		if !sub.Active {
			continue
		}
		for _, et := range sub.Events {
			if et == event.Type {
				go d.send(context.WithoutCancel(ctx), sub, event)
				break
			}
		}
	}
	return nil
}

func (d *Dispatcher) send(ctx context.Context, sub *Subscription, event *Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		d.recordFailure(ctx, sub, "failed to marshal event")
		return
	}

	err = retry.Do(ctx, deliveryAttempts, deliveryBaseDelay, func() error {
		// Fresh request per attempt; the body reader is consumed by each send.
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
		if err != nil {
			return retry.Permanent(fmt.Errorf("failed to create request: %w", err))
		}

		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Mobikosh-Event", string(event.Type))
		req.Header.Set("X-Mobikosh-Timestamp", fmt.Sprintf("%d", event.Timestamp.Unix()))
		req.Header.Set("X-Mobikosh-Signature", Sign(payload, sub.Secret))

		resp, err := d.client.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
		default:
			return fmt.Errorf("status %d", resp.StatusCode)
		}
	})
	if err != nil {
		d.recordFailure(ctx, sub, err.Error())
		return
	}
	d.recordSuccess(ctx, sub)
}

// Sign computes the hex HMAC-SHA256 signature receivers verify against.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func (d *Dispatcher) recordSuccess(ctx context.Context, sub *Subscription) {
	metrics.WebhookDeliveriesTotal.WithLabelValues("success").Inc()
	if _, err := d.store.RecordDelivery(ctx, sub.ID, true, ""); err != nil {
		d.logger.Warn("failed to record webhook delivery", "webhook_id", sub.ID, "error", err)
	}
}

func (d *Dispatcher) recordFailure(ctx context.Context, sub *Subscription, errMsg string) {
	metrics.WebhookDeliveriesTotal.WithLabelValues("failure").Inc()
	updated, err := d.store.RecordDelivery(ctx, sub.ID, false, errMsg)
	if err != nil {
		d.logger.Warn("failed to record webhook failure", "webhook_id", sub.ID, "error", err)
		return
	}
	if !updated.Active {
		d.logger.Warn("webhook disabled after repeated failures",
			"webhook_id", updated.ID, "url", updated.URL, "failures", updated.ConsecutiveFailures)
	}
}

// MemoryStore is an in-memory subscription store for development and tests.
type MemoryStore struct {
	subs map[string]*Subscription
	mu   sync.RWMutex
}

// NewMemoryStore creates an in-memory subscription store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string]*Subscription)}
}

func (m *MemoryStore) Create(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sub, ok := m.subs[id]; ok {
		cp := *sub
		return &cp, nil
	}
	return nil, fmt.Errorf("webhooks: subscription not found")
}

func (m *MemoryStore) GetByAccount(ctx context.Context, accountID string) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		if sub.AccountID == accountID {
			cp := *sub
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) Update(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *MemoryStore) RecordDelivery(ctx context.Context, id string, success bool, errMsg string) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return nil, fmt.Errorf("webhooks: subscription not found")
	}
	if success {
		now := time.Now()
		sub.LastSuccess = &now
		sub.LastError = ""
		sub.ConsecutiveFailures = 0
	} else {
		sub.LastError = errMsg
		sub.ConsecutiveFailures++
		if sub.ConsecutiveFailures >= maxConsecutiveFailures {
			sub.Active = false
		}
	}
	cp := *sub
	return &cp, nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, id)
	return nil
}
