// Package webhooks delivers settlement notifications to HTTP endpoints.
//
// Account holders register endpoints for their own requests; operators may
// configure one platform endpoint that receives every notification.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/mbd888/settlehub/internal/circuitbreaker"
	"github.com/mbd888/settlehub/internal/idgen"
	"github.com/mbd888/settlehub/internal/metrics"
	"github.com/mbd888/settlehub/internal/requests"
	"github.com/mbd888/settlehub/internal/retry"
	"github.com/mbd888/settlehub/internal/security"
	"github.com/mbd888/settlehub/internal/settlement"
	"github.com/mbd888/settlehub/internal/syncutil"
)

// EventType represents the type of webhook event
type EventType string

const (
	EventRequestCompleted EventType = "request.completed"
	EventRequestFailed    EventType = "request.failed"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	return t == EventRequestCompleted || t == EventRequestFailed
}

// Headers set on every delivery.
const (
	HeaderEvent     = "X-Settlehub-Event"
	HeaderDelivery  = "X-Settlehub-Delivery"
	HeaderTimestamp = "X-Settlehub-Timestamp"
	HeaderSignature = "X-Settlehub-Signature"
)

// ErrNotFound is returned when a subscription does not exist.
var ErrNotFound = errors.New("webhook subscription not found")

// ErrInvalidURL is returned for endpoints that may not receive deliveries.
var ErrInvalidURL = errors.New("invalid webhook url")

// Event represents a webhook event
type Event struct {
	ID        string                  `json:"id"`
	Type      EventType               `json:"type"`
	Timestamp time.Time               `json:"timestamp"`
	Data      settlement.Notification `json:"data"`
}

// Subscription represents a webhook subscription
type Subscription struct {
	ID                  string      `json:"id"`
	AccountID           string      `json:"accountId"`
	URL                 string      `json:"url"`
	Secret              string      `json:"-"` // Used for HMAC signing
	Events              []EventType `json:"events"`
	Active              bool        `json:"active"`
	CreatedAt           time.Time   `json:"createdAt"`
	LastSuccess         *time.Time  `json:"lastSuccess,omitempty"`
	LastError           string      `json:"lastError,omitempty"`
	ConsecutiveFailures int         `json:"consecutiveFailures"`
}

// Wants reports whether the subscription is active and listens for t.
func (s *Subscription) Wants(t EventType) bool {
	return s.Active && slices.Contains(s.Events, t)
}

// Store persists webhook subscriptions
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	GetByAccount(ctx context.Context, accountID string) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

const (
	deliveryAttempts  = 3
	deliveryBaseDelay = 500 * time.Millisecond

	// disableAfter consecutive failed deliveries deactivates a subscription.
	disableAfter = 20
)

// Dispatcher sends webhook events. It implements settlement.Notifier.
type Dispatcher struct {
	store        Store
	client       *http.Client
	breaker      *circuitbreaker.Breaker
	logger       *slog.Logger
	urlValidator func(string) error
	platform     *Subscription
	locks        *syncutil.KeyedMutex // per-subscription status updates
	wg           sync.WaitGroup
}

// NewDispatcher creates a new webhook dispatcher
func NewDispatcher(store Store, logger *slog.Logger) *Dispatcher {
	d := &Dispatcher{
		store: store,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger:       logger,
		urlValidator: ValidateURL,
		locks:        syncutil.NewKeyedMutex(),
	}
	d.breaker = circuitbreaker.New("webhook", 5, time.Minute).OnTransition(func(t circuitbreaker.Transition) {
		if t.To == circuitbreaker.StateOpen {
			d.logger.Warn("webhook circuit opened, deliveries paused",
				"subscription", t.Key, "failures", t.Failures, "cooldown", t.Cooldown)
		}
	})
	return d
}

// WithPlatformEndpoint sends every notification to url in addition to
// account subscriptions.
func (d *Dispatcher) WithPlatformEndpoint(endpoint, secret string) *Dispatcher {
	if endpoint == "" {
		return d
	}
	d.platform = &Subscription{
		ID:     "platform",
		URL:    endpoint,
		Secret: secret,
		Events: []EventType{EventRequestCompleted, EventRequestFailed},
		Active: true,
	}
	return d
}

// Notify implements settlement.Notifier. Deliveries run in the background.
func (d *Dispatcher) Notify(ctx context.Context, n settlement.Notification) {
	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventTypeFor(n.Status),
		Timestamp: n.OccurredAt,
		Data:      n,
	}
	if err := d.DispatchToAccount(ctx, n.AccountID, event); err != nil {
		d.logger.Warn("webhook dispatch failed", "account", n.AccountID, "request", n.RequestID, "error", err)
	}
}

// DispatchToAccount sends an event to the account's matching subscriptions
// and to the platform endpoint, if configured.
func (d *Dispatcher) DispatchToAccount(ctx context.Context, accountID string, event *Event) error {
	if d.platform != nil {
		d.deliver(ctx, d.platform, event, false)
	}

	subs, err := d.store.GetByAccount(ctx, accountID)
	if err != nil {
		return fmt.Errorf("failed to get subscriptions: %w", err)
	}
	for _, sub := range subs {
		if sub.Wants(event.Type) {
			d.deliver(ctx, sub, event, true)
		}
	}
	return nil
}

// Wait blocks until in-flight deliveries finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, sub *Subscription, event *Event, persist bool) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx := context.WithoutCancel(ctx)

		if !d.breaker.Allow(sub.ID) {
			metrics.WebhookDeliveriesTotal.WithLabelValues("circuit_open").Inc()
			return
		}

		err := retry.Do(ctx, deliveryAttempts, deliveryBaseDelay, func() error {
			return d.send(ctx, sub, event)
		})
		if err != nil {
			d.breaker.RecordFailure(sub.ID)
			metrics.WebhookDeliveriesTotal.WithLabelValues("failed").Inc()
			d.logger.Warn("webhook delivery failed",
				"subscription", sub.ID, "event", event.ID, "error", err)
			if persist {
				d.updateError(ctx, sub.ID, err.Error())
			}
			return
		}
		d.breaker.RecordSuccess(sub.ID)
		metrics.WebhookDeliveriesTotal.WithLabelValues("delivered").Inc()
		if persist {
			d.updateSuccess(ctx, sub.ID)
		}
	}()
}

func (d *Dispatcher) send(ctx context.Context, sub *Subscription, event *Event) error {
	if err := d.urlValidator(sub.URL); err != nil {
		return retry.Permanent(err)
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to marshal event: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(event.Type))
	req.Header.Set(HeaderDelivery, event.ID)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(event.Timestamp.Unix(), 10))
	if sub.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	default:
		return fmt.Errorf("status %d", resp.StatusCode)
	}
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks a signature produced by Sign in constant time.
func Verify(payload []byte, secret, signature string) bool {
	return hmac.Equal([]byte(Sign(payload, secret)), []byte(signature))
}

func (d *Dispatcher) updateSuccess(ctx context.Context, id string) {
	unlock, err := d.locks.Lock(ctx, id)
	if err != nil {
		return
	}
	defer unlock()
	sub, err := d.store.Get(ctx, id)
	if err != nil {
		return
	}
	now := time.Now()
	sub.LastSuccess = &now
	sub.LastError = ""
	sub.ConsecutiveFailures = 0
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Warn("failed to record webhook success", "subscription", id, "error", err)
	}
}

func (d *Dispatcher) updateError(ctx context.Context, id, errMsg string) {
	unlock, err := d.locks.Lock(ctx, id)
	if err != nil {
		return
	}
	defer unlock()
	sub, err := d.store.Get(ctx, id)
	if err != nil {
		return
	}
	sub.LastError = errMsg
	sub.ConsecutiveFailures++
	if sub.ConsecutiveFailures >= disableAfter {
		sub.Active = false
		d.logger.Warn("webhook subscription disabled", "subscription", id, "failures", sub.ConsecutiveFailures)
	}
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Warn("failed to record webhook error", "subscription", id, "error", err)
	}
}

func eventTypeFor(status requests.Status) EventType {
	if status == requests.StatusFailed {
		return EventRequestFailed
	}
	return EventRequestCompleted
}

// ValidateURL rejects endpoints the server must not call: non-http(s)
// schemes and hosts that are or resolve to non-public addresses.
func ValidateURL(raw string) error {
	if err := security.ValidateEndpointURL(raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	return nil
}

var _ settlement.Notifier = (*Dispatcher)(nil)
