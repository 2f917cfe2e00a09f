// Package notify delivers supervisor alerts and one-time codes to external
// receivers over signed webhooks.
//
// Receivers subscribe to event types. Every delivery is an HTTP POST of the
// JSON event, signed with HMAC-SHA256 in the X-Fieldguard-Signature header.
package notify

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
	"strconv"
	"sync"
	"time"

	"github.com/mbd888/fieldguard/internal/circuitbreaker"
	"github.com/mbd888/fieldguard/internal/faults"
	"github.com/mbd888/fieldguard/internal/retry"
	"github.com/mbd888/fieldguard/internal/security"
)

// EventType names a notification.
type EventType string

const (
	EventOtpRequested   EventType = "custody.otp_requested"
	EventCustodyFlagged EventType = "custody.flagged_late"
	EventActorEscalated EventType = "actor.escalated"
)

const (
	signatureHeader = "X-Fieldguard-Signature"
	eventHeader     = "X-Fieldguard-Event"
	timestampHeader = "X-Fieldguard-Timestamp"

	// maxConsecutiveFailures deactivates a receiver that keeps failing.
	maxConsecutiveFailures = 50
)

var (
	ErrSubscriptionNotFound = fmt.Errorf("%w: webhook not found", faults.ErrNotFound)
	ErrUnknownEvent         = fmt.Errorf("%w: unknown event type", faults.ErrValidation)
	ErrNoReceivers          = fmt.Errorf("%w: no active receivers", faults.ErrDependencyUnavailable)
)

// ParseEventType validates an event name from a request.
func ParseEventType(s string) (EventType, error) {
	switch e := EventType(s); e {
	case EventOtpRequested, EventCustodyFlagged, EventActorEscalated:
		return e, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownEvent, s)
}

// Event is the JSON body of a delivery.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Subscription is a receiver for a set of event types.
type Subscription struct {
	ID                  string      `json:"id"`
	URL                 string      `json:"url"`
	Secret              string      `json:"-"`
	Events              []EventType `json:"events"`
	Active              bool        `json:"active"`
	CreatedAt           time.Time   `json:"createdAt"`
	LastSuccess         *time.Time  `json:"lastSuccess,omitempty"`
	LastError           string      `json:"lastError,omitempty"`
	ConsecutiveFailures int         `json:"consecutiveFailures"`
}

func (s *Subscription) wants(e EventType) bool {
	for _, et := range s.Events {
		if et == e {
			return true
		}
	}
	return false
}

// Store persists subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	List(ctx context.Context) ([]*Subscription, error)
	ListByEvent(ctx context.Context, eventType EventType) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// Dispatcher delivers events to every active subscriber of their type.
type Dispatcher struct {
	store        Store
	client       *http.Client
	breaker      *circuitbreaker.Breaker
	policy       retry.Policy
	urlValidator func(string) error
	logger       *slog.Logger
	now          func() time.Time
	mu           sync.Mutex // serializes subscription status updates
}

// NewDispatcher creates a dispatcher that refuses private receiver addresses.
func NewDispatcher(store Store, logger *slog.Logger) *Dispatcher {
	d := &Dispatcher{
		store:        store,
		client:       &http.Client{Timeout: 10 * time.Second},
		breaker:      circuitbreaker.New(5, time.Minute),
		policy:       retry.DefaultPolicy,
		urlValidator: security.ValidateEndpointURL,
		logger:       logger,
		now:          time.Now,
	}
	d.breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		d.logger.Warn("webhook receiver circuit changed",
			"subscription", key, "from", from.String(), "to", to.String())
	})
	return d
}

// WithPrivateEndpoints allows loopback and private receivers, for development.
func (d *Dispatcher) WithPrivateEndpoints() *Dispatcher {
	d.urlValidator = security.ValidateEndpointURLAllowPrivate
	return d
}

// WithRetryPolicy replaces the per-delivery retry policy.
func (d *Dispatcher) WithRetryPolicy(p retry.Policy) *Dispatcher {
	d.policy = p
	return d
}

// WithHTTPClient replaces the HTTP client.
func (d *Dispatcher) WithHTTPClient(c *http.Client) *Dispatcher {
	d.client = c
	return d
}

// ValidateURL applies the receiver address policy.
func (d *Dispatcher) ValidateURL(u string) error {
	return d.urlValidator(u)
}

// Dispatch delivers event to its subscribers in parallel and waits. It
// returns ErrNoReceivers when nobody is subscribed, and the joined delivery
// errors otherwise.
func (d *Dispatcher) Dispatch(ctx context.Context, event *Event) error {
	subs, err := d.store.ListByEvent(ctx, event.Type)
	if err != nil {
		return fmt.Errorf("failed to get subscribers: %w", err)
	}

	var active []*Subscription
	for _, sub := range subs {
		if sub.Active && sub.wants(event.Type) {
			active = append(active, sub)
		}
	}
	if len(active) == 0 {
		return ErrNoReceivers
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	errs := make([]error, len(active))
	var wg sync.WaitGroup
	for i, sub := range active {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = d.deliver(ctx, sub, event, payload)
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (d *Dispatcher) deliver(ctx context.Context, sub *Subscription, event *Event, payload []byte) error {
	err := d.breaker.Do(ctx, sub.ID, func(ctx context.Context) error {
		return retry.Do(ctx, d.policy, func(ctx context.Context) error {
			return d.send(ctx, sub, event, payload)
		})
	})
	if err != nil {
		d.recordFailure(ctx, sub, err)
		return fmt.Errorf("webhook %s: %w", sub.ID, err)
	}
	d.recordSuccess(ctx, sub)
	return nil
}

func (d *Dispatcher) send(ctx context.Context, sub *Subscription, event *Event, payload []byte) error {
	// Resolved again on every attempt so a rebound DNS name is caught.
	if err := d.urlValidator(sub.URL); err != nil {
		return retry.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(eventHeader, string(event.Type))
	req.Header.Set(timestampHeader, strconv.FormatInt(event.Timestamp.Unix(), 10))
	if sub.Secret != "" {
		req.Header.Set(signatureHeader, Sign(payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return retry.Permanent(fmt.Errorf("receiver answered %d", resp.StatusCode))
	default:
		return fmt.Errorf("receiver answered %d", resp.StatusCode)
	}
}

func (d *Dispatcher) recordSuccess(ctx context.Context, sub *Subscription) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	sub.LastSuccess = &now
	sub.LastError = ""
	sub.ConsecutiveFailures = 0
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Warn("failed to update webhook status", "webhookId", sub.ID, "error", err)
	}
}

// recordFailure deactivates a receiver after maxConsecutiveFailures failed
// deliveries in a row.
func (d *Dispatcher) recordFailure(ctx context.Context, sub *Subscription, cause error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sub.LastError = cause.Error()
	sub.ConsecutiveFailures++
	if sub.ConsecutiveFailures >= maxConsecutiveFailures {
		sub.Active = false
		d.logger.Warn("webhook deactivated after repeated failures", "webhookId", sub.ID, "url", sub.URL)
	}
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Warn("failed to update webhook status", "webhookId", sub.ID, "error", err)
	}
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify reports whether signature matches payload under secret.
func Verify(payload []byte, secret, signature string) bool {
	return hmac.Equal([]byte(Sign(payload, secret)), []byte(signature))
}
