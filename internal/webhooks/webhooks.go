// Package webhooks delivers dispute lifecycle notifications to collaborator
// endpoints over HTTP.
//
// Collaborators (messaging, e-mail, the UI backend) register a URL and the
// notification types they want:
// - dispute.created, dispute.responded, dispute.escalated, dispute.resolved
// - proposal.created, proposal.rejected, proposal.validated
// - settlement.failed
//
// Every delivery is signed with HMAC-SHA256 over the body using the
// subscription secret.
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
	"net"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/bruno-dias18/rivvlock-sub001/internal/escrow"
	"github.com/bruno-dias18/rivvlock-sub001/internal/metrics"
)

// Delivery headers.
const (
	HeaderEvent     = "X-Escrow-Event"
	HeaderTimestamp = "X-Escrow-Timestamp"
	HeaderSignature = "X-Escrow-Signature"
)

const (
	// DefaultTimeout bounds one delivery.
	DefaultTimeout = 10 * time.Second
	// MaxConsecutiveFailures deactivates a subscription that keeps failing.
	MaxConsecutiveFailures = 10
)

// ErrSubscriptionNotFound is returned for an unknown subscription id.
var ErrSubscriptionNotFound = errors.New("webhooks: subscription not found")

// KnownEvents lists the notification types a subscription may ask for.
var KnownEvents = []escrow.NotificationType{
	escrow.NotifyDisputeCreated,
	escrow.NotifyDisputeResponded,
	escrow.NotifyDisputeEscalated,
	escrow.NotifyDisputeResolved,
	escrow.NotifyProposalCreated,
	escrow.NotifyProposalRejected,
	escrow.NotifyProposalValidated,
	escrow.NotifySettlementFailed,
}

// Known reports whether t is a notification type that can be subscribed to.
func Known(t escrow.NotificationType) bool {
	for _, k := range KnownEvents {
		if k == t {
			return true
		}
	}
	return false
}

// Event is the body of a delivery.
type Event struct {
	ID           string                  `json:"id"`
	Type         escrow.NotificationType `json:"type"`
	Timestamp    time.Time               `json:"timestamp"`
	Notification escrow.Notification     `json:"data"`
}

// Subscription is a registered collaborator endpoint.
type Subscription struct {
	ID                  string                    `json:"id"`
	OwnerID             string                    `json:"ownerId"`
	URL                 string                    `json:"url"`
	Secret              string                    `json:"-"` // Used for HMAC signing
	Events              []escrow.NotificationType `json:"events"`
	Active              bool                      `json:"active"`
	CreatedAt           time.Time                 `json:"createdAt"`
	LastSuccess         *time.Time                `json:"lastSuccess,omitempty"`
	LastError           string                    `json:"lastError,omitempty"`
	ConsecutiveFailures int                       `json:"consecutiveFailures"`
}

// Wants reports whether the subscription takes notifications of type t.
func (s *Subscription) Wants(t escrow.NotificationType) bool {
	for _, et := range s.Events {
		if et == t {
			return true
		}
	}
	return false
}

// Store persists webhook subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*Subscription, error)
	ListByEvent(ctx context.Context, eventType escrow.NotificationType) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// Dispatcher sends events to subscribed endpoints.
type Dispatcher struct {
	store        Store
	client       *http.Client
	logger       *slog.Logger
	urlValidator func(string) error
	wg           sync.WaitGroup
	now          func() time.Time
}

// NewDispatcher creates a dispatcher with the default delivery timeout.
func NewDispatcher(store Store, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:        store,
		client:       &http.Client{Timeout: DefaultTimeout},
		logger:       logger,
		urlValidator: ValidateURL,
		now:          time.Now,
	}
}

// WithTimeout overrides the per-delivery timeout.
func (d *Dispatcher) WithTimeout(timeout time.Duration) *Dispatcher {
	if timeout > 0 {
		d.client.Timeout = timeout
	}
	return d
}

// Dispatch sends event to every active subscription for its type. Deliveries
// run in the background; Wait blocks until they are done.
func (d *Dispatcher) Dispatch(ctx context.Context, event *Event) error {
	subs, err := d.store.ListByEvent(ctx, event.Type)
	if err != nil {
		return fmt.Errorf("failed to get subscribers: %w", err)
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	// Deliveries outlive the caller's request.
	bg := context.WithoutCancel(ctx)
	for _, sub := range subs {
		if !sub.Active {
			continue
		}
		d.wg.Add(1)
		go func(sub *Subscription) {
			defer d.wg.Done()
			d.send(bg, sub, event, payload)
		}(sub)
	}
	return nil
}

// Wait blocks until in-flight deliveries finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) send(ctx context.Context, sub *Subscription, event *Event, payload []byte) {
	if err := d.urlValidator(sub.URL); err != nil {
		d.recordFailure(ctx, sub, fmt.Sprintf("url rejected: %v", err))
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		d.recordFailure(ctx, sub, "failed to create request")
		return
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(event.Type))
	req.Header.Set(HeaderTimestamp, fmt.Sprintf("%d", event.Timestamp.Unix()))

	// Sign the payload if secret is set
	if sub.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		d.recordFailure(ctx, sub, fmt.Sprintf("request failed: %v", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		d.recordSuccess(ctx, sub)
	} else {
		d.recordFailure(ctx, sub, fmt.Sprintf("status %d", resp.StatusCode))
	}
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func (d *Dispatcher) recordSuccess(ctx context.Context, sub *Subscription) {
	metrics.WebhookDeliveriesTotal.WithLabelValues("success").Inc()
	now := d.now()
	cp := *sub
	cp.LastSuccess = &now
	cp.LastError = ""
	cp.ConsecutiveFailures = 0
	if err := d.store.Update(ctx, &cp); err != nil {
		d.logger.Warn("failed to record webhook success", "subscriptionId", sub.ID, "error", err)
	}
}

func (d *Dispatcher) recordFailure(ctx context.Context, sub *Subscription, errMsg string) {
	metrics.WebhookDeliveriesTotal.WithLabelValues("failure").Inc()
	cp := *sub
	cp.LastError = errMsg
	cp.ConsecutiveFailures++
	if cp.ConsecutiveFailures >= MaxConsecutiveFailures {
		cp.Active = false
		d.logger.Warn("webhook subscription deactivated after repeated failures",
			"subscriptionId", sub.ID, "url", sub.URL, "failures", cp.ConsecutiveFailures)
	}
	d.logger.Debug("webhook delivery failed", "subscriptionId", sub.ID, "error", errMsg)
	if err := d.store.Update(ctx, &cp); err != nil {
		d.logger.Warn("failed to record webhook failure", "subscriptionId", sub.ID, "error", err)
	}
}

// ValidateURL accepts only http(s) URLs whose host is not a loopback,
// private, or link-local address.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme %q not allowed", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return errors.New("missing host")
	}
	if host == "localhost" {
		return errors.New("loopback host not allowed")
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			return fmt.Errorf("address %s not allowed", ip)
		}
	}
	return nil
}

// MemoryStore is an in-memory implementation for development and tests.
type MemoryStore struct {
	subs map[string]*Subscription
	mu   sync.RWMutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs: make(map[string]*Subscription),
	}
}

func (m *MemoryStore) Create(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sub, ok := m.subs[id]; ok {
		cp := *sub
		return &cp, nil
	}
	return nil, ErrSubscriptionNotFound
}

func (m *MemoryStore) ListByOwner(_ context.Context, ownerID string) ([]*Subscription, error) {
	return m.filter(func(s *Subscription) bool { return s.OwnerID == ownerID }), nil
}

func (m *MemoryStore) ListByEvent(_ context.Context, eventType escrow.NotificationType) ([]*Subscription, error) {
	return m.filter(func(s *Subscription) bool { return s.Active && s.Wants(eventType) }), nil
}

func (m *MemoryStore) filter(keep func(*Subscription) bool) []*Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		if keep(sub) {
			cp := *sub
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result
}

func (m *MemoryStore) Update(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.subs[sub.ID]
	if !ok {
		return ErrSubscriptionNotFound
	}
	cur.Active = sub.Active
	cur.LastSuccess = sub.LastSuccess
	cur.LastError = sub.LastError
	cur.ConsecutiveFailures = sub.ConsecutiveFailures
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrSubscriptionNotFound
	}
	delete(m.subs, id)
	return nil
}
