// Package webhooks fans transaction events out to user-configured
// endpoints. Every delivery is independent and best-effort: a failure is
// logged, never retried, and never affects other subscribers or the
// transaction that triggered it.
package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/iadigital/vtu-platform/internal/dispatch"
	"github.com/iadigital/vtu-platform/pkg/stores"
	"github.com/iadigital/vtu-platform/pkg/stores/models"
	"go.uber.org/zap"
)

// SecretHeader carries the subscription's shared secret on deliveries.
const SecretHeader = "X-Webhook-Secret"

// Event names emitted by the purchase flow.
const (
	// EventTransactionCompleted fires when the synchronous purchase path
	// finalizes a transaction, whatever the outcome.
	EventTransactionCompleted = "transaction.completed"
	// EventTransactionUpdated fires when an inbound provider webhook
	// changes or annotates a transaction.
	EventTransactionUpdated = "transaction.updated"
)

// Envelope is the delivery body: the event name plus the transaction
// record carrying its final status.
type Envelope struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// Notifier loads matching subscriptions and delivers to each through the
// background dispatcher.
type Notifier struct {
	subs       stores.SubscriptionStore
	dispatcher *dispatch.Dispatcher
	client     *http.Client
	logger     *zap.Logger
}

// NewNotifier creates a Notifier. A nil client gets a default with a
// per-delivery timeout so one dead endpoint cannot pin a worker.
func NewNotifier(subs stores.SubscriptionStore, dispatcher *dispatch.Dispatcher, client *http.Client, logger *zap.Logger) *Notifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{
		subs:       subs,
		dispatcher: dispatcher,
		client:     client,
		logger:     logger,
	}
}

// Notify fans the event out to every active subscription of the user whose
// event set contains it. It returns as soon as the deliveries are queued;
// the caller never waits for, or learns about, delivery outcomes.
func (n *Notifier) Notify(ctx context.Context, userID, event string, tx *models.Transaction) {
	subscriptions, err := n.subs.ListActive(ctx, userID, event)
	if err != nil {
		n.logger.Error("failed to load webhook subscriptions",
			zap.String("userID", userID),
			zap.String("event", event),
			zap.Error(err))
		return
	}

	for _, sub := range subscriptions {
		sub := sub
		n.dispatcher.Submit(func(ctx context.Context) {
			if err := n.deliver(ctx, sub, event, tx); err != nil {
				n.logger.Warn("webhook delivery failed",
					zap.String("userID", userID),
					zap.String("url", sub.URL),
					zap.String("event", event),
					zap.Error(err))
			}
		})
	}
}

func (n *Notifier) deliver(ctx context.Context, sub *models.WebhookSubscription, event string, tx *models.Transaction) error {
	body, err := json.Marshal(Envelope{Event: event, Data: tx})
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SecretHeader, sub.Secret)

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("delivery failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("subscriber returned status %d", resp.StatusCode)
	}
	return nil
}
