// Package vtu implements the wallet-backed purchase flow: authoritative
// balance deduction, transaction recording, fulfillment, refund-on-failure
// and webhook fan-out.
package vtu

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/iadigital/vtu-platform/internal/audit"
	"github.com/iadigital/vtu-platform/internal/dispatch"
	"github.com/iadigital/vtu-platform/internal/metrics"
	"github.com/iadigital/vtu-platform/internal/provider"
	"github.com/iadigital/vtu-platform/internal/webhooks"
	"github.com/iadigital/vtu-platform/pkg/stores"
	"github.com/iadigital/vtu-platform/pkg/stores/models"
	"go.uber.org/zap"
)

// DefaultProviderTimeout bounds the fulfillment call; a timeout counts as
// fulfillment failure and triggers the refund path.
const DefaultProviderTimeout = 30 * time.Second

// PurchaseRequest describes one purchase. Which descriptor fields are set
// depends on the product type.
type PurchaseRequest struct {
	Type        models.TransactionType
	Amount      float64
	PhoneNumber string
	Network     string
	PlanName    string
	PlanType    string

	// Details carries product-specific extras (smartcard number, exam
	// body, bank details); folded into the transaction metadata.
	Details map[string]interface{}
}

// StatusUpdate is an inbound provider webhook event keyed by reference.
type StatusUpdate struct {
	Reference string
	Status    models.TransactionStatus
	Message   string

	// Raw is the full inbound payload, preserved in metadata.
	Raw map[string]interface{}
}

// Service is the purchase flow entry point used by both edge functions.
type Service interface {
	// Submit runs the full purchase sequence: deduct, record, fulfill,
	// finalize, refund on failure, notify. It returns the transaction in
	// its final state; on fulfillment failure both the failed transaction
	// and ErrFulfillmentFailed are returned.
	Submit(ctx context.Context, userID string, req PurchaseRequest) (*models.Transaction, error)

	// ApplyUpdate applies an inbound provider status report to the
	// transaction identified by its reference.
	ApplyUpdate(ctx context.Context, upd StatusUpdate) (*models.Transaction, error)

	// Balance reads the authoritative wallet balance, provisioning the
	// wallet on first access.
	Balance(ctx context.Context, userID string) (float64, error)

	// History lists the user's transactions, newest first.
	History(ctx context.Context, userID string, limit int64) ([]*models.Transaction, error)
}

// Options configures optional collaborators of the service.
type Options struct {
	// ProviderTimeout overrides DefaultProviderTimeout when positive.
	ProviderTimeout time.Duration
	// Audit, when set, receives every wallet mutation (best-effort).
	Audit audit.Trail
	// Metrics, when set, receives per-transaction measurements
	// (best-effort).
	Metrics *metrics.Recorder
}

type service struct {
	wallets         stores.WalletStore
	transactions    stores.TransactionStore
	refunds         *RefundCoordinator
	provider        provider.Provider
	notifier        *webhooks.Notifier
	dispatcher      *dispatch.Dispatcher
	trail           audit.Trail
	metrics         *metrics.Recorder
	providerTimeout time.Duration
	logger          *zap.Logger
}

// NewService creates the purchase service.
func NewService(st stores.Stores, prov provider.Provider, notifier *webhooks.Notifier, dispatcher *dispatch.Dispatcher, logger *zap.Logger, opts Options) Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := opts.ProviderTimeout
	if timeout <= 0 {
		timeout = DefaultProviderTimeout
	}
	return &service{
		wallets:         st.Wallets(),
		transactions:    st.Transactions(),
		refunds:         NewRefundCoordinator(st.Wallets(), logger),
		provider:        prov,
		notifier:        notifier,
		dispatcher:      dispatcher,
		trail:           opts.Audit,
		metrics:         opts.Metrics,
		providerTimeout: timeout,
		logger:          logger,
	}
}

// Submit implements the Service interface.
func (s *service) Submit(ctx context.Context, userID string, req PurchaseRequest) (*models.Transaction, error) {
	if userID == "" {
		return nil, ErrUnauthorized
	}
	if !req.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown transaction type %q", ErrInvalidRequest, req.Type)
	}
	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}

	started := time.Now()
	now := started.UTC()
	tx := &models.Transaction{
		ID:          uuid.New().String(),
		UserID:      userID,
		Reference:   NewReference(req.Type),
		Type:        req.Type,
		Status:      models.StatusProcessing,
		Amount:      req.Amount,
		PhoneNumber: req.PhoneNumber,
		Network:     strings.ToUpper(req.Network),
		PlanName:    req.PlanName,
		PlanType:    req.PlanType,
		Metadata: map[string]interface{}{
			"request_time": now.Format(time.RFC3339),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	for k, v := range req.Details {
		tx.Metadata[k] = v
	}

	s.logger.Info("processing purchase",
		zap.String("userID", userID),
		zap.String("reference", tx.Reference),
		zap.String("type", string(tx.Type)),
		zap.Float64("amount", tx.Amount))

	// Authoritative deduction: a single conditional update on the wallet.
	if err := s.wallets.Deduct(ctx, userID, req.Amount); err != nil {
		if errors.Is(err, stores.ErrInsufficientFunds) {
			return nil, ErrInsufficientBalance
		}
		return nil, fmt.Errorf("wallet deduction failed: %w", err)
	}
	s.recordAudit(userID, tx.Reference, audit.OpDeduct, req.Amount)

	if err := s.transactions.Insert(ctx, tx); err != nil {
		s.logger.Error("transaction insert failed, refunding deduction",
			zap.String("reference", tx.Reference),
			zap.Error(err))
		if rerr := s.refunds.Refund(ctx, userID, req.Amount, tx.Reference); rerr == nil {
			s.recordAudit(userID, tx.Reference, audit.OpRefund, req.Amount)
		}
		return nil, ErrRecordingFailed
	}

	result := s.fulfill(ctx, tx)

	finalStatus := models.StatusCompleted
	if !result.Success {
		finalStatus = models.StatusFailed
	}
	extra := map[string]interface{}{
		"provider_response": result,
		"completed_time":    time.Now().UTC().Format(time.RFC3339),
	}

	transitioned, err := s.transactions.Finalize(ctx, userID, tx.ID, finalStatus, extra)
	if err != nil {
		// The transaction stays in processing; a later provider webhook
		// can still finalize it, so no refund decision is made here.
		s.logger.Error("failed to finalize transaction",
			zap.String("reference", tx.Reference),
			zap.Error(err))
		return tx, nil
	}

	tx.Status = finalStatus
	for k, v := range extra {
		tx.Metadata[k] = v
	}
	tx.UpdatedAt = time.Now().UTC()

	if finalStatus == models.StatusFailed && transitioned {
		if rerr := s.refunds.Refund(ctx, userID, req.Amount, tx.Reference); rerr == nil {
			s.recordAudit(userID, tx.Reference, audit.OpRefund, req.Amount)
		}
	}

	s.notifier.Notify(ctx, userID, webhooks.EventTransactionCompleted, tx)
	s.recordMetrics(tx, time.Since(started))

	s.logger.Info("purchase finished",
		zap.String("reference", tx.Reference),
		zap.String("status", string(tx.Status)))

	if finalStatus == models.StatusFailed {
		return tx, ErrFulfillmentFailed
	}
	return tx, nil
}

// fulfill invokes the provider under the configured timeout and converts
// transport errors and timeouts into failure verdicts.
func (s *service) fulfill(ctx context.Context, tx *models.Transaction) *provider.Result {
	pctx, cancel := context.WithTimeout(ctx, s.providerTimeout)
	defer cancel()

	result, err := s.provider.Fulfill(pctx, tx)
	if err != nil {
		s.logger.Warn("provider call failed",
			zap.String("reference", tx.Reference),
			zap.Error(err))
		return &provider.Result{
			Success:   false,
			Reference: tx.Reference,
			Message:   fmt.Sprintf("provider error: %v", err),
		}
	}
	return result
}

// ApplyUpdate implements the Service interface.
func (s *service) ApplyUpdate(ctx context.Context, upd StatusUpdate) (*models.Transaction, error) {
	if upd.Reference == "" {
		return nil, fmt.Errorf("%w: missing reference", ErrInvalidRequest)
	}
	if upd.Status != models.StatusProcessing && !upd.Status.Terminal() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, upd.Status)
	}

	tx, err := s.transactions.GetByReference(ctx, upd.Reference)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("transaction lookup failed: %w", err)
	}

	extra := map[string]interface{}{
		"webhook_update": map[string]interface{}{
			"status":      string(upd.Status),
			"message":     upd.Message,
			"timestamp":   time.Now().UTC().Format(time.RFC3339),
			"raw_payload": upd.Raw,
		},
	}

	if upd.Status.Terminal() {
		transitioned, err := s.transactions.Finalize(ctx, tx.UserID, tx.ID, upd.Status, extra)
		if err != nil {
			return nil, fmt.Errorf("failed to apply status update: %w", err)
		}
		if transitioned {
			tx.Status = upd.Status
			// Refund only when this update won the processing -> failed
			// transition. A transaction that already failed (and was
			// refunded) on the synchronous path, or that completed, is
			// never reversed again.
			if upd.Status == models.StatusFailed {
				if rerr := s.refunds.Refund(ctx, tx.UserID, tx.Amount, tx.Reference); rerr == nil {
					s.recordAudit(tx.UserID, tx.Reference, audit.OpRefund, tx.Amount)
				}
			}
		}
	} else {
		if err := s.transactions.AppendMetadata(ctx, tx.UserID, tx.ID, extra); err != nil {
			return nil, fmt.Errorf("failed to record status update: %w", err)
		}
	}

	if tx.Metadata == nil {
		tx.Metadata = make(map[string]interface{})
	}
	for k, v := range extra {
		tx.Metadata[k] = v
	}
	tx.UpdatedAt = time.Now().UTC()

	s.notifier.Notify(ctx, tx.UserID, webhooks.EventTransactionUpdated, tx)

	s.logger.Info("transaction updated from webhook",
		zap.String("reference", tx.Reference),
		zap.String("status", string(tx.Status)))
	return tx, nil
}

// Balance implements the Service interface.
func (s *service) Balance(ctx context.Context, userID string) (float64, error) {
	if userID == "" {
		return 0, ErrUnauthorized
	}
	return s.wallets.GetBalance(ctx, userID)
}

// History implements the Service interface.
func (s *service) History(ctx context.Context, userID string, limit int64) ([]*models.Transaction, error) {
	if userID == "" {
		return nil, ErrUnauthorized
	}
	return s.transactions.ListByUser(ctx, userID, &stores.QueryOptions{Limit: limit})
}

func (s *service) recordAudit(userID, reference, op string, amount float64) {
	if s.trail == nil || s.dispatcher == nil {
		return
	}
	entry := audit.Entry{
		UserID:    userID,
		Reference: reference,
		Operation: op,
		Amount:    amount,
		Timestamp: time.Now().UTC(),
	}
	s.dispatcher.Submit(func(ctx context.Context) {
		if err := s.trail.Record(ctx, entry); err != nil {
			s.logger.Warn("audit record failed",
				zap.String("reference", reference),
				zap.Error(err))
		}
	})
}

func (s *service) recordMetrics(tx *models.Transaction, duration time.Duration) {
	if s.metrics == nil || s.dispatcher == nil {
		return
	}
	snapshot := *tx
	s.dispatcher.Submit(func(ctx context.Context) {
		if err := s.metrics.RecordTransaction(ctx, &snapshot, duration); err != nil {
			s.logger.Warn("metrics record failed",
				zap.String("reference", tx.Reference),
				zap.Error(err))
		}
	})
}
