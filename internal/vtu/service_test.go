package vtu

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/iadigital/vtu-platform/internal/dispatch"
	"github.com/iadigital/vtu-platform/internal/provider"
	"github.com/iadigital/vtu-platform/internal/webhooks"
	"github.com/iadigital/vtu-platform/pkg/stores"
	"github.com/iadigital/vtu-platform/pkg/stores/memory"
	"github.com/iadigital/vtu-platform/pkg/stores/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const openingBalance = 15000.0

// failingTransactionStore wraps a real store and fails every insert.
type failingTransactionStore struct {
	stores.TransactionStore
}

func (f *failingTransactionStore) Insert(ctx context.Context, tx *models.Transaction) error {
	return errors.New("persistence unavailable")
}

// failingInsertStores swaps the transaction store facet for a failing one.
type failingInsertStores struct {
	stores.Stores
}

func (f *failingInsertStores) Transactions() stores.TransactionStore {
	return &failingTransactionStore{f.Stores.Transactions()}
}

func newTestService(t *testing.T, st stores.Stores, prov provider.Provider) (Service, *dispatch.Dispatcher) {
	t.Helper()
	dispatcher := dispatch.New(2, 32, nil)
	t.Cleanup(dispatcher.Close)
	notifier := webhooks.NewNotifier(st.Subscriptions(), dispatcher, nil, nil)
	return NewService(st, prov, notifier, dispatcher, nil, Options{}), dispatcher
}

func TestSubmitCompletesPurchase(t *testing.T) {
	st := memory.New(memory.Config{OpeningBalance: openingBalance})
	svc, _ := newTestService(t, st, &provider.Stub{})
	ctx := context.Background()

	tx, err := svc.Submit(ctx, "user-1", PurchaseRequest{
		Type:        models.Data,
		Amount:      500,
		PhoneNumber: "08031234567",
		Network:     "mtn",
		PlanName:    "1GB MONTHLY",
		PlanType:    "SME",
	})
	require.NoError(t, err)
	require.NotNil(t, tx)

	assert.Equal(t, models.StatusCompleted, tx.Status)
	assert.Equal(t, "MTN", tx.Network)
	assert.NotEmpty(t, tx.ID)
	assert.Regexp(t, `^DATA-\d+-[0-9a-f]{9}$`, tx.Reference)
	assert.Contains(t, tx.Metadata, "request_time")
	assert.Contains(t, tx.Metadata, "provider_response")
	assert.Contains(t, tx.Metadata, "completed_time")

	balance, err := svc.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, openingBalance-500, balance)

	stored, err := st.GetByReference(ctx, tx.Reference)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, stored.Status)
}

func TestSubmitInsufficientBalance(t *testing.T) {
	st := memory.New(memory.Config{OpeningBalance: 100})
	svc, _ := newTestService(t, st, &provider.Stub{})
	ctx := context.Background()

	// Provision the wallet so the shortfall, not a missing wallet, is
	// what rejects the purchase.
	_, err := svc.Balance(ctx, "user-1")
	require.NoError(t, err)

	tx, err := svc.Submit(ctx, "user-1", PurchaseRequest{Type: models.Airtime, Amount: 500})
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Nil(t, tx)

	// No deduction, no transaction.
	balance, err := svc.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 100.0, balance)

	history, err := svc.History(ctx, "user-1", 10)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestSubmitValidation(t *testing.T) {
	st := memory.New(memory.Config{OpeningBalance: openingBalance})
	svc, _ := newTestService(t, st, &provider.Stub{})
	ctx := context.Background()

	_, err := svc.Submit(ctx, "", PurchaseRequest{Type: models.Data, Amount: 100})
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = svc.Submit(ctx, "user-1", PurchaseRequest{Type: "lottery", Amount: 100})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = svc.Submit(ctx, "user-1", PurchaseRequest{Type: models.Data, Amount: 0})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = svc.Submit(ctx, "user-1", PurchaseRequest{Type: models.Data, Amount: -50})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestSubmitFulfillmentFailureRefunds(t *testing.T) {
	st := memory.New(memory.Config{OpeningBalance: openingBalance})
	svc, _ := newTestService(t, st, &provider.Stub{Fail: true})
	ctx := context.Background()

	tx, err := svc.Submit(ctx, "user-1", PurchaseRequest{Type: models.Data, Amount: 500})
	assert.ErrorIs(t, err, ErrFulfillmentFailed)
	require.NotNil(t, tx)
	assert.Equal(t, models.StatusFailed, tx.Status)

	// The deduction is reversed and the failed transaction stays on
	// record.
	balance, err := svc.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, openingBalance, balance)

	stored, err := st.GetByReference(ctx, tx.Reference)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stored.Status)
}

func TestSubmitProviderTimeoutCountsAsFailure(t *testing.T) {
	st := memory.New(memory.Config{OpeningBalance: openingBalance})
	dispatcher := dispatch.New(2, 32, nil)
	t.Cleanup(dispatcher.Close)
	notifier := webhooks.NewNotifier(st.Subscriptions(), dispatcher, nil, nil)
	svc := NewService(st, &provider.Stub{Delay: time.Second}, notifier, dispatcher, nil, Options{
		ProviderTimeout: 10 * time.Millisecond,
	})
	ctx := context.Background()

	tx, err := svc.Submit(ctx, "user-1", PurchaseRequest{Type: models.Data, Amount: 500})
	assert.ErrorIs(t, err, ErrFulfillmentFailed)
	require.NotNil(t, tx)
	assert.Equal(t, models.StatusFailed, tx.Status)

	balance, err := svc.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, openingBalance, balance)
}

func TestSubmitRecordingFailureRefunds(t *testing.T) {
	inner := memory.New(memory.Config{OpeningBalance: openingBalance})
	st := &failingInsertStores{Stores: inner}
	svc, _ := newTestService(t, st, &provider.Stub{})
	ctx := context.Background()

	tx, err := svc.Submit(ctx, "user-1", PurchaseRequest{Type: models.Data, Amount: 500})
	assert.ErrorIs(t, err, ErrRecordingFailed)
	assert.Nil(t, tx)

	balance, err := svc.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, openingBalance, balance)
}

func TestConcurrentSubmitsNeverOverdraw(t *testing.T) {
	st := memory.New(memory.Config{OpeningBalance: 1000})
	svc, _ := newTestService(t, st, &provider.Stub{})
	ctx := context.Background()

	_, err := svc.Balance(ctx, "user-1")
	require.NoError(t, err)

	const attempts = 30
	var wg sync.WaitGroup
	outcomes := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Submit(ctx, "user-1", PurchaseRequest{Type: models.Airtime, Amount: 100})
			outcomes <- err
		}()
	}
	wg.Wait()
	close(outcomes)

	succeeded := 0
	for err := range outcomes {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ErrInsufficientBalance)
		}
	}

	assert.Equal(t, 10, succeeded)
	balance, err := svc.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 0.0, balance)
}

func TestApplyUpdateUnknownReference(t *testing.T) {
	st := memory.New(memory.Config{OpeningBalance: openingBalance})
	svc, _ := newTestService(t, st, &provider.Stub{})

	tx, err := svc.ApplyUpdate(context.Background(), StatusUpdate{
		Reference: "DATA-404-deadbeef0",
		Status:    models.StatusCompleted,
	})
	assert.ErrorIs(t, err, ErrTransactionNotFound)
	assert.Nil(t, tx)
}

func TestApplyUpdateValidation(t *testing.T) {
	st := memory.New(memory.Config{OpeningBalance: openingBalance})
	svc, _ := newTestService(t, st, &provider.Stub{})
	ctx := context.Background()

	_, err := svc.ApplyUpdate(ctx, StatusUpdate{Status: models.StatusCompleted})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = svc.ApplyUpdate(ctx, StatusUpdate{Reference: "DATA-1-aaa", Status: "refunded"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestApplyUpdateFinalizesProcessingTransaction(t *testing.T) {
	st := memory.New(memory.Config{OpeningBalance: openingBalance})
	svc, _ := newTestService(t, st, &provider.Stub{})
	ctx := context.Background()

	tx := seedProcessingPurchase(t, ctx, svc, st, 500)

	updated, err := svc.ApplyUpdate(ctx, StatusUpdate{
		Reference: tx.Reference,
		Status:    models.StatusCompleted,
		Message:   "delivered",
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, updated.Status)
	assert.Contains(t, updated.Metadata, "webhook_update")

	// Completion keeps the deduction in place.
	balance, err := svc.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, openingBalance-500, balance)
}

func TestApplyUpdateFailureRefundsProcessingTransaction(t *testing.T) {
	st := memory.New(memory.Config{OpeningBalance: openingBalance})
	svc, _ := newTestService(t, st, &provider.Stub{})
	ctx := context.Background()

	tx := seedProcessingPurchase(t, ctx, svc, st, 500)

	updated, err := svc.ApplyUpdate(ctx, StatusUpdate{
		Reference: tx.Reference,
		Status:    models.StatusFailed,
		Message:   "provider could not deliver",
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, updated.Status)

	balance, err := svc.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, openingBalance, balance)
}

func TestApplyUpdateTerminalTransactionIsMetadataOnly(t *testing.T) {
	st := memory.New(memory.Config{OpeningBalance: openingBalance})
	svc, _ := newTestService(t, st, &provider.Stub{Fail: true})
	ctx := context.Background()

	// The synchronous path fails and refunds.
	tx, err := svc.Submit(ctx, "user-1", PurchaseRequest{Type: models.Data, Amount: 500})
	assert.ErrorIs(t, err, ErrFulfillmentFailed)
	require.NotNil(t, tx)

	// A late provider webhook reporting the same failure must not refund
	// a second time or touch the status.
	updated, err := svc.ApplyUpdate(ctx, StatusUpdate{
		Reference: tx.Reference,
		Status:    models.StatusFailed,
		Message:   "late duplicate report",
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, updated.Status)

	balance, err := svc.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, openingBalance, balance)

	stored, err := st.GetByReference(ctx, tx.Reference)
	require.NoError(t, err)
	assert.Contains(t, stored.Metadata, "webhook_update")
}

func TestApplyUpdateCompletedTransactionIsNeverReversed(t *testing.T) {
	st := memory.New(memory.Config{OpeningBalance: openingBalance})
	svc, _ := newTestService(t, st, &provider.Stub{})
	ctx := context.Background()

	tx, err := svc.Submit(ctx, "user-1", PurchaseRequest{Type: models.Data, Amount: 500})
	require.NoError(t, err)

	updated, err := svc.ApplyUpdate(ctx, StatusUpdate{
		Reference: tx.Reference,
		Status:    models.StatusFailed,
		Message:   "contradictory report",
	})
	require.NoError(t, err)

	// Status sticks and no refund is issued.
	assert.Equal(t, models.StatusCompleted, updated.Status)
	stored, err := st.GetByReference(ctx, tx.Reference)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, stored.Status)

	balance, err := svc.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, openingBalance-500, balance)
}

func TestApplyUpdateNonTerminalAppendsMetadata(t *testing.T) {
	st := memory.New(memory.Config{OpeningBalance: openingBalance})
	svc, _ := newTestService(t, st, &provider.Stub{})
	ctx := context.Background()

	tx := seedProcessingPurchase(t, ctx, svc, st, 500)

	updated, err := svc.ApplyUpdate(ctx, StatusUpdate{
		Reference: tx.Reference,
		Status:    models.StatusProcessing,
		Message:   "still in provider queue",
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, updated.Status)

	stored, err := st.GetByReference(ctx, tx.Reference)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, stored.Status)
	assert.Contains(t, stored.Metadata, "webhook_update")

	// No refund for a non-terminal update.
	balance, err := svc.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, openingBalance-500, balance)
}

func TestConcurrentFailureReportsRefundOnce(t *testing.T) {
	st := memory.New(memory.Config{OpeningBalance: openingBalance})
	svc, _ := newTestService(t, st, &provider.Stub{})
	ctx := context.Background()

	tx := seedProcessingPurchase(t, ctx, svc, st, 500)

	const reports = 16
	var wg sync.WaitGroup
	for i := 0; i < reports; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.ApplyUpdate(ctx, StatusUpdate{
				Reference: tx.Reference,
				Status:    models.StatusFailed,
				Message:   "provider failure",
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// Exactly one report wins the transition and refunds; the rest append
	// metadata only.
	balance, err := svc.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, openingBalance, balance)

	stored, err := st.GetByReference(ctx, tx.Reference)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stored.Status)
}

func TestHistoryReturnsNewestFirst(t *testing.T) {
	st := memory.New(memory.Config{OpeningBalance: openingBalance})
	svc, _ := newTestService(t, st, &provider.Stub{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.Submit(ctx, "user-1", PurchaseRequest{Type: models.Airtime, Amount: 100})
		require.NoError(t, err)
	}

	history, err := svc.History(ctx, "user-1", 2)
	require.NoError(t, err)
	assert.Len(t, history, 2)

	_, err = svc.History(ctx, "", 10)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

// seedProcessingPurchase deducts the wallet and records a transaction that
// is still awaiting a provider verdict, the state an asynchronous provider
// leaves a purchase in.
func seedProcessingPurchase(t *testing.T, ctx context.Context, svc Service, st *memory.Store, amount float64) *models.Transaction {
	t.Helper()

	_, err := svc.Balance(ctx, "user-1")
	require.NoError(t, err)
	require.NoError(t, st.Deduct(ctx, "user-1", amount))

	now := time.Now().UTC()
	tx := &models.Transaction{
		ID:        "tx-pending",
		UserID:    "user-1",
		Reference: NewReference(models.Data),
		Type:      models.Data,
		Status:    models.StatusProcessing,
		Amount:    amount,
		Metadata:  map[string]interface{}{"request_time": now.Format(time.RFC3339)},
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, st.Insert(ctx, tx))
	return tx
}
