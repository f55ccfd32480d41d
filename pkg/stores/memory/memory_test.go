package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/iadigital/vtu-platform/pkg/stores"
	"github.com/iadigital/vtu-platform/pkg/stores/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTransaction(userID, id, reference string) *models.Transaction {
	now := time.Now().UTC()
	return &models.Transaction{
		ID:        id,
		UserID:    userID,
		Reference: reference,
		Type:      models.Data,
		Status:    models.StatusProcessing,
		Amount:    500,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestGetBalanceProvisionsOpeningBalance(t *testing.T) {
	store := New(Config{OpeningBalance: 15000})
	ctx := context.Background()

	balance, err := store.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 15000.0, balance)

	// A second read must not re-apply the opening balance.
	require.NoError(t, store.Deduct(ctx, "user-1", 1000))
	balance, err = store.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 14000.0, balance)
}

func TestDeductInsufficientFunds(t *testing.T) {
	store := New(Config{OpeningBalance: 100})
	ctx := context.Background()

	_, err := store.GetBalance(ctx, "user-1")
	require.NoError(t, err)

	err = store.Deduct(ctx, "user-1", 100.01)
	assert.ErrorIs(t, err, stores.ErrInsufficientFunds)

	balance, err := store.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 100.0, balance)
}

func TestDeductRejectsNonPositiveAmount(t *testing.T) {
	store := New(Config{})
	ctx := context.Background()

	assert.Error(t, store.Deduct(ctx, "user-1", 0))
	assert.Error(t, store.Deduct(ctx, "user-1", -10))
	assert.Error(t, store.Add(ctx, "user-1", 0))
}

func TestConcurrentDeductsNeverOverdraw(t *testing.T) {
	store := New(Config{OpeningBalance: 1000})
	ctx := context.Background()

	_, err := store.GetBalance(ctx, "user-1")
	require.NoError(t, err)

	const attempts = 50
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- store.Deduct(ctx, "user-1", 100)
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, stores.ErrInsufficientFunds)
		}
	}

	assert.Equal(t, 10, succeeded)
	balance, err := store.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 0.0, balance)
}

func TestInsertRejectsDuplicates(t *testing.T) {
	store := New(Config{})
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, newTransaction("user-1", "tx-1", "DATA-1-aaa")))

	// Same ID.
	err := store.Insert(ctx, newTransaction("user-1", "tx-1", "DATA-2-bbb"))
	assert.ErrorIs(t, err, stores.ErrDuplicate)

	// Same reference under a fresh ID.
	err = store.Insert(ctx, newTransaction("user-1", "tx-2", "DATA-1-aaa"))
	assert.ErrorIs(t, err, stores.ErrDuplicate)
}

func TestFinalizeTransitionsExactlyOnce(t *testing.T) {
	store := New(Config{})
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, newTransaction("user-1", "tx-1", "DATA-1-aaa")))

	transitioned, err := store.Finalize(ctx, "user-1", "tx-1", models.StatusCompleted, map[string]interface{}{
		"completed_time": "2026-01-01T00:00:00Z",
	})
	require.NoError(t, err)
	assert.True(t, transitioned)

	// The losing caller gets metadata appended but no status change.
	transitioned, err = store.Finalize(ctx, "user-1", "tx-1", models.StatusFailed, map[string]interface{}{
		"late_update": true,
	})
	require.NoError(t, err)
	assert.False(t, transitioned)

	tx, err := store.GetByReference(ctx, "DATA-1-aaa")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, tx.Status)
	assert.Equal(t, "2026-01-01T00:00:00Z", tx.Metadata["completed_time"])
	assert.Equal(t, true, tx.Metadata["late_update"])
}

func TestFinalizeRequiresTerminalStatus(t *testing.T) {
	store := New(Config{})
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, newTransaction("user-1", "tx-1", "DATA-1-aaa")))

	_, err := store.Finalize(ctx, "user-1", "tx-1", models.StatusProcessing, nil)
	assert.Error(t, err)
}

func TestFinalizeUnknownTransaction(t *testing.T) {
	store := New(Config{})
	ctx := context.Background()

	_, err := store.Finalize(ctx, "user-1", "missing", models.StatusCompleted, nil)
	assert.ErrorIs(t, err, stores.ErrNotFound)

	// A transaction owned by another user is not visible.
	require.NoError(t, store.Insert(ctx, newTransaction("user-2", "tx-1", "DATA-1-aaa")))
	_, err = store.Finalize(ctx, "user-1", "tx-1", models.StatusCompleted, nil)
	assert.ErrorIs(t, err, stores.ErrNotFound)
}

func TestAppendMetadata(t *testing.T) {
	store := New(Config{})
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, newTransaction("user-1", "tx-1", "DATA-1-aaa")))

	err := store.AppendMetadata(ctx, "user-1", "tx-1", map[string]interface{}{
		"webhook_update": "seen",
	})
	require.NoError(t, err)

	tx, err := store.GetByReference(ctx, "DATA-1-aaa")
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, tx.Status)
	assert.Equal(t, "seen", tx.Metadata["webhook_update"])

	err = store.AppendMetadata(ctx, "user-1", "missing", nil)
	assert.ErrorIs(t, err, stores.ErrNotFound)
}

func TestGetByReferenceUnknown(t *testing.T) {
	store := New(Config{})

	_, err := store.GetByReference(context.Background(), "DATA-404-zzz")
	assert.ErrorIs(t, err, stores.ErrNotFound)
}

func TestListByUserNewestFirstWithLimit(t *testing.T) {
	store := New(Config{})
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		tx := newTransaction("user-1", fmt.Sprintf("tx-%d", i), fmt.Sprintf("DATA-%d-ref", i))
		tx.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, store.Insert(ctx, tx))
	}
	require.NoError(t, store.Insert(ctx, newTransaction("user-2", "other", "DATA-9-other")))

	list, err := store.ListByUser(ctx, "user-1", &stores.QueryOptions{Limit: 3})
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "tx-4", list[0].ID)
	assert.Equal(t, "tx-3", list[1].ID)
	assert.Equal(t, "tx-2", list[2].ID)
}

func TestListActiveFiltersByEventAndActivity(t *testing.T) {
	store := New(Config{})
	ctx := context.Background()

	store.AddSubscription(&models.WebhookSubscription{
		ID: "sub-1", UserID: "user-1", URL: "https://a.example.com",
		Events: []string{"transaction.completed"}, IsActive: true,
	})
	store.AddSubscription(&models.WebhookSubscription{
		ID: "sub-2", UserID: "user-1", URL: "https://b.example.com",
		Events: []string{"transaction.updated"}, IsActive: true,
	})
	store.AddSubscription(&models.WebhookSubscription{
		ID: "sub-3", UserID: "user-1", URL: "https://c.example.com",
		Events: []string{"transaction.completed"}, IsActive: false,
	})

	subs, err := store.ListActive(ctx, "user-1", "transaction.completed")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "sub-1", subs[0].ID)

	subs, err = store.ListActive(ctx, "user-2", "transaction.completed")
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestClonedResultsDoNotAliasStore(t *testing.T) {
	store := New(Config{})
	ctx := context.Background()

	tx := newTransaction("user-1", "tx-1", "DATA-1-aaa")
	tx.Metadata = map[string]interface{}{"request_time": "t0"}
	require.NoError(t, store.Insert(ctx, tx))

	got, err := store.GetByReference(ctx, "DATA-1-aaa")
	require.NoError(t, err)
	got.Metadata["tampered"] = true
	got.Status = models.StatusFailed

	fresh, err := store.GetByReference(ctx, "DATA-1-aaa")
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, fresh.Status)
	assert.NotContains(t, fresh.Metadata, "tampered")
}
