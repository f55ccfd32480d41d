package stores

import (
	"context"
	"errors"
	"time"

	"github.com/iadigital/vtu-platform/pkg/stores/models"
)

// Sentinel errors shared by all store implementations.
var (
	// ErrInsufficientFunds is returned by Deduct when the wallet balance
	// cannot cover the requested amount. The balance is left untouched.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrNotFound is returned when a lookup key resolves to no record.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned by Insert when a record with the same
	// primary key already exists.
	ErrDuplicate = errors.New("duplicate record")
)

// QueryOptions represents options for list operations.
type QueryOptions struct {
	ScanIndexForward bool
	Limit            int64
	ConsistentRead   bool
}

// WalletStore is the wallet ledger: one balance per user.
//
// Both mutators must be implemented as a single conditional update against
// the backing store, never as a read followed by a write, so that two
// concurrent deductions against a thin balance cannot both succeed.
type WalletStore interface {
	// GetBalance reads the current balance, provisioning the wallet with
	// the store's default opening balance on first access.
	GetBalance(ctx context.Context, userID string) (float64, error)

	// Deduct atomically decreases the balance by amount, or returns
	// ErrInsufficientFunds without mutating anything.
	Deduct(ctx context.Context, userID string, amount float64) error

	// Add atomically increases the balance by amount. It is used both for
	// funding and for refunds and has no upper bound.
	Add(ctx context.Context, userID string, amount float64) error
}

// TransactionStore persists purchase transactions.
type TransactionStore interface {
	// Insert stores a new transaction. The transaction must be in
	// StatusProcessing; a primary-key collision returns ErrDuplicate.
	Insert(ctx context.Context, tx *models.Transaction) error

	// Finalize attempts the processing -> status transition, merging extra
	// into the transaction metadata. It returns true when this call won
	// the transition. When the transaction is already terminal the status
	// is left untouched, the metadata is still appended, and false is
	// returned. Refund decisions key off the returned bool.
	Finalize(ctx context.Context, userID, txID string, status models.TransactionStatus, extra map[string]interface{}) (bool, error)

	// AppendMetadata merges extra into the transaction metadata without
	// touching its status; allowed in any state.
	AppendMetadata(ctx context.Context, userID, txID string, extra map[string]interface{}) error

	// GetByReference resolves a transaction by its correlation reference.
	GetByReference(ctx context.Context, reference string) (*models.Transaction, error)

	// ListByUser returns the user's transactions, newest first.
	ListByUser(ctx context.Context, userID string, options *QueryOptions) ([]*models.Transaction, error)

	// ListByTimeRange returns the user's transactions created inside
	// [startTime, endTime], newest first.
	ListByTimeRange(ctx context.Context, userID string, startTime, endTime time.Time, options *QueryOptions) ([]*models.Transaction, error)
}

// SubscriptionStore reads webhook subscriptions for fan-out.
type SubscriptionStore interface {
	// ListActive returns the user's active subscriptions whose event set
	// contains the named event.
	ListActive(ctx context.Context, userID, event string) ([]*models.WebhookSubscription, error)
}

// Stores bundles the three store facets a deployment provides.
type Stores interface {
	Wallets() WalletStore
	Transactions() TransactionStore
	Subscriptions() SubscriptionStore
	Close() error
}

// Factory creates and configures a specific store implementation.
type Factory interface {
	// CreateStores creates a store bundle with the given configuration.
	CreateStores(config map[string]interface{}) (Stores, error)
}
