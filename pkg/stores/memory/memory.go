// Package memory provides an in-memory store bundle with the same
// conditional-update semantics as the DynamoDB implementation. It backs
// unit tests and local development; nothing is persisted.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/iadigital/vtu-platform/pkg/stores"
	"github.com/iadigital/vtu-platform/pkg/stores/models"
)

// Config holds the configuration for the in-memory store bundle.
type Config struct {
	OpeningBalance float64
}

// Factory creates in-memory store bundles.
type Factory struct{}

// NewFactory creates a new in-memory store factory.
func NewFactory() *Factory {
	return &Factory{}
}

// CreateStores implements the stores.Factory interface.
func (f *Factory) CreateStores(config map[string]interface{}) (stores.Stores, error) {
	cfg := Config{}
	if balance, ok := config["openingBalance"].(float64); ok {
		cfg.OpeningBalance = balance
	}
	return New(cfg), nil
}

// Store is the in-memory implementation of the store bundle.
type Store struct {
	mu           sync.Mutex
	cfg          Config
	balances     map[string]float64
	transactions map[string]*models.Transaction // keyed by transaction ID
	byReference  map[string]string              // reference -> transaction ID
	subs         map[string][]*models.WebhookSubscription
}

// New creates an empty in-memory store bundle.
func New(cfg Config) *Store {
	return &Store{
		cfg:          cfg,
		balances:     make(map[string]float64),
		transactions: make(map[string]*models.Transaction),
		byReference:  make(map[string]string),
		subs:         make(map[string][]*models.WebhookSubscription),
	}
}

// Wallets implements the stores.Stores interface.
func (s *Store) Wallets() stores.WalletStore { return s }

// Transactions implements the stores.Stores interface.
func (s *Store) Transactions() stores.TransactionStore { return s }

// Subscriptions implements the stores.Stores interface.
func (s *Store) Subscriptions() stores.SubscriptionStore { return s }

// Close implements the stores.Stores interface.
func (s *Store) Close() error { return nil }

// GetBalance implements the stores.WalletStore interface.
func (s *Store) GetBalance(ctx context.Context, userID string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	balance, ok := s.balances[userID]
	if !ok {
		balance = s.cfg.OpeningBalance
		s.balances[userID] = balance
	}
	return balance, nil
}

// Deduct implements the stores.WalletStore interface. The solvency check
// and the decrement happen under one lock, mirroring the single
// conditional update the DynamoDB store issues.
func (s *Store) Deduct(ctx context.Context, userID string, amount float64) error {
	if amount <= 0 {
		return fmt.Errorf("invalid deduction amount: %f", amount)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.balances[userID] < amount {
		return stores.ErrInsufficientFunds
	}
	s.balances[userID] -= amount
	return nil
}

// Add implements the stores.WalletStore interface.
func (s *Store) Add(ctx context.Context, userID string, amount float64) error {
	if amount <= 0 {
		return fmt.Errorf("invalid credit amount: %f", amount)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.balances[userID] += amount
	return nil
}

// Insert implements the stores.TransactionStore interface.
func (s *Store) Insert(ctx context.Context, tx *models.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.transactions[tx.ID]; exists {
		return stores.ErrDuplicate
	}
	if _, exists := s.byReference[tx.Reference]; exists {
		return stores.ErrDuplicate
	}

	s.transactions[tx.ID] = cloneTransaction(tx)
	s.byReference[tx.Reference] = tx.ID
	return nil
}

// Finalize implements the stores.TransactionStore interface.
func (s *Store) Finalize(ctx context.Context, userID, txID string, status models.TransactionStatus, extra map[string]interface{}) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("finalize requires a terminal status, got %q", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.transactions[txID]
	if !ok || tx.UserID != userID {
		return false, stores.ErrNotFound
	}

	if tx.Metadata == nil {
		tx.Metadata = make(map[string]interface{})
	}
	for k, v := range extra {
		tx.Metadata[k] = v
	}
	tx.UpdatedAt = time.Now().UTC()

	if tx.Status != models.StatusProcessing {
		// Already terminal: metadata appended, status untouched.
		return false, nil
	}
	tx.Status = status
	return true, nil
}

// AppendMetadata implements the stores.TransactionStore interface.
func (s *Store) AppendMetadata(ctx context.Context, userID, txID string, extra map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.transactions[txID]
	if !ok || tx.UserID != userID {
		return stores.ErrNotFound
	}
	if tx.Metadata == nil {
		tx.Metadata = make(map[string]interface{})
	}
	for k, v := range extra {
		tx.Metadata[k] = v
	}
	tx.UpdatedAt = time.Now().UTC()
	return nil
}

// GetByReference implements the stores.TransactionStore interface.
func (s *Store) GetByReference(ctx context.Context, reference string) (*models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byReference[reference]
	if !ok {
		return nil, stores.ErrNotFound
	}
	return cloneTransaction(s.transactions[id]), nil
}

// ListByUser implements the stores.TransactionStore interface.
func (s *Store) ListByUser(ctx context.Context, userID string, options *stores.QueryOptions) ([]*models.Transaction, error) {
	return s.ListByTimeRange(ctx, userID, time.Time{}, time.Now().Add(24*time.Hour), options)
}

// ListByTimeRange implements the stores.TransactionStore interface.
func (s *Store) ListByTimeRange(ctx context.Context, userID string, startTime, endTime time.Time, options *stores.QueryOptions) ([]*models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Transaction
	for _, tx := range s.transactions {
		if tx.UserID != userID {
			continue
		}
		if tx.CreatedAt.Before(startTime) || tx.CreatedAt.After(endTime) {
			continue
		}
		out = append(out, cloneTransaction(tx))
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if options != nil && options.Limit > 0 && int64(len(out)) > options.Limit {
		out = out[:options.Limit]
	}
	return out, nil
}

// ListActive implements the stores.SubscriptionStore interface.
func (s *Store) ListActive(ctx context.Context, userID, event string) ([]*models.WebhookSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.WebhookSubscription
	for _, sub := range s.subs[userID] {
		if sub.Wants(event) {
			copied := *sub
			out = append(out, &copied)
		}
	}
	return out, nil
}

// AddSubscription registers a webhook subscription. The purchase flow only
// reads subscriptions; this is for fixtures and local setup.
func (s *Store) AddSubscription(sub *models.WebhookSubscription) {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *sub
	s.subs[sub.UserID] = append(s.subs[sub.UserID], &copied)
}

func cloneTransaction(tx *models.Transaction) *models.Transaction {
	copied := *tx
	if tx.Metadata != nil {
		copied.Metadata = make(map[string]interface{}, len(tx.Metadata))
		for k, v := range tx.Metadata {
			copied.Metadata[k] = v
		}
	}
	return &copied
}
