// Package audit keeps an append-only trail of wallet mutations in immudb.
// Every committed deduction, refund and funding lands here so balance
// disputes can be reconciled against a tamper-evident log. Recording is
// best-effort and rides the background dispatcher; a write failure never
// affects the purchase that caused it.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/codenotary/immudb/pkg/client"
	"github.com/google/uuid"
)

// Wallet operations recorded in the trail.
const (
	OpDeduct = "deduct"
	OpRefund = "refund"
	OpFund   = "fund"
)

// Entry is one wallet mutation.
type Entry struct {
	UserID    string
	Reference string
	Operation string
	Amount    float64
	Timestamp time.Time
}

// Trail records wallet mutations.
type Trail interface {
	Record(ctx context.Context, entry Entry) error
	Close() error
}

// Config holds the immudb connection settings for the trail.
type Config struct {
	Address   string
	Port      int
	Username  string
	Password  string
	Database  string
	TableName string
}

// ImmuTrail is the immudb-backed Trail.
type ImmuTrail struct {
	client    client.ImmuClient
	options   *client.Options
	tableName string
	connected bool
}

// NewImmuTrail creates a trail from the given configuration. The
// connection is established lazily on first use.
func NewImmuTrail(cfg Config) *ImmuTrail {
	if cfg.Address == "" {
		cfg.Address = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 3322
	}
	if cfg.Username == "" {
		cfg.Username = "immudb"
	}
	if cfg.Password == "" {
		cfg.Password = "immudb"
	}
	if cfg.Database == "" {
		cfg.Database = "defaultdb"
	}
	if cfg.TableName == "" {
		cfg.TableName = "wallet_audit"
	}

	options := client.DefaultOptions().
		WithAddress(cfg.Address).
		WithPort(cfg.Port).
		WithUsername(cfg.Username).
		WithPassword(cfg.Password).
		WithDatabase(cfg.Database)

	return &ImmuTrail{
		options:   options,
		tableName: cfg.TableName,
	}
}

// Initialize opens the session and ensures the audit table exists.
func (t *ImmuTrail) Initialize(ctx context.Context) error {
	if t.connected {
		return nil
	}

	c := client.NewClient()
	err := c.OpenSession(ctx, []byte(t.options.Username), []byte(t.options.Password), t.options.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to immudb: %w", err)
	}

	t.client = c
	t.connected = true

	sqlStmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s ("+
		"id VARCHAR[36] NOT NULL, "+
		"user_id VARCHAR[64] NOT NULL, "+
		"reference VARCHAR[64], "+
		"operation VARCHAR[16] NOT NULL, "+
		"amount FLOAT NOT NULL, "+
		"ts INTEGER NOT NULL, "+
		"PRIMARY KEY id"+
		")", t.tableName)

	_, err = c.SQLExec(ctx, sqlStmt, nil)
	if err != nil {
		c.CloseSession(ctx)
		t.connected = false
		return fmt.Errorf("failed to create audit table: %w", err)
	}

	indexStmt := fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_user ON %s(user_id)", t.tableName, t.tableName)
	if _, err = c.SQLExec(ctx, indexStmt, nil); err != nil {
		// Index creation is not critical for an append-only trail
		fmt.Printf("Warning: failed to create index: %v\n", err)
	}

	return nil
}

// Record implements the Trail interface.
func (t *ImmuTrail) Record(ctx context.Context, entry Entry) error {
	if !t.connected {
		if err := t.Initialize(ctx); err != nil {
			return err
		}
	}

	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (id, user_id, reference, operation, amount, ts) VALUES (?, ?, ?, ?, ?, ?)",
		t.tableName,
	)

	params := map[string]interface{}{
		"id":        uuid.New().String(),
		"user_id":   entry.UserID,
		"reference": entry.Reference,
		"operation": entry.Operation,
		"amount":    entry.Amount,
		"ts":        ts.Unix(),
	}

	if _, err := t.client.SQLExec(ctx, query, params); err != nil {
		return fmt.Errorf("failed to record audit entry: %w", err)
	}
	return nil
}

// Close implements the Trail interface.
func (t *ImmuTrail) Close() error {
	if t.connected && t.client != nil {
		ctx := context.Background()
		err := t.client.CloseSession(ctx)
		if err == nil {
			t.connected = false
		}
		return err
	}
	return nil
}
