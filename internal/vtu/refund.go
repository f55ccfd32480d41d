package vtu

import (
	"context"

	"github.com/iadigital/vtu-platform/pkg/stores"
	"go.uber.org/zap"
)

// RefundCoordinator reverses a wallet deduction after a failure. It must
// be invoked at most once per transaction; callers gate the call on the
// outcome of the transaction's status transition, never on how many
// failure reports arrived.
type RefundCoordinator struct {
	wallets stores.WalletStore
	logger  *zap.Logger
}

// NewRefundCoordinator creates a RefundCoordinator.
func NewRefundCoordinator(wallets stores.WalletStore, logger *zap.Logger) *RefundCoordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RefundCoordinator{wallets: wallets, logger: logger}
}

// Refund credits amount back to the user's wallet. A refund failure leaves
// a committed deduction unreversed, so it is logged at error level with
// the reference for manual reconciliation; it is never retried here
// because a blind retry could double-apply.
func (r *RefundCoordinator) Refund(ctx context.Context, userID string, amount float64, reference string) error {
	if err := r.wallets.Add(ctx, userID, amount); err != nil {
		r.logger.Error("refund failed, wallet deduction not reversed",
			zap.String("userID", userID),
			zap.String("reference", reference),
			zap.Float64("amount", amount),
			zap.Error(err))
		return err
	}

	r.logger.Info("wallet refunded",
		zap.String("userID", userID),
		zap.String("reference", reference),
		zap.Float64("amount", amount))
	return nil
}
