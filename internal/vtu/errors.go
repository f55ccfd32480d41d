package vtu

import "errors"

// Error taxonomy surfaced to the edge functions. Each maps to a structured
// 400 response; none is fatal to the process.
var (
	// ErrUnauthorized means no caller identity could be resolved. The
	// request is rejected before any mutation.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInsufficientBalance means the wallet could not cover the amount.
	// No transaction is created and no refund is needed.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrRecordingFailed means the transaction insert failed after the
	// deduction committed; the deduction has been refunded.
	ErrRecordingFailed = errors.New("failed to create transaction")

	// ErrFulfillmentFailed means the provider rejected the purchase; the
	// transaction is failed and the deduction refunded.
	ErrFulfillmentFailed = errors.New("fulfillment failed")

	// ErrTransactionNotFound means an inbound webhook reference resolved
	// to no transaction. The request is rejected without mutation.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrInvalidRequest covers malformed purchase requests: unknown
	// product type, non-positive amount.
	ErrInvalidRequest = errors.New("invalid request")
)
