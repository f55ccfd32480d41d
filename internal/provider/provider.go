// Package provider abstracts the external VTU fulfillment service. The
// real integration is pending; the stub stands in for it and always
// reports success after a configurable delay.
package provider

import (
	"context"
	"time"

	"github.com/iadigital/vtu-platform/pkg/stores/models"
)

// Result is the provider's verdict on a fulfillment attempt. The raw
// response is appended to the transaction metadata verbatim.
type Result struct {
	Success   bool   `json:"success"`
	Reference string `json:"reference"`
	Message   string `json:"message"`
}

// Provider delivers the purchased product. A transport error or an expired
// context both count as fulfillment failure; the caller converts either
// into a failed transaction and a refund.
type Provider interface {
	Fulfill(ctx context.Context, tx *models.Transaction) (*Result, error)
}

// Stub simulates fulfillment while the real VTU provider integration is
// pending.
type Stub struct {
	// Delay approximates provider latency before the verdict is returned.
	Delay time.Duration
	// Fail forces a failure verdict; used by tests and drills.
	Fail bool
}

// Fulfill implements the Provider interface.
func (s *Stub) Fulfill(ctx context.Context, tx *models.Transaction) (*Result, error) {
	if s.Delay > 0 {
		select {
		case <-time.After(s.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if s.Fail {
		return &Result{
			Success:   false,
			Reference: tx.Reference,
			Message:   "fulfillment rejected by provider",
		}, nil
	}

	return &Result{
		Success:   true,
		Reference: tx.Reference,
		Message:   purchaseMessage(tx.Type),
	}, nil
}

func purchaseMessage(t models.TransactionType) string {
	switch t {
	case models.Data:
		return "Data purchase successful"
	case models.Airtime:
		return "Airtime purchase successful"
	case models.Cable:
		return "Cable subscription successful"
	case models.Transfer:
		return "Transfer successful"
	case models.AirtimeToCash:
		return "Airtime conversion successful"
	case models.Exam:
		return "Exam PIN purchase successful"
	default:
		return "Purchase successful"
	}
}
