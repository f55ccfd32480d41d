package models

import (
	"time"
)

// TransactionType categorizes a purchase by product.
type TransactionType string

const (
	// Data represents a mobile data bundle purchase
	Data TransactionType = "data"
	// Airtime represents an airtime top-up purchase
	Airtime TransactionType = "airtime"
	// Cable represents a cable-TV subscription payment
	Cable TransactionType = "cable"
	// Transfer represents a wallet-to-bank transfer
	Transfer TransactionType = "transfer"
	// AirtimeToCash represents an airtime-to-cash conversion
	AirtimeToCash TransactionType = "airtime2cash"
	// Exam represents an exam PIN purchase
	Exam TransactionType = "exam"
)

// Valid reports whether t is one of the supported product types.
func (t TransactionType) Valid() bool {
	switch t {
	case Data, Airtime, Cable, Transfer, AirtimeToCash, Exam:
		return true
	}
	return false
}

// TransactionStatus is the lifecycle state of a transaction.
type TransactionStatus string

const (
	// StatusProcessing is the state a transaction is created in, after the
	// wallet deduction has committed but before fulfillment has resolved.
	StatusProcessing TransactionStatus = "processing"
	// StatusCompleted is the terminal state for a fulfilled transaction.
	StatusCompleted TransactionStatus = "completed"
	// StatusFailed is the terminal state for a transaction whose
	// fulfillment failed; the wallet deduction is reversed exactly once.
	StatusFailed TransactionStatus = "failed"
)

// Terminal reports whether s is a final state. Terminal transactions are
// immutable except for metadata appends.
func (s TransactionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Wallet holds the spendable balance for one user. Wallets are provisioned
// implicitly on first access and never deleted.
type Wallet struct {
	UserID  string  `json:"userId" dynamodbav:"UserID"`
	Balance float64 `json:"balance" dynamodbav:"Balance"`
}

// Transaction represents one purchase against a user's wallet.
type Transaction struct {
	// ID is the unique identifier for the transaction
	ID string `json:"id" dynamodbav:"ID"`

	// UserID identifies the wallet owner that funded this transaction
	UserID string `json:"userId" dynamodbav:"UserID"`

	// Reference is the client-visible correlation key, unique across the
	// platform; inbound provider webhooks locate the transaction by it
	Reference string `json:"reference" dynamodbav:"Reference"`

	Type   TransactionType   `json:"type" dynamodbav:"Type"`
	Status TransactionStatus `json:"status" dynamodbav:"Status"`
	Amount float64           `json:"amount" dynamodbav:"Amount"`

	// Product descriptors; which of these are set depends on Type
	PhoneNumber string `json:"phoneNumber,omitempty" dynamodbav:"PhoneNumber,omitempty"`
	Network     string `json:"network,omitempty" dynamodbav:"Network,omitempty"`
	PlanName    string `json:"planName,omitempty" dynamodbav:"PlanName,omitempty"`
	PlanType    string `json:"planType,omitempty" dynamodbav:"PlanType,omitempty"`

	// Metadata accumulates request time, provider responses, completion
	// time and inbound webhook payloads; appends are allowed in any state
	Metadata map[string]interface{} `json:"metadata,omitempty" dynamodbav:"Metadata,omitempty"`

	CreatedAt time.Time `json:"createdAt" dynamodbav:"CreatedAt"`
	UpdatedAt time.Time `json:"updatedAt" dynamodbav:"UpdatedAt"`
}

// WebhookSubscription is a user-configured outbound delivery target.
// Subscriptions are read-only from the purchase flow's perspective.
type WebhookSubscription struct {
	ID       string   `json:"id" dynamodbav:"ID"`
	UserID   string   `json:"userId" dynamodbav:"UserID"`
	URL      string   `json:"url" dynamodbav:"URL"`
	Secret   string   `json:"secret" dynamodbav:"Secret"`
	Events   []string `json:"events" dynamodbav:"Events"`
	IsActive bool     `json:"isActive" dynamodbav:"IsActive"`
}

// Wants reports whether the subscription should receive the named event.
func (s *WebhookSubscription) Wants(event string) bool {
	if !s.IsActive {
		return false
	}
	for _, e := range s.Events {
		if e == event {
			return true
		}
	}
	return false
}
