// Package models holds the canonical records shared by the importer, the
// stores and the reconciler.
package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType represents the direction of a canonical transaction
type TransactionType string

const (
	TransactionTypeIncome  TransactionType = "income"
	TransactionTypeExpense TransactionType = "expense"
)

// String returns the string representation of TransactionType
func (t TransactionType) String() string {
	return string(t)
}

// IsValid checks if the transaction type is valid
func (t TransactionType) IsValid() bool {
	return t == TransactionTypeIncome || t == TransactionTypeExpense
}

// TransactionStatus is the approval state of a transaction. Only approved
// transactions count toward the ledger balance.
type TransactionStatus string

const (
	StatusApproved TransactionStatus = "approved"
	StatusPending  TransactionStatus = "pending"
	StatusRejected TransactionStatus = "rejected"
)

// IsValid checks if the status is one of the known values
func (s TransactionStatus) IsValid() bool {
	switch s {
	case StatusApproved, StatusPending, StatusRejected:
		return true
	}
	return false
}

// Classification separates business activity from personal spending.
type Classification string

const (
	ClassificationBusiness Classification = "business"
	ClassificationPersonal Classification = "personal"
)

// Transaction is the canonical, currency-aware financial record produced by
// every import strategy.
type Transaction struct {
	ID             string            `json:"id"`
	StoreID        string            `json:"store_id"`
	ExternalID     string            `json:"external_id,omitempty"`
	Type           TransactionType   `json:"type"`
	Category       string            `json:"category,omitempty"`
	Classification Classification    `json:"classification"`
	Amount         decimal.Decimal   `json:"amount"`
	Currency       string            `json:"currency"`
	AmountUSD      decimal.Decimal   `json:"amount_usd"`
	Date           time.Time         `json:"date"`
	Description    string            `json:"description,omitempty"`
	Status         TransactionStatus `json:"status"`
	Source         string            `json:"source"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	BatchID        string            `json:"batch_id,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// Validate performs basic validation on the Transaction
func (t *Transaction) Validate() error {
	if strings.TrimSpace(t.StoreID) == "" {
		return fmt.Errorf("transaction store cannot be empty")
	}

	if !t.Type.IsValid() {
		return fmt.Errorf("invalid transaction type: %s", t.Type)
	}

	if !t.Amount.IsPositive() {
		return fmt.Errorf("transaction amount must be positive, got %s", t.Amount.String())
	}

	if len(t.Currency) != 3 {
		return fmt.Errorf("invalid currency code: %q", t.Currency)
	}

	if t.Date.IsZero() {
		return fmt.Errorf("transaction date cannot be zero")
	}

	if !t.Status.IsValid() {
		return fmt.Errorf("invalid transaction status: %s", t.Status)
	}

	return nil
}

// String returns a string representation of the Transaction
func (t *Transaction) String() string {
	return fmt.Sprintf("Transaction{Ext: %s, %s %s %s, Date: %s}",
		t.ExternalID, t.Type, t.Amount.StringFixed(2), t.Currency, t.Date.Format("2006-01-02"))
}

// SameContent reports whether other carries the same financial content,
// ignoring identity, batch and bookkeeping timestamps. A re-import whose
// record has the same content is a duplicate rather than an update.
func (t *Transaction) SameContent(other *Transaction) bool {
	if other == nil {
		return false
	}

	return t.Type == other.Type &&
		t.Amount.Equal(other.Amount) &&
		t.Currency == other.Currency &&
		t.AmountUSD.Equal(other.AmountUSD) &&
		t.Date.Equal(other.Date) &&
		t.Description == other.Description &&
		t.Status == other.Status &&
		t.Category == other.Category &&
		t.Classification == other.Classification
}

// SignedAmountUSD returns the USD amount, negative for expenses.
func (t *Transaction) SignedAmountUSD() decimal.Decimal {
	if t.Type == TransactionTypeExpense {
		return t.AmountUSD.Neg()
	}
	return t.AmountUSD
}

// CountsTowardLedger reports whether the transaction contributes to the
// ledger-derived balance: approved and not personal.
func (t *Transaction) CountsTowardLedger() bool {
	return t.Status == StatusApproved && t.Classification != ClassificationPersonal
}
