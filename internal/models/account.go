package models

import (
	"github.com/shopspring/decimal"
)

// Store is a sales channel owned by an organization. Transactions belong to
// exactly one store.
type Store struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organization_id"`
	Name           string `json:"name"`
	Platform       string `json:"platform"`
	IsActive       bool   `json:"is_active"`
}

// BankAccount is an independently tracked bank balance.
type BankAccount struct {
	ID             string          `json:"id"`
	OrganizationID string          `json:"organization_id"`
	Name           string          `json:"name"`
	Currency       string          `json:"currency"`
	CurrentBalance decimal.Decimal `json:"current_balance"`
	IsActive       bool            `json:"is_active"`
}

// ProcessorAccount is a payment-processor balance. Funds not yet paid out
// are held in PendingBalance.
type ProcessorAccount struct {
	ID             string          `json:"id"`
	OrganizationID string          `json:"organization_id"`
	Name           string          `json:"name"`
	Processor      string          `json:"processor"`
	Currency       string          `json:"currency"`
	CurrentBalance decimal.Decimal `json:"current_balance"`
	PendingBalance decimal.Decimal `json:"pending_balance"`
	IsActive       bool            `json:"is_active"`
}

// Total returns current plus pending balance.
func (p *ProcessorAccount) Total() decimal.Decimal {
	return p.CurrentBalance.Add(p.PendingBalance)
}

// InventoryItem is a stock line valued at cost.
type InventoryItem struct {
	ID             string          `json:"id"`
	OrganizationID string          `json:"organization_id"`
	SKU            string          `json:"sku"`
	Name           string          `json:"name"`
	Quantity       decimal.Decimal `json:"quantity"`
	UnitCost       decimal.Decimal `json:"unit_cost"`
	Currency       string          `json:"currency"`
	IsActive       bool            `json:"is_active"`
}

// Valuation returns quantity times unit cost.
func (i *InventoryItem) Valuation() decimal.Decimal {
	return i.Quantity.Mul(i.UnitCost)
}
