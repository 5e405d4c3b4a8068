package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// DefaultTolerance absorbs rounding when comparing cash to the ledger.
var DefaultTolerance = decimal.NewFromFloat(0.01)

// ReconciliationResult is a per-organization snapshot comparing real-money
// balances with the ledger. It is recomputed on demand and never persisted.
type ReconciliationResult struct {
	OrganizationID    string          `json:"organization_id"`
	Currency          string          `json:"currency"`
	CashTotal         decimal.Decimal `json:"cash_total"`
	InventoryTotal    decimal.Decimal `json:"inventory_total"`
	CalculatedBalance decimal.Decimal `json:"calculated_balance"`
	Difference        decimal.Decimal `json:"difference"`
	Tolerance         decimal.Decimal `json:"tolerance"`
	IsValid           bool            `json:"is_valid"`
	Breakdown         Breakdown       `json:"breakdown"`
	ComputedAt        time.Time       `json:"computed_at"`
	Cached            bool            `json:"cached"`
}

// Breakdown carries the per-account and per-store figures behind a result.
type Breakdown struct {
	BankAccounts      []AccountBalance   `json:"bank_accounts"`
	ProcessorAccounts []AccountBalance   `json:"processor_accounts"`
	Inventory         InventoryBreakdown `json:"inventory"`
	Stores            []StoreLedger      `json:"stores"`
}

// AccountBalance is one active account's contribution to the cash total.
// Converted is expressed in the reporting currency.
type AccountBalance struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Currency  string          `json:"currency"`
	Current   decimal.Decimal `json:"current"`
	Pending   decimal.Decimal `json:"pending"`
	Converted decimal.Decimal `json:"converted"`
}

// InventoryBreakdown summarises active inventory.
type InventoryBreakdown struct {
	ActiveItems int             `json:"active_items"`
	Total       decimal.Decimal `json:"total"`
}

// StoreLedger is one store's approved business activity.
type StoreLedger struct {
	StoreID          string          `json:"store_id"`
	Name             string          `json:"name"`
	IsActive         bool            `json:"is_active"`
	Income           decimal.Decimal `json:"income"`
	Expense          decimal.Decimal `json:"expense"`
	Net              decimal.Decimal `json:"net"`
	IncomeCount      int             `json:"income_count"`
	ExpenseCount     int             `json:"expense_count"`
	ExcludedPersonal int             `json:"excluded_personal"`
}
