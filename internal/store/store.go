// Package store declares the persistence collaborators of the engine. The
// importer and the reconciler depend only on these interfaces; sqlstore is
// the database/sql implementation.
package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"ledger-import-engine/internal/models"
)

// BatchStore tracks import batches.
type BatchStore interface {
	CreateBatch(ctx context.Context, batch *models.ImportBatch) error
	// GetBatch returns a storage error with code not_found for unknown ids.
	GetBatch(ctx context.Context, id string) (*models.ImportBatch, error)
	// FindCompletedByHash returns the most recent completed batch of the
	// organization with the given content hash, or nil.
	FindCompletedByHash(ctx context.Context, organizationID, fileHash string) (*models.ImportBatch, error)
	// ClaimBatch moves a pending batch to processing for worker. It reports
	// false when another worker got there first or the batch is not pending.
	ClaimBatch(ctx context.Context, id, worker string, at time.Time) (bool, error)
	UpdateBatch(ctx context.Context, batch *models.ImportBatch) error
	// FailBatch moves a processing batch to failed without reading it
	// first. It reports false when the batch is not processing.
	FailBatch(ctx context.Context, id, message string, at time.Time) (bool, error)
	ListBatches(ctx context.Context, filter BatchFilter) ([]*models.ImportBatch, error)
}

// BatchFilter narrows ListBatches. Zero values match everything.
type BatchFilter struct {
	OrganizationID string
	StoreID        string
	Status         models.BatchStatus
	Limit          int
}

// TransactionStore persists canonical transactions.
type TransactionStore interface {
	// FindTransaction looks up by (store, external id) and returns nil when
	// no such transaction exists.
	FindTransaction(ctx context.Context, storeID, externalID string) (*models.Transaction, error)
	CreateTransaction(ctx context.Context, txn *models.Transaction) error
	UpdateTransaction(ctx context.Context, txn *models.Transaction) error
}

// TransactionReader serves queries over committed transactions.
type TransactionReader interface {
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]*models.Transaction, error)
	SumTransactions(ctx context.Context, filter TransactionFilter) (Sum, error)
}

// TransactionFilter narrows transaction queries. Zero values match everything.
type TransactionFilter struct {
	StoreID               string
	BatchID               string
	Type                  models.TransactionType
	Status                models.TransactionStatus
	Category              string
	Classification        models.Classification
	ExcludeClassification models.Classification
	From                  *time.Time
	To                    *time.Time
	Limit                 int
}

// Sum is an aggregate over AmountUSD.
type Sum struct {
	Total decimal.Decimal
	Count int
}

// Tx is the unit of work the orchestrator commits atomically: every
// transaction write of one batch attempt plus its final counters.
type Tx interface {
	TransactionStore
	UpdateBatch(ctx context.Context, batch *models.ImportBatch) error
}

// TxRunner runs fn inside a database transaction. The transaction commits
// when fn returns nil and rolls back otherwise.
type TxRunner interface {
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
}

// BalanceSource exposes the independently tracked balances of an
// organization. Records are returned whether active or not.
type BalanceSource interface {
	ListStores(ctx context.Context, organizationID string) ([]models.Store, error)
	ListBankAccounts(ctx context.Context, organizationID string) ([]models.BankAccount, error)
	ListProcessorAccounts(ctx context.Context, organizationID string) ([]models.ProcessorAccount, error)
	ListInventoryItems(ctx context.Context, organizationID string) ([]models.InventoryItem, error)
}

// StoreDirectory resolves stores by id.
type StoreDirectory interface {
	GetStore(ctx context.Context, id string) (*models.Store, error)
}

// AccountWriter maintains balance-source records.
type AccountWriter interface {
	UpsertStore(ctx context.Context, s *models.Store) error
	UpsertBankAccount(ctx context.Context, a *models.BankAccount) error
	UpsertProcessorAccount(ctx context.Context, a *models.ProcessorAccount) error
	UpsertInventoryItem(ctx context.Context, item *models.InventoryItem) error
}
