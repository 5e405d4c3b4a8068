package sqlstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledger-import-engine/internal/models"
	"ledger-import-engine/internal/store"
	engerrors "ledger-import-engine/pkg/errors"
	"ledger-import-engine/pkg/logger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(context.Background(), Config{Driver: DriverSQLite, DSN: ":memory:"}, logger.Discard())
	require.NoError(t, err)
	require.NoError(t, s.Migrate())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleTransaction(storeID, externalID string, amount string) *models.Transaction {
	d := decimal.RequireFromString(amount)
	return &models.Transaction{
		StoreID:        storeID,
		ExternalID:     externalID,
		Type:           models.TransactionTypeIncome,
		Classification: models.ClassificationBusiness,
		Amount:         d,
		Currency:       "USD",
		AmountUSD:      d,
		Date:           time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		Description:    "order " + externalID,
		Status:         models.StatusApproved,
		Source:         "stripe_balance",
		Metadata:       map[string]string{"fee": "1.00"},
	}
}

func TestBatchRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	batch := &models.ImportBatch{
		OrganizationID: "org-1",
		StoreID:        "store-1",
		ImportType:     models.ImportTypeCSV,
		Filename:       "march.csv",
		FileHash:       "abc",
		FileHandle:     "file://uploads/abc.csv",
		Params:         map[string]string{"since": "2024-01-01"},
	}
	require.NoError(t, s.CreateBatch(ctx, batch))
	assert.NotEmpty(t, batch.ID)
	assert.Equal(t, models.BatchPending, batch.Status)

	got, err := s.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, "march.csv", got.Filename)
	assert.Equal(t, "2024-01-01", got.Params["since"])
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.Errors)

	now := time.Date(2024, 3, 2, 10, 0, 0, 0, time.UTC)
	got.Status = models.BatchFailed
	got.CompletedAt = &now
	got.Failed = 2
	got.Errors = []engerrors.RowError{{Row: 3, Field: "date", Reason: "bad date", Kind: engerrors.KindParse}}
	got.Summary = &models.ImportSummary{Format: "mercury", Confidence: 0.8}
	require.NoError(t, s.UpdateBatch(ctx, got))

	again, err := s.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchFailed, again.Status)
	require.Len(t, again.Errors, 1)
	assert.Equal(t, 3, again.Errors[0].Row)
	require.NotNil(t, again.Summary)
	assert.Equal(t, "mercury", again.Summary.Format)
	require.NotNil(t, again.CompletedAt)
	assert.True(t, again.CompletedAt.Equal(now))
}

func TestGetBatchNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetBatch(context.Background(), "missing")
	engErr, ok := engerrors.AsEngineError(err)
	require.True(t, ok)
	assert.Equal(t, engerrors.CodeNotFound, engErr.Code)

	err = s.UpdateBatch(context.Background(), &models.ImportBatch{ID: "missing", Status: models.BatchFailed})
	assert.True(t, engerrors.IsKind(err, engerrors.KindStorage))
}

func TestClaimBatchIsCompareAndSet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	batch := &models.ImportBatch{OrganizationID: "org-1", ImportType: models.ImportTypeCSV}
	require.NoError(t, s.CreateBatch(ctx, batch))

	at := time.Now()
	ok, err := s.ClaimBatch(ctx, batch.ID, "worker-a", at)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ClaimBatch(ctx, batch.ID, "worker-b", at)
	require.NoError(t, err)
	assert.False(t, ok, "second claim must lose")

	got, err := s.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchProcessing, got.Status)
	assert.Equal(t, "worker-a", got.ClaimedBy)
	assert.NotNil(t, got.StartedAt)
}

func TestFailBatchOnlyFailsProcessingBatches(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	batch := &models.ImportBatch{OrganizationID: "org-1", ImportType: models.ImportTypeCSV}
	require.NoError(t, s.CreateBatch(ctx, batch))

	ok, err := s.FailBatch(ctx, batch.ID, "too early", time.Now())
	require.NoError(t, err)
	assert.False(t, ok, "pending batches are not failed")

	_, err = s.ClaimBatch(ctx, batch.ID, "worker-a", time.Now())
	require.NoError(t, err)
	ok, err = s.FailBatch(ctx, batch.ID, "worker died", time.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchFailed, got.Status)
	assert.Equal(t, "worker died", got.ErrorMessage)
	assert.NotNil(t, got.CompletedAt)

	ok, err = s.FailBatch(ctx, batch.ID, "again", time.Now())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFindCompletedByHash(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	failed := &models.ImportBatch{OrganizationID: "org-1", ImportType: models.ImportTypeCSV, FileHash: "h1", Status: models.BatchFailed}
	require.NoError(t, s.CreateBatch(ctx, failed))

	found, err := s.FindCompletedByHash(ctx, "org-1", "h1")
	require.NoError(t, err)
	assert.Nil(t, found)

	done := time.Now()
	completed := &models.ImportBatch{OrganizationID: "org-1", ImportType: models.ImportTypeCSV, FileHash: "h1",
		Status: models.BatchCompleted, CompletedAt: &done}
	require.NoError(t, s.CreateBatch(ctx, completed))

	found, err = s.FindCompletedByHash(ctx, "org-1", "h1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, completed.ID, found.ID)

	other, err := s.FindCompletedByHash(ctx, "org-2", "h1")
	require.NoError(t, err)
	assert.Nil(t, other)

	list, err := s.ListBatches(ctx, store.BatchFilter{OrganizationID: "org-1", Status: models.BatchCompleted})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestTransactionCreateFindUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	txn := sampleTransaction("store-1", "ch_1", "100.00")
	require.NoError(t, s.CreateTransaction(ctx, txn))

	found, err := s.FindTransaction(ctx, "store-1", "ch_1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.True(t, found.Amount.Equal(decimal.RequireFromString("100")))
	assert.Equal(t, "1.00", found.Metadata["fee"])
	assert.True(t, found.SameContent(txn))

	missing, err := s.FindTransaction(ctx, "store-2", "ch_1")
	require.NoError(t, err)
	assert.Nil(t, missing)

	found.Amount = decimal.RequireFromString("120.00")
	found.AmountUSD = found.Amount
	require.NoError(t, s.UpdateTransaction(ctx, found))

	updated, err := s.FindTransaction(ctx, "store-1", "ch_1")
	require.NoError(t, err)
	assert.True(t, updated.Amount.Equal(decimal.NewFromInt(120)))
}

func TestDuplicateExternalIDIsIntegrityError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateTransaction(ctx, sampleTransaction("store-1", "ch_1", "10")))
	err := s.CreateTransaction(ctx, sampleTransaction("store-1", "ch_1", "10"))
	assert.True(t, engerrors.IsKind(err, engerrors.KindIntegrity), "got %v", err)

	// Empty external ids are not unique.
	require.NoError(t, s.CreateTransaction(ctx, sampleTransaction("store-1", "", "10")))
	require.NoError(t, s.CreateTransaction(ctx, sampleTransaction("store-1", "", "10")))
}

func TestWithinTxRollsBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithinTx(ctx, func(tx store.Tx) error {
		require.NoError(t, tx.CreateTransaction(ctx, sampleTransaction("store-1", "a", "1")))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	found, err := s.FindTransaction(ctx, "store-1", "a")
	require.NoError(t, err)
	assert.Nil(t, found)

	err = s.WithinTx(ctx, func(tx store.Tx) error {
		return tx.CreateTransaction(ctx, sampleTransaction("store-1", "b", "1"))
	})
	require.NoError(t, err)

	found, err = s.FindTransaction(ctx, "store-1", "b")
	require.NoError(t, err)
	assert.NotNil(t, found)
}

func TestSumTransactions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	income := sampleTransaction("store-1", "i1", "100.10")
	expense := sampleTransaction("store-1", "e1", "40.05")
	expense.Type = models.TransactionTypeExpense
	personal := sampleTransaction("store-1", "p1", "5")
	personal.Classification = models.ClassificationPersonal
	pending := sampleTransaction("store-1", "x1", "7")
	pending.Status = models.StatusPending

	for _, txn := range []*models.Transaction{income, expense, personal, pending} {
		require.NoError(t, s.CreateTransaction(ctx, txn))
	}

	sum, err := s.SumTransactions(ctx, store.TransactionFilter{
		StoreID:               "store-1",
		Type:                  models.TransactionTypeIncome,
		Status:                models.StatusApproved,
		ExcludeClassification: models.ClassificationPersonal,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Count)
	assert.True(t, sum.Total.Equal(decimal.RequireFromString("100.10")))

	from := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)
	none, err := s.SumTransactions(ctx, store.TransactionFilter{StoreID: "store-1", From: &from})
	require.NoError(t, err)
	assert.Zero(t, none.Count)

	list, err := s.ListTransactions(ctx, store.TransactionFilter{StoreID: "store-1", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestAccountsUpsertAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertStore(ctx, &models.Store{ID: "s1", OrganizationID: "org-1", Name: "Shop", Platform: "shopify", IsActive: true}))
	require.NoError(t, s.UpsertBankAccount(ctx, &models.BankAccount{ID: "b1", OrganizationID: "org-1", Name: "Checking",
		Currency: "usd", CurrentBalance: decimal.NewFromInt(5000), IsActive: true}))
	require.NoError(t, s.UpsertBankAccount(ctx, &models.BankAccount{ID: "b1", OrganizationID: "org-1", Name: "Checking",
		Currency: "USD", CurrentBalance: decimal.NewFromInt(4000), IsActive: false}))
	require.NoError(t, s.UpsertProcessorAccount(ctx, &models.ProcessorAccount{ID: "p1", OrganizationID: "org-1", Name: "Stripe",
		Processor: "stripe", Currency: "USD", CurrentBalance: decimal.NewFromInt(10), PendingBalance: decimal.NewFromInt(5), IsActive: true}))
	require.NoError(t, s.UpsertInventoryItem(ctx, &models.InventoryItem{ID: "i1", OrganizationID: "org-1", SKU: "SKU-1", Name: "Widget",
		Quantity: decimal.NewFromInt(3), UnitCost: decimal.RequireFromString("2.50"), Currency: "USD", IsActive: true}))

	stores, err := s.ListStores(ctx, "org-1")
	require.NoError(t, err)
	require.Len(t, stores, 1)
	assert.True(t, stores[0].IsActive)

	got, err := s.GetStore(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "shopify", got.Platform)

	banks, err := s.ListBankAccounts(ctx, "org-1")
	require.NoError(t, err)
	require.Len(t, banks, 1)
	assert.False(t, banks[0].IsActive)
	assert.True(t, banks[0].CurrentBalance.Equal(decimal.NewFromInt(4000)))

	procs, err := s.ListProcessorAccounts(ctx, "org-1")
	require.NoError(t, err)
	require.Len(t, procs, 1)
	assert.True(t, procs[0].Total().Equal(decimal.NewFromInt(15)))

	items, err := s.ListInventoryItems(ctx, "org-1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.True(t, items[0].Valuation().Equal(decimal.RequireFromString("7.5")))
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Migrate())
	version, dirty, err := s.MigrationVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.False(t, dirty)
}

func TestRebind(t *testing.T) {
	pg := &conn{driver: DriverPostgres}
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y = $2", pg.rebind("SELECT a FROM t WHERE x = ? AND y = ?"))

	lite := &conn{driver: DriverSQLite}
	assert.Equal(t, "x = ?", lite.rebind("x = ?"))
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.Error(t, Config{Driver: "mysql", DSN: "x"}.Validate())
	assert.Error(t, Config{Driver: DriverPostgres}.Validate())
}
