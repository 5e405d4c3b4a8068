package reconciler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledger-import-engine/internal/fx"
	"ledger-import-engine/internal/models"
	"ledger-import-engine/internal/store"
	"ledger-import-engine/internal/store/sqlstore"
	engerrors "ledger-import-engine/pkg/errors"
	"ledger-import-engine/pkg/logger"
)

const org = "org-1"

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	db  *sqlstore.Store
	svc *Service
	n   int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	db, err := sqlstore.Open(ctx, sqlstore.Config{Driver: sqlstore.DriverSQLite, DSN: ":memory:"}, logger.Discard())
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })

	rates := fx.MustTable(fx.DefaultBase, map[string]string{"EUR": "1.10"})
	svc, err := NewService(db, db, rates, DefaultConfig(), logger.Discard())
	require.NoError(t, err)

	f := &fixture{db: db, svc: svc}
	require.NoError(t, db.UpsertStore(ctx, &models.Store{ID: "s1", OrganizationID: org, Name: "Shop", IsActive: true}))
	return f
}

func (f *fixture) bank(t *testing.T, id, currency, balance string, active bool) {
	t.Helper()
	require.NoError(t, f.db.UpsertBankAccount(context.Background(), &models.BankAccount{
		ID: id, OrganizationID: org, Name: id, Currency: currency, CurrentBalance: d(balance), IsActive: active,
	}))
}

func (f *fixture) inventory(t *testing.T, id, qty, cost string, active bool) {
	t.Helper()
	require.NoError(t, f.db.UpsertInventoryItem(context.Background(), &models.InventoryItem{
		ID: id, OrganizationID: org, SKU: id, Name: id, Quantity: d(qty), UnitCost: d(cost), Currency: "USD", IsActive: active,
	}))
}

func (f *fixture) txn(t *testing.T, typ models.TransactionType, amount string, status models.TransactionStatus, class models.Classification) {
	t.Helper()
	f.n++
	require.NoError(t, f.db.CreateTransaction(context.Background(), &models.Transaction{
		StoreID:        "s1",
		ExternalID:     fmt.Sprintf("ext-%d", f.n),
		Type:           typ,
		Classification: class,
		Amount:         d(amount),
		Currency:       "USD",
		AmountUSD:      d(amount),
		Date:           time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		Status:         status,
		Source:         "test",
	}))
}

func TestBalancesReconcile(t *testing.T) {
	f := newFixture(t)
	f.bank(t, "b1", "USD", "5000.00", true)
	f.inventory(t, "i1", "100", "20.00", true)
	f.txn(t, models.TransactionTypeIncome, "7000.00", models.StatusApproved, models.ClassificationBusiness)

	res, err := f.svc.Refresh(context.Background(), org)
	require.NoError(t, err)

	assert.True(t, res.IsValid)
	assert.True(t, res.Difference.IsZero(), "difference %s", res.Difference)
	assert.Equal(t, "5000.00", res.CashTotal.StringFixed(2))
	assert.Equal(t, "2000.00", res.InventoryTotal.StringFixed(2))
	assert.Equal(t, "7000.00", res.CalculatedBalance.StringFixed(2))
	assert.Equal(t, "USD", res.Currency)
	assert.False(t, res.Cached)
}

func TestDifferenceBeyondToleranceIsInvalid(t *testing.T) {
	f := newFixture(t)
	f.bank(t, "b1", "USD", "5000.00", true)
	f.inventory(t, "i1", "100", "20.00", true)
	f.txn(t, models.TransactionTypeIncome, "7100.00", models.StatusApproved, models.ClassificationBusiness)

	res, err := f.svc.Refresh(context.Background(), org)
	require.NoError(t, err)
	assert.False(t, res.IsValid)
	assert.Equal(t, "-100.00", res.Difference.StringFixed(2))
}

func TestToleranceAbsorbsRounding(t *testing.T) {
	f := newFixture(t)
	f.bank(t, "b1", "USD", "100.01", true)
	f.txn(t, models.TransactionTypeIncome, "100.00", models.StatusApproved, models.ClassificationBusiness)

	res, err := f.svc.Refresh(context.Background(), org)
	require.NoError(t, err)
	assert.True(t, res.IsValid)
	assert.Equal(t, "0.01", res.Difference.StringFixed(2))
}

func TestActiveAccountsAndApprovedBusinessActivityCount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.bank(t, "b1", "USD", "1100.00", true)
	f.bank(t, "b2", "USD", "999.00", false)
	f.bank(t, "b3", "EUR", "100.00", true)
	require.NoError(t, f.db.UpsertProcessorAccount(ctx, &models.ProcessorAccount{
		ID: "p1", OrganizationID: org, Name: "Stripe", Processor: "stripe", Currency: "USD",
		CurrentBalance: d("300.00"), PendingBalance: d("50.00"), IsActive: true,
	}))
	f.inventory(t, "i1", "10", "5.00", true)
	f.inventory(t, "i2", "10", "99.00", false)

	f.txn(t, models.TransactionTypeIncome, "1600.00", models.StatusApproved, models.ClassificationBusiness)
	f.txn(t, models.TransactionTypeExpense, "90.00", models.StatusApproved, models.ClassificationBusiness)
	f.txn(t, models.TransactionTypeIncome, "500.00", models.StatusPending, models.ClassificationBusiness)
	f.txn(t, models.TransactionTypeExpense, "40.00", models.StatusApproved, models.ClassificationPersonal)

	// A closed store's takings are still in the bank.
	require.NoError(t, f.db.UpsertStore(ctx, &models.Store{ID: "s2", OrganizationID: org, Name: "Old shop", IsActive: false}))
	require.NoError(t, f.db.CreateTransaction(ctx, &models.Transaction{
		StoreID: "s2", ExternalID: "old-1", Type: models.TransactionTypeIncome,
		Classification: models.ClassificationBusiness, Amount: d("100.00"), Currency: "USD", AmountUSD: d("100.00"),
		Date: time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), Status: models.StatusApproved, Source: "test",
	}))

	res, err := f.svc.Refresh(ctx, org)
	require.NoError(t, err)

	// 1100 + 110 (EUR) + 350 = 1560 cash, 50 inventory, 1510 + 100 ledger.
	assert.Equal(t, "1560.00", res.CashTotal.StringFixed(2))
	assert.Equal(t, "50.00", res.InventoryTotal.StringFixed(2))
	assert.Equal(t, "1610.00", res.CalculatedBalance.StringFixed(2))
	assert.True(t, res.IsValid)

	require.Len(t, res.Breakdown.BankAccounts, 2)
	require.Len(t, res.Breakdown.ProcessorAccounts, 1)
	assert.Equal(t, "350.00", res.Breakdown.ProcessorAccounts[0].Converted.StringFixed(2))
	assert.Equal(t, 1, res.Breakdown.Inventory.ActiveItems)

	require.Len(t, res.Breakdown.Stores, 2)
	ledgers := map[string]models.StoreLedger{}
	for _, sl := range res.Breakdown.Stores {
		ledgers[sl.StoreID] = sl
	}

	shop := ledgers["s1"]
	assert.True(t, shop.IsActive)
	assert.Equal(t, 1, shop.IncomeCount)
	assert.Equal(t, 1, shop.ExpenseCount)
	assert.Equal(t, 1, shop.ExcludedPersonal)
	assert.Equal(t, "1510.00", shop.Net.StringFixed(2))

	old := ledgers["s2"]
	assert.False(t, old.IsActive)
	assert.Equal(t, "100.00", old.Net.StringFixed(2))
}

func TestEmptyOrganizationHasPopulatedBreakdown(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.Refresh(context.Background(), "org-empty")
	require.NoError(t, err)
	assert.True(t, res.IsValid)
	assert.NotNil(t, res.Breakdown.BankAccounts)
	assert.NotNil(t, res.Breakdown.ProcessorAccounts)
	assert.NotNil(t, res.Breakdown.Stores)
}

func TestMissingRateIsAnError(t *testing.T) {
	f := newFixture(t)
	f.bank(t, "b1", "JPY", "1000", true)

	_, err := f.svc.Refresh(context.Background(), org)
	engErr, ok := engerrors.AsEngineError(err)
	require.True(t, ok, "expected engine error, got %v", err)
	assert.Equal(t, engerrors.CodeMissingRate, engErr.Code)
}

func TestCachedReadsAndInvalidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.bank(t, "b1", "USD", "100.00", true)

	first, err := f.svc.Validate(ctx, org)
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.False(t, first.IsValid)

	f.txn(t, models.TransactionTypeIncome, "100.00", models.StatusApproved, models.ClassificationBusiness)

	cached, err := f.svc.Validate(ctx, org)
	require.NoError(t, err)
	assert.True(t, cached.Cached)
	assert.False(t, cached.IsValid, "cached result predates the new transaction")

	f.svc.Invalidate(org)
	fresh, err := f.svc.Validate(ctx, org)
	require.NoError(t, err)
	assert.False(t, fresh.Cached)
	assert.True(t, fresh.IsValid)

	f.txn(t, models.TransactionTypeExpense, "10.00", models.StatusApproved, models.ClassificationBusiness)
	refreshed, err := f.svc.Refresh(ctx, org)
	require.NoError(t, err)
	assert.Equal(t, "10.00", refreshed.Difference.StringFixed(2))
}

type recordingNotifier struct{ results []*models.ReconciliationResult }

func (r *recordingNotifier) Notify(_ context.Context, res *models.ReconciliationResult) error {
	r.results = append(r.results, res)
	return nil
}

// pausingSource holds the first bank account read until release is closed.
type pausingSource struct {
	store.BalanceSource
	once    sync.Once
	read    chan struct{}
	release chan struct{}
}

func (p *pausingSource) ListBankAccounts(ctx context.Context, organizationID string) ([]models.BankAccount, error) {
	accounts, err := p.BalanceSource.ListBankAccounts(ctx, organizationID)
	p.once.Do(func() {
		close(p.read)
		<-p.release
	})
	return accounts, err
}

func TestInvalidationDuringComputationIsNotOverwritten(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.bank(t, "b1", "USD", "5000.00", true)

	source := &pausingSource{BalanceSource: f.db, read: make(chan struct{}), release: make(chan struct{})}
	svc, err := NewService(source, f.db, fx.MustTable(fx.DefaultBase, nil), DefaultConfig(), logger.Discard())
	require.NoError(t, err)

	type outcome struct {
		res *models.ReconciliationResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := svc.Validate(ctx, org)
		done <- outcome{res, err}
	}()

	<-source.read
	f.bank(t, "b1", "USD", "6000.00", true)
	svc.Invalidate(org)
	close(source.release)

	first := <-done
	require.NoError(t, first.err)
	assert.Equal(t, "5000.00", first.res.CashTotal.StringFixed(2))

	next, err := svc.Validate(ctx, org)
	require.NoError(t, err)
	assert.False(t, next.Cached)
	assert.Equal(t, "6000.00", next.CashTotal.StringFixed(2))

	again, err := svc.Validate(ctx, org)
	require.NoError(t, err)
	assert.True(t, again.Cached)
	assert.Equal(t, "6000.00", again.CashTotal.StringFixed(2))
}

func TestValidateAndNotify(t *testing.T) {
	f := newFixture(t)
	n := &recordingNotifier{}

	res, err := f.svc.ValidateAndNotify(context.Background(), org, true, n)
	require.NoError(t, err)
	require.Len(t, n.results, 1)
	assert.Equal(t, res.OrganizationID, n.results[0].OrganizationID)

	_, err = f.svc.ValidateAndNotify(context.Background(), "", false, n)
	assert.True(t, engerrors.IsKind(err, engerrors.KindValidation))
	assert.Len(t, n.results, 1)

	assert.NoError(t, NewLogNotifier(logger.Discard()).Notify(context.Background(), res))
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default", func(*Config) {}, false},
		{"bad tolerance", func(c *Config) { c.Tolerance = "abc" }, true},
		{"negative tolerance", func(c *Config) { c.Tolerance = "-1" }, true},
		{"negative ttl", func(c *Config) { c.CacheTTL = -time.Second }, true},
		{"bad currency", func(c *Config) { c.Currency = "US" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
