package importer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"ledger-import-engine/internal/fx"
	"ledger-import-engine/internal/models"
	"ledger-import-engine/internal/parsers"
	"ledger-import-engine/internal/storage"
	"ledger-import-engine/internal/store"
	"ledger-import-engine/internal/store/sqlstore"
	"ledger-import-engine/pkg/logger"
)

const (
	testOrg   = "org-1"
	testStore = "store-1"
)

var stripeHeader = "id,Type,Amount,Fee,Net,Currency,Created (UTC),Available On (UTC),Description,Reporting Category\n"

// stripeRow renders one balance-history line. A non-empty badDate replaces
// the created timestamp.
func stripeRow(i int, currency, badDate string) string {
	created := fmt.Sprintf("2024-03-%02d 10:00:00", i%28+1)
	if badDate != "" {
		created = badDate
	}
	return fmt.Sprintf("txn_%03d,charge,10.00,0.59,9.41,%s,%s,2024-03-30 00:00:00,Order %d,charge\n",
		i, currency, created, i)
}

// stripeCSV builds n rows, the first bad of which carry an invalid date.
func stripeCSV(n, bad int, currency string) []byte {
	var b strings.Builder
	b.WriteString(stripeHeader)
	for i := 0; i < n; i++ {
		badDate := ""
		if i < bad {
			badDate = "2024-13-45 10:00:00"
		}
		b.WriteString(stripeRow(i, currency, badDate))
	}
	return []byte(b.String())
}

func testLimits() parsers.Limits {
	l := parsers.DefaultLimits()
	l.Now = func() time.Time { return time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC) }
	return l
}

type recordingInvalidator struct {
	mu   sync.Mutex
	orgs []string
}

func (r *recordingInvalidator) Invalidate(org string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orgs = append(r.orgs, org)
}

type harness struct {
	db          *sqlstore.Store
	files       storage.FileStore
	orch        *Orchestrator
	invalidator *recordingInvalidator
}

type harnessOption func(*Deps, *Options)

func withRates(rates *fx.Table) harnessOption {
	return func(d *Deps, o *Options) {
		d.Registry = NewRegistry(NewCSVStrategy(rates, testLimits(), *o, logger.Discard()))
	}
}

func withOptions(fn func(*Options)) harnessOption {
	return func(_ *Deps, o *Options) { fn(o) }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	ctx := context.Background()

	db, err := sqlstore.Open(ctx, sqlstore.Config{Driver: sqlstore.DriverSQLite, DSN: ":memory:"}, logger.Discard())
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, db.UpsertStore(ctx, &models.Store{
		ID: testStore, OrganizationID: testOrg, Name: "Main", Platform: "shopify", IsActive: true,
	}))

	h := &harness{
		db:          db,
		files:       storage.NewLocalStore(afero.NewMemMapFs()),
		invalidator: &recordingInvalidator{},
	}
	return h.rebuild(t, opts...)
}

// rebuild replaces the orchestrator while keeping the database and files.
func (h *harness) rebuild(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	options := DefaultOptions()
	deps := Deps{
		Batches:     h.db,
		Tx:          h.db,
		Files:       h.files,
		Stores:      h.db,
		Invalidator: h.invalidator,
	}
	for _, opt := range opts {
		opt(&deps, &options)
	}
	if deps.Registry == nil {
		deps.Registry = NewRegistry(NewCSVStrategy(fx.MustTable(fx.DefaultBase, nil), testLimits(), options, logger.Discard()))
	}

	orch, err := NewOrchestrator(deps, options, logger.Discard())
	require.NoError(t, err)
	h.orch = orch
	return h
}

func (h *harness) transactions(t *testing.T) []*models.Transaction {
	t.Helper()
	txns, err := h.db.ListTransactions(context.Background(), store.TransactionFilter{StoreID: testStore})
	require.NoError(t, err)
	return txns
}

func fileRequest(data []byte) FileRequest {
	return FileRequest{OrganizationID: testOrg, StoreID: testStore, Filename: "balance.csv", Data: data}
}

// memTx is an in-memory TransactionStore for strategy tests.
type memTx struct {
	byKey map[string]*models.Transaction
	n     int
}

func newMemTx() *memTx {
	return &memTx{byKey: make(map[string]*models.Transaction)}
}

func (m *memTx) FindTransaction(_ context.Context, storeID, externalID string) (*models.Transaction, error) {
	if t, ok := m.byKey[storeID+"/"+externalID]; ok {
		c := *t
		return &c, nil
	}
	return nil, nil
}

func (m *memTx) CreateTransaction(_ context.Context, txn *models.Transaction) error {
	m.n++
	txn.ID = fmt.Sprintf("t%d", m.n)
	c := *txn
	m.byKey[txn.StoreID+"/"+txn.ExternalID] = &c
	return nil
}

func (m *memTx) UpdateTransaction(_ context.Context, txn *models.Transaction) error {
	c := *txn
	m.byKey[txn.StoreID+"/"+txn.ExternalID] = &c
	return nil
}
