package reconciler

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"ledger-import-engine/internal/fx"
	"ledger-import-engine/internal/models"
	"ledger-import-engine/internal/store"
	"ledger-import-engine/pkg/logger"
)

// balances is everything a computation reads from the balance source.
type balances struct {
	stores     []models.Store
	banks      []models.BankAccount
	processors []models.ProcessorAccount
	inventory  []models.InventoryItem
}

// compute builds a fresh result. The breakdown is always populated.
func (s *Service) compute(ctx context.Context, organizationID string) (*models.ReconciliationResult, error) {
	started := time.Now()
	log := s.logger.WithField("organization_id", organizationID)

	b, err := s.loadBalances(ctx, organizationID)
	if err != nil {
		return nil, err
	}

	res := &models.ReconciliationResult{
		OrganizationID: organizationID,
		Currency:       s.currency,
		Tolerance:      s.tolerance,
		ComputedAt:     s.now(),
		Breakdown: models.Breakdown{
			BankAccounts:      []models.AccountBalance{},
			ProcessorAccounts: []models.AccountBalance{},
			Stores:            []models.StoreLedger{},
		},
	}

	cash := decimal.Zero
	for _, a := range b.banks {
		if !a.IsActive {
			continue
		}
		converted, err := s.rates.Convert(a.CurrentBalance, a.Currency, s.currency)
		if err != nil {
			return nil, err
		}
		cash = cash.Add(converted)
		res.Breakdown.BankAccounts = append(res.Breakdown.BankAccounts, models.AccountBalance{
			ID: a.ID, Name: a.Name, Currency: a.Currency,
			Current: a.CurrentBalance, Pending: decimal.Zero, Converted: converted,
		})
	}
	for _, p := range b.processors {
		if !p.IsActive {
			continue
		}
		converted, err := s.rates.Convert(p.Total(), p.Currency, s.currency)
		if err != nil {
			return nil, err
		}
		cash = cash.Add(converted)
		res.Breakdown.ProcessorAccounts = append(res.Breakdown.ProcessorAccounts, models.AccountBalance{
			ID: p.ID, Name: p.Name, Currency: p.Currency,
			Current: p.CurrentBalance, Pending: p.PendingBalance, Converted: converted,
		})
	}

	inventory := decimal.Zero
	for _, item := range b.inventory {
		if !item.IsActive {
			continue
		}
		currency := item.Currency
		if currency == "" {
			currency = s.currency
		}
		converted, err := s.rates.Convert(item.Valuation(), currency, s.currency)
		if err != nil {
			return nil, err
		}
		inventory = inventory.Add(converted)
		res.Breakdown.Inventory.ActiveItems++
	}
	res.Breakdown.Inventory.Total = inventory

	ledger := decimal.Zero
	// Inactive stores still count: their money sits in the accounts above.
	for _, st := range b.stores {
		sl, err := s.storeLedger(ctx, st)
		if err != nil {
			return nil, err
		}
		ledger = ledger.Add(sl.Net)
		res.Breakdown.Stores = append(res.Breakdown.Stores, sl)
	}

	res.CashTotal = cash
	res.InventoryTotal = inventory
	res.CalculatedBalance = ledger
	res.Difference = cash.Add(inventory).Sub(ledger)
	res.IsValid = models.CompareAmountsWithTolerance(cash.Add(inventory), ledger, s.tolerance)

	entry := log.WithFields(logger.Fields{
		"cash":       res.CashTotal.StringFixed(2),
		"inventory":  res.InventoryTotal.StringFixed(2),
		"ledger":     res.CalculatedBalance.StringFixed(2),
		"difference": res.Difference.StringFixed(2),
		"elapsed":    time.Since(started),
	})
	if res.IsValid {
		entry.Info("Balances reconcile")
	} else {
		entry.Warn("Balances do not reconcile")
	}
	return res, nil
}

// loadBalances reads the four balance sources concurrently.
func (s *Service) loadBalances(ctx context.Context, organizationID string) (*balances, error) {
	var b balances
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() (err error) {
		b.stores, err = s.source.ListStores(gctx, organizationID)
		return err
	})
	g.Go(func() (err error) {
		b.banks, err = s.source.ListBankAccounts(gctx, organizationID)
		return err
	})
	g.Go(func() (err error) {
		b.processors, err = s.source.ListProcessorAccounts(gctx, organizationID)
		return err
	})
	g.Go(func() (err error) {
		b.inventory, err = s.source.ListInventoryItems(gctx, organizationID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(b.stores, func(i, j int) bool { return b.stores[i].ID < b.stores[j].ID })
	return &b, nil
}

// storeLedger sums one store's approved business activity in the
// reporting currency.
func (s *Service) storeLedger(ctx context.Context, st models.Store) (models.StoreLedger, error) {
	sl := models.StoreLedger{StoreID: st.ID, Name: st.Name, IsActive: st.IsActive}

	income, err := s.ledger.SumTransactions(ctx, store.TransactionFilter{
		StoreID:               st.ID,
		Type:                  models.TransactionTypeIncome,
		Status:                models.StatusApproved,
		ExcludeClassification: models.ClassificationPersonal,
	})
	if err != nil {
		return sl, err
	}
	expense, err := s.ledger.SumTransactions(ctx, store.TransactionFilter{
		StoreID:               st.ID,
		Type:                  models.TransactionTypeExpense,
		Status:                models.StatusApproved,
		ExcludeClassification: models.ClassificationPersonal,
	})
	if err != nil {
		return sl, err
	}
	personal, err := s.ledger.SumTransactions(ctx, store.TransactionFilter{
		StoreID:        st.ID,
		Status:         models.StatusApproved,
		Classification: models.ClassificationPersonal,
	})
	if err != nil {
		return sl, err
	}

	// Sums are kept in USD.
	if sl.Income, err = s.rates.Convert(income.Total, fx.DefaultBase, s.currency); err != nil {
		return sl, err
	}
	if sl.Expense, err = s.rates.Convert(expense.Total, fx.DefaultBase, s.currency); err != nil {
		return sl, err
	}
	sl.Net = sl.Income.Sub(sl.Expense)
	sl.IncomeCount = income.Count
	sl.ExpenseCount = expense.Count
	sl.ExcludedPersonal = personal.Count
	return sl, nil
}
