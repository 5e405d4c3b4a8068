package sqlstore

import (
	"context"
	"database/sql"
	"errors"

	"ledger-import-engine/internal/models"
)

// UpsertStore inserts or replaces a store record.
func (c *conn) UpsertStore(ctx context.Context, s *models.Store) error {
	_, err := c.exec(ctx, `INSERT INTO stores (id, organization_id, name, platform, is_active)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			organization_id = excluded.organization_id, name = excluded.name,
			platform = excluded.platform, is_active = excluded.is_active`,
		s.ID, s.OrganizationID, s.Name, s.Platform, boolToInt(s.IsActive))
	return mapWriteError(err, "upsert store")
}

// GetStore loads a store by id.
func (c *conn) GetStore(ctx context.Context, id string) (*models.Store, error) {
	var s models.Store
	err := c.queryRow(ctx, `SELECT id, organization_id, name, platform, is_active FROM stores WHERE id = ?`, id).
		Scan(&s.ID, &s.OrganizationID, &s.Name, &s.Platform, &s.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("store", id)
	}
	if err != nil {
		return nil, readError(err, "store")
	}
	return &s, nil
}

// ListStores returns every store of the organization.
func (c *conn) ListStores(ctx context.Context, organizationID string) ([]models.Store, error) {
	rows, err := c.query(ctx, `SELECT id, organization_id, name, platform, is_active
		FROM stores WHERE organization_id = ? ORDER BY name, id`, organizationID)
	if err != nil {
		return nil, readError(err, "stores")
	}
	defer rows.Close()

	var stores []models.Store
	for rows.Next() {
		var s models.Store
		if err := rows.Scan(&s.ID, &s.OrganizationID, &s.Name, &s.Platform, &s.IsActive); err != nil {
			return nil, readError(err, "stores")
		}
		stores = append(stores, s)
	}
	return stores, wrapRowsErr(rows, "stores")
}

// UpsertBankAccount inserts or replaces a bank account.
func (c *conn) UpsertBankAccount(ctx context.Context, a *models.BankAccount) error {
	_, err := c.exec(ctx, `INSERT INTO bank_accounts (id, organization_id, name, currency, current_balance, is_active)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			organization_id = excluded.organization_id, name = excluded.name, currency = excluded.currency,
			current_balance = excluded.current_balance, is_active = excluded.is_active`,
		a.ID, a.OrganizationID, a.Name, models.NormalizeCurrency(a.Currency), a.CurrentBalance, boolToInt(a.IsActive))
	return mapWriteError(err, "upsert bank account")
}

// ListBankAccounts returns every bank account of the organization.
func (c *conn) ListBankAccounts(ctx context.Context, organizationID string) ([]models.BankAccount, error) {
	rows, err := c.query(ctx, `SELECT id, organization_id, name, currency, current_balance, is_active
		FROM bank_accounts WHERE organization_id = ? ORDER BY name, id`, organizationID)
	if err != nil {
		return nil, readError(err, "bank accounts")
	}
	defer rows.Close()

	var accounts []models.BankAccount
	for rows.Next() {
		var a models.BankAccount
		if err := rows.Scan(&a.ID, &a.OrganizationID, &a.Name, &a.Currency, &a.CurrentBalance, &a.IsActive); err != nil {
			return nil, readError(err, "bank accounts")
		}
		accounts = append(accounts, a)
	}
	return accounts, wrapRowsErr(rows, "bank accounts")
}

// UpsertProcessorAccount inserts or replaces a processor account.
func (c *conn) UpsertProcessorAccount(ctx context.Context, a *models.ProcessorAccount) error {
	_, err := c.exec(ctx, `INSERT INTO processor_accounts
		(id, organization_id, name, processor, currency, current_balance, pending_balance, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			organization_id = excluded.organization_id, name = excluded.name, processor = excluded.processor,
			currency = excluded.currency, current_balance = excluded.current_balance,
			pending_balance = excluded.pending_balance, is_active = excluded.is_active`,
		a.ID, a.OrganizationID, a.Name, a.Processor, models.NormalizeCurrency(a.Currency),
		a.CurrentBalance, a.PendingBalance, boolToInt(a.IsActive))
	return mapWriteError(err, "upsert processor account")
}

// ListProcessorAccounts returns every processor account of the organization.
func (c *conn) ListProcessorAccounts(ctx context.Context, organizationID string) ([]models.ProcessorAccount, error) {
	rows, err := c.query(ctx, `SELECT id, organization_id, name, processor, currency,
		current_balance, pending_balance, is_active
		FROM processor_accounts WHERE organization_id = ? ORDER BY name, id`, organizationID)
	if err != nil {
		return nil, readError(err, "processor accounts")
	}
	defer rows.Close()

	var accounts []models.ProcessorAccount
	for rows.Next() {
		var a models.ProcessorAccount
		if err := rows.Scan(&a.ID, &a.OrganizationID, &a.Name, &a.Processor, &a.Currency,
			&a.CurrentBalance, &a.PendingBalance, &a.IsActive); err != nil {
			return nil, readError(err, "processor accounts")
		}
		accounts = append(accounts, a)
	}
	return accounts, wrapRowsErr(rows, "processor accounts")
}

// UpsertInventoryItem inserts or replaces an inventory item.
func (c *conn) UpsertInventoryItem(ctx context.Context, item *models.InventoryItem) error {
	_, err := c.exec(ctx, `INSERT INTO inventory_items
		(id, organization_id, sku, name, quantity, unit_cost, currency, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			organization_id = excluded.organization_id, sku = excluded.sku, name = excluded.name,
			quantity = excluded.quantity, unit_cost = excluded.unit_cost,
			currency = excluded.currency, is_active = excluded.is_active`,
		item.ID, item.OrganizationID, item.SKU, item.Name, item.Quantity, item.UnitCost,
		models.NormalizeCurrency(item.Currency), boolToInt(item.IsActive))
	return mapWriteError(err, "upsert inventory item")
}

// ListInventoryItems returns every inventory item of the organization.
func (c *conn) ListInventoryItems(ctx context.Context, organizationID string) ([]models.InventoryItem, error) {
	rows, err := c.query(ctx, `SELECT id, organization_id, sku, name, quantity, unit_cost, currency, is_active
		FROM inventory_items WHERE organization_id = ? ORDER BY sku, id`, organizationID)
	if err != nil {
		return nil, readError(err, "inventory items")
	}
	defer rows.Close()

	var items []models.InventoryItem
	for rows.Next() {
		var item models.InventoryItem
		if err := rows.Scan(&item.ID, &item.OrganizationID, &item.SKU, &item.Name,
			&item.Quantity, &item.UnitCost, &item.Currency, &item.IsActive); err != nil {
			return nil, readError(err, "inventory items")
		}
		items = append(items, item)
	}
	return items, wrapRowsErr(rows, "inventory items")
}

func wrapRowsErr(rows *sql.Rows, resource string) error {
	if err := rows.Err(); err != nil {
		return readError(err, resource)
	}
	return nil
}
