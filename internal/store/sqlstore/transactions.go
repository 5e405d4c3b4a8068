package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ledger-import-engine/internal/models"
	"ledger-import-engine/internal/store"
	engerrors "ledger-import-engine/pkg/errors"
)

const transactionColumns = `id, store_id, external_id, type, category, classification, amount, currency,
	amount_usd, date, description, status, source, metadata, batch_id, created_at, updated_at`

// FindTransaction looks up a transaction by store and external id.
func (c *conn) FindTransaction(ctx context.Context, storeID, externalID string) (*models.Transaction, error) {
	if externalID == "" {
		return nil, nil
	}

	row := c.queryRow(ctx, `SELECT `+transactionColumns+` FROM transactions
		WHERE store_id = ? AND external_id = ?`, storeID, externalID)
	txn, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, readError(err, "transaction")
	}
	return txn, nil
}

// CreateTransaction inserts txn. A second row for the same (store,
// external id) is an integrity error.
func (c *conn) CreateTransaction(ctx context.Context, txn *models.Transaction) error {
	if txn.ID == "" {
		txn.ID = uuid.NewString()
	}
	now := c.now().UTC()
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = now
	}
	txn.UpdatedAt = now

	metadata, err := encodeMetadata(txn.Metadata)
	if err != nil {
		return err
	}

	_, err = c.exec(ctx, `INSERT INTO transactions (`+transactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		txn.ID, txn.StoreID, txn.ExternalID, string(txn.Type), txn.Category, string(txn.Classification),
		txn.Amount, txn.Currency, txn.AmountUSD, formatTime(txn.Date), txn.Description, string(txn.Status),
		txn.Source, metadata, txn.BatchID, formatTime(txn.CreatedAt), formatTime(txn.UpdatedAt))
	return mapWriteError(err, "create transaction")
}

// UpdateTransaction rewrites the content of an existing transaction.
func (c *conn) UpdateTransaction(ctx context.Context, txn *models.Transaction) error {
	txn.UpdatedAt = c.now().UTC()

	metadata, err := encodeMetadata(txn.Metadata)
	if err != nil {
		return err
	}

	res, err := c.exec(ctx, `UPDATE transactions SET
		type = ?, category = ?, classification = ?, amount = ?, currency = ?, amount_usd = ?, date = ?,
		description = ?, status = ?, source = ?, metadata = ?, batch_id = ?, updated_at = ?
		WHERE id = ?`,
		string(txn.Type), txn.Category, string(txn.Classification), txn.Amount, txn.Currency, txn.AmountUSD,
		formatTime(txn.Date), txn.Description, string(txn.Status), txn.Source, metadata, txn.BatchID,
		formatTime(txn.UpdatedAt), txn.ID)
	if err != nil {
		return mapWriteError(err, "update transaction")
	}

	n, err := res.RowsAffected()
	if err != nil {
		return engerrors.StorageError(engerrors.CodeWriteFailed, "update transaction", err)
	}
	if n == 0 {
		return notFound("transaction", txn.ID)
	}
	return nil
}

// ListTransactions returns matching transactions ordered by date.
func (c *conn) ListTransactions(ctx context.Context, filter store.TransactionFilter) ([]*models.Transaction, error) {
	where, args := transactionWhere(filter)

	query := `SELECT ` + transactionColumns + ` FROM transactions` + where + ` ORDER BY date, id`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := c.query(ctx, query, args...)
	if err != nil {
		return nil, readError(err, "transactions")
	}
	defer rows.Close()

	var txns []*models.Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, readError(err, "transactions")
		}
		txns = append(txns, txn)
	}
	if err := rows.Err(); err != nil {
		return nil, readError(err, "transactions")
	}
	return txns, nil
}

// SumTransactions totals AmountUSD over matching transactions. Amounts are
// stored as text, so the sum is computed in decimal arithmetic here rather
// than by the database.
func (c *conn) SumTransactions(ctx context.Context, filter store.TransactionFilter) (store.Sum, error) {
	where, args := transactionWhere(filter)

	rows, err := c.query(ctx, `SELECT amount_usd FROM transactions`+where, args...)
	if err != nil {
		return store.Sum{}, readError(err, "transactions")
	}
	defer rows.Close()

	sum := store.Sum{Total: decimal.Zero}
	for rows.Next() {
		var amount decimal.Decimal
		if err := rows.Scan(&amount); err != nil {
			return store.Sum{}, readError(err, "transactions")
		}
		sum.Total = sum.Total.Add(amount)
		sum.Count++
	}
	if err := rows.Err(); err != nil {
		return store.Sum{}, readError(err, "transactions")
	}
	return sum, nil
}

func transactionWhere(f store.TransactionFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, arg any) {
		where = append(where, clause)
		args = append(args, arg)
	}

	if f.StoreID != "" {
		add("store_id = ?", f.StoreID)
	}
	if f.BatchID != "" {
		add("batch_id = ?", f.BatchID)
	}
	if f.Type != "" {
		add("type = ?", string(f.Type))
	}
	if f.Status != "" {
		add("status = ?", string(f.Status))
	}
	if f.Category != "" {
		add("category = ?", f.Category)
	}
	if f.Classification != "" {
		add("classification = ?", string(f.Classification))
	}
	if f.ExcludeClassification != "" {
		add("classification <> ?", string(f.ExcludeClassification))
	}
	if f.From != nil {
		add("date >= ?", formatTime(*f.From))
	}
	if f.To != nil {
		add("date <= ?", formatTime(*f.To))
	}

	if len(where) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(where, " AND "), args
}

func encodeMetadata(m map[string]string) (string, error) {
	if m == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "", engerrors.InternalError(engerrors.CodeUnexpectedError, "encode transaction metadata", err)
	}
	return string(raw), nil
}

func scanTransaction(row rowScanner) (*models.Transaction, error) {
	var (
		txn                                  models.Transaction
		txnType, classification, status      string
		date, metadata, createdAt, updatedAt string
	)

	err := row.Scan(&txn.ID, &txn.StoreID, &txn.ExternalID, &txnType, &txn.Category, &classification,
		&txn.Amount, &txn.Currency, &txn.AmountUSD, &date, &txn.Description, &status, &txn.Source,
		&metadata, &txn.BatchID, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	txn.Type = models.TransactionType(txnType)
	txn.Classification = models.Classification(classification)
	txn.Status = models.TransactionStatus(status)

	if metadata != "" && metadata != "{}" {
		if err := json.Unmarshal([]byte(metadata), &txn.Metadata); err != nil {
			return nil, fmt.Errorf("decode transaction metadata: %w", err)
		}
	}
	if txn.Date, err = parseTime(date); err != nil {
		return nil, err
	}
	if txn.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if txn.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &txn, nil
}
