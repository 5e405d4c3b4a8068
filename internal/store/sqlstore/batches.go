package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"ledger-import-engine/internal/models"
	"ledger-import-engine/internal/store"
	engerrors "ledger-import-engine/pkg/errors"
)

const batchColumns = `id, organization_id, store_id, import_type, source, status, filename,
	file_hash, file_handle, params, total_records, successful, failed, duplicates, skipped,
	errors, error_message, summary, claimed_by, created_at, started_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

// CreateBatch inserts a new batch. ID and CreatedAt are filled when empty.
func (c *conn) CreateBatch(ctx context.Context, b *models.ImportBatch) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = c.now().UTC()
	}
	if b.Status == "" {
		b.Status = models.BatchPending
	}

	enc, err := encodeBatch(b)
	if err != nil {
		return err
	}

	_, err = c.exec(ctx, `INSERT INTO import_batches (`+batchColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.OrganizationID, b.StoreID, string(b.ImportType), b.Source, string(b.Status), b.Filename,
		b.FileHash, b.FileHandle, enc.params, b.TotalRecords, b.Successful, b.Failed, b.Duplicates, b.Skipped,
		enc.errors, b.ErrorMessage, enc.summary, b.ClaimedBy, formatTime(b.CreatedAt),
		formatTimePtr(b.StartedAt), formatTimePtr(b.CompletedAt))
	return mapWriteError(err, "create batch")
}

// GetBatch loads a batch by id.
func (c *conn) GetBatch(ctx context.Context, id string) (*models.ImportBatch, error) {
	row := c.queryRow(ctx, `SELECT `+batchColumns+` FROM import_batches WHERE id = ?`, id)
	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("batch", id)
	}
	if err != nil {
		return nil, readError(err, "batch")
	}
	return b, nil
}

// FindCompletedByHash returns the latest completed batch with the hash.
func (c *conn) FindCompletedByHash(ctx context.Context, organizationID, fileHash string) (*models.ImportBatch, error) {
	if fileHash == "" {
		return nil, nil
	}

	row := c.queryRow(ctx, `SELECT `+batchColumns+` FROM import_batches
		WHERE organization_id = ? AND file_hash = ? AND status = ?
		ORDER BY completed_at DESC LIMIT 1`,
		organizationID, fileHash, string(models.BatchCompleted))
	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, readError(err, "batch")
	}
	return b, nil
}

// ClaimBatch is a compare-and-set from pending to processing.
func (c *conn) ClaimBatch(ctx context.Context, id, worker string, at time.Time) (bool, error) {
	res, err := c.exec(ctx, `UPDATE import_batches
		SET status = ?, claimed_by = ?, started_at = ?
		WHERE id = ? AND status = ?`,
		string(models.BatchProcessing), worker, formatTime(at), id, string(models.BatchPending))
	if err != nil {
		return false, mapWriteError(err, "claim batch")
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, engerrors.StorageError(engerrors.CodeWriteFailed, "claim batch", err)
	}
	return n == 1, nil
}

// FailBatch is a compare-and-set from processing to failed.
func (c *conn) FailBatch(ctx context.Context, id, message string, at time.Time) (bool, error) {
	res, err := c.exec(ctx, `UPDATE import_batches
		SET status = ?, error_message = ?, completed_at = ?
		WHERE id = ? AND status = ?`,
		string(models.BatchFailed), message, formatTime(at), id, string(models.BatchProcessing))
	if err != nil {
		return false, mapWriteError(err, "fail batch")
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, engerrors.StorageError(engerrors.CodeWriteFailed, "fail batch", err)
	}
	return n == 1, nil
}

// UpdateBatch writes every mutable column of the batch.
func (c *conn) UpdateBatch(ctx context.Context, b *models.ImportBatch) error {
	enc, err := encodeBatch(b)
	if err != nil {
		return err
	}

	res, err := c.exec(ctx, `UPDATE import_batches SET
		store_id = ?, source = ?, status = ?, filename = ?, file_hash = ?, file_handle = ?, params = ?,
		total_records = ?, successful = ?, failed = ?, duplicates = ?, skipped = ?,
		errors = ?, error_message = ?, summary = ?, claimed_by = ?, started_at = ?, completed_at = ?
		WHERE id = ?`,
		b.StoreID, b.Source, string(b.Status), b.Filename, b.FileHash, b.FileHandle, enc.params,
		b.TotalRecords, b.Successful, b.Failed, b.Duplicates, b.Skipped,
		enc.errors, b.ErrorMessage, enc.summary, b.ClaimedBy,
		formatTimePtr(b.StartedAt), formatTimePtr(b.CompletedAt), b.ID)
	if err != nil {
		return mapWriteError(err, "update batch")
	}

	n, err := res.RowsAffected()
	if err != nil {
		return engerrors.StorageError(engerrors.CodeWriteFailed, "update batch", err)
	}
	if n == 0 {
		return notFound("batch", b.ID)
	}
	return nil
}

// ListBatches returns batches newest first.
func (c *conn) ListBatches(ctx context.Context, filter store.BatchFilter) ([]*models.ImportBatch, error) {
	var (
		where []string
		args  []any
	)
	if filter.OrganizationID != "" {
		where = append(where, "organization_id = ?")
		args = append(args, filter.OrganizationID)
	}
	if filter.StoreID != "" {
		where = append(where, "store_id = ?")
		args = append(args, filter.StoreID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := `SELECT ` + batchColumns + ` FROM import_batches`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := c.query(ctx, query, args...)
	if err != nil {
		return nil, readError(err, "batches")
	}
	defer rows.Close()

	var batches []*models.ImportBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, readError(err, "batches")
		}
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, readError(err, "batches")
	}
	return batches, nil
}

type encodedBatch struct {
	params  string
	errors  string
	summary string
}

func encodeBatch(b *models.ImportBatch) (encodedBatch, error) {
	var enc encodedBatch

	params := b.Params
	if params == nil {
		params = map[string]string{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return enc, engerrors.InternalError(engerrors.CodeUnexpectedError, "encode batch params", err)
	}
	enc.params = string(raw)

	rowErrs := b.Errors
	if rowErrs == nil {
		rowErrs = []engerrors.RowError{}
	}
	if raw, err = json.Marshal(rowErrs); err != nil {
		return enc, engerrors.InternalError(engerrors.CodeUnexpectedError, "encode batch errors", err)
	}
	enc.errors = string(raw)

	if b.Summary != nil {
		if raw, err = json.Marshal(b.Summary); err != nil {
			return enc, engerrors.InternalError(engerrors.CodeUnexpectedError, "encode batch summary", err)
		}
		enc.summary = string(raw)
	}
	return enc, nil
}

func scanBatch(row rowScanner) (*models.ImportBatch, error) {
	var (
		b                        models.ImportBatch
		importType, status       string
		params, rowErrs, summary string
		createdAt                string
		startedAt, completedAt   sql.NullString
	)

	err := row.Scan(&b.ID, &b.OrganizationID, &b.StoreID, &importType, &b.Source, &status, &b.Filename,
		&b.FileHash, &b.FileHandle, &params, &b.TotalRecords, &b.Successful, &b.Failed, &b.Duplicates, &b.Skipped,
		&rowErrs, &b.ErrorMessage, &summary, &b.ClaimedBy, &createdAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	b.ImportType = models.ImportType(importType)
	b.Status = models.BatchStatus(status)

	if params != "" {
		if err := json.Unmarshal([]byte(params), &b.Params); err != nil {
			return nil, fmt.Errorf("decode batch params: %w", err)
		}
	}
	if rowErrs != "" {
		if err := json.Unmarshal([]byte(rowErrs), &b.Errors); err != nil {
			return nil, fmt.Errorf("decode batch errors: %w", err)
		}
		if len(b.Errors) == 0 {
			b.Errors = nil
		}
	}
	if summary != "" {
		b.Summary = &models.ImportSummary{}
		if err := json.Unmarshal([]byte(summary), b.Summary); err != nil {
			return nil, fmt.Errorf("decode batch summary: %w", err)
		}
	}

	if b.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if b.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return nil, err
	}
	if b.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return nil, err
	}
	return &b, nil
}
