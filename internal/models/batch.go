package models

import (
	"fmt"
	"time"

	engerrors "ledger-import-engine/pkg/errors"
)

// ImportType identifies the input shape a batch was created from.
type ImportType string

const (
	ImportTypeCSV     ImportType = "csv"
	ImportTypeShopify ImportType = "shopify"
)

// BatchStatus is the lifecycle state of an import batch
type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
)

// IsTerminal reports whether the status is completed or failed.
func (s BatchStatus) IsTerminal() bool {
	return s == BatchCompleted || s == BatchFailed
}

// AllowedTransitions lists the legal next states for each batch status.
// failed -> pending is the reprocess transition; completed is final.
func AllowedTransitions() map[BatchStatus][]BatchStatus {
	return map[BatchStatus][]BatchStatus{
		BatchPending:    {BatchProcessing, BatchFailed},
		BatchProcessing: {BatchCompleted, BatchFailed},
		BatchFailed:     {BatchPending},
		BatchCompleted:  {},
	}
}

// CanTransition checks if a batch may move from one status to another
func CanTransition(from, to BatchStatus) bool {
	for _, next := range AllowedTransitions()[from] {
		if next == to {
			return true
		}
	}
	return false
}

// InvalidTransitionError is returned when a batch is asked to make an
// illegal status change.
type InvalidTransitionError struct {
	BatchID string
	From    BatchStatus
	To      BatchStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid batch transition from %s to %s for batch %s", e.From, e.To, e.BatchID)
}

// ImportSummary describes what a finished batch contained.
type ImportSummary struct {
	Format          string     `json:"format,omitempty"`
	Confidence      float64    `json:"confidence,omitempty"`
	PrimaryCurrency string     `json:"primary_currency,omitempty"`
	DateFrom        *time.Time `json:"date_from,omitempty"`
	DateTo          *time.Time `json:"date_to,omitempty"`
	Message         string     `json:"message,omitempty"`
}

// ImportBatch is one tracked unit of import work.
type ImportBatch struct {
	ID             string               `json:"id"`
	OrganizationID string               `json:"organization_id"`
	StoreID        string               `json:"store_id"`
	ImportType     ImportType           `json:"import_type"`
	Source         string               `json:"source,omitempty"`
	Status         BatchStatus          `json:"status"`
	Filename       string               `json:"filename,omitempty"`
	FileHash       string               `json:"file_hash,omitempty"`
	FileHandle     string               `json:"file_handle,omitempty"`
	Params         map[string]string    `json:"params,omitempty"`
	TotalRecords   int                  `json:"total_records"`
	Successful     int                  `json:"successful"`
	Failed         int                  `json:"failed"`
	Duplicates     int                  `json:"duplicates"`
	Skipped        int                  `json:"skipped"`
	Errors         []engerrors.RowError `json:"errors,omitempty"`
	ErrorMessage   string               `json:"error_message,omitempty"`
	Summary        *ImportSummary       `json:"summary,omitempty"`
	ClaimedBy      string               `json:"claimed_by,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`
	StartedAt      *time.Time           `json:"started_at,omitempty"`
	CompletedAt    *time.Time           `json:"completed_at,omitempty"`
}

// Transition moves the batch to the next status, stamping timestamps.
func (b *ImportBatch) Transition(to BatchStatus, at time.Time) error {
	if !CanTransition(b.Status, to) {
		return &InvalidTransitionError{BatchID: b.ID, From: b.Status, To: to}
	}

	switch to {
	case BatchProcessing:
		b.StartedAt = &at
	case BatchCompleted, BatchFailed:
		b.CompletedAt = &at
	case BatchPending:
		b.resetResults()
	}
	b.Status = to
	return nil
}

// resetResults clears everything a previous attempt produced.
func (b *ImportBatch) resetResults() {
	b.TotalRecords = 0
	b.Successful = 0
	b.Failed = 0
	b.Duplicates = 0
	b.Skipped = 0
	b.Errors = nil
	b.ErrorMessage = ""
	b.Summary = nil
	b.ClaimedBy = ""
	b.StartedAt = nil
	b.CompletedAt = nil
}

// Processed returns the number of records that reached an outcome.
func (b *ImportBatch) Processed() int {
	return b.Successful + b.Failed + b.Duplicates + b.Skipped
}
