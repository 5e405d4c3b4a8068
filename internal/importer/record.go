package importer

import (
	"context"
	"fmt"
	"sort"
	"time"

	"ledger-import-engine/internal/models"
	engerrors "ledger-import-engine/pkg/errors"
	"ledger-import-engine/pkg/logger"
)

// recorder classifies record outcomes, writes transactions through the
// job's unit of work and keeps the running counters of one attempt.
type recorder struct {
	job     *Job
	opts    Options
	total   int
	result  Result
	errs    *engerrors.RowErrorCollector
	seen    map[string]bool
	tracker *logger.ProgressTracker

	currencies map[string]int
	from, to   time.Time
	processed  int
}

func newRecorder(job *Job, opts Options, total int, operation string, log logger.Logger) *recorder {
	return &recorder{
		job:        job,
		opts:       opts,
		total:      total,
		errs:       engerrors.NewRowErrorCollector(opts.MaxRowErrors),
		seen:       make(map[string]bool),
		currencies: make(map[string]int),
		tracker: logger.NewProgressTracker(logger.ProgressConfig{
			Operation: operation,
			Total:     int64(total),
			Every:     int64(opts.CheckpointEvery),
			Logger:    log,
		}),
	}
}

// fail records a per-record failure. Processing continues.
func (r *recorder) fail(row int, err error) {
	r.result.Failed++
	r.errs.Add(row, err)
	r.step()
}

// skip records a record that is deliberately not imported.
func (r *recorder) skip() {
	r.result.Skipped++
	r.step()
}

// apply writes txn unless it duplicates an existing or earlier record.
// Errors returned here come from the store and abort the attempt.
func (r *recorder) apply(ctx context.Context, txn *models.Transaction) error {
	defer r.step()

	if txn.ExternalID != "" {
		if r.seen[txn.ExternalID] {
			r.result.Duplicates++
			r.observe(txn)
			return nil
		}
		r.seen[txn.ExternalID] = true

		existing, err := r.job.Tx.FindTransaction(ctx, txn.StoreID, txn.ExternalID)
		if err != nil {
			return err
		}
		if existing != nil {
			if existing.SameContent(txn) {
				r.result.Duplicates++
				r.observe(txn)
				return nil
			}

			txn.ID = existing.ID
			txn.CreatedAt = existing.CreatedAt
			if err := r.job.Tx.UpdateTransaction(ctx, txn); err != nil {
				return err
			}
			r.result.Successful++
			r.result.Updated++
			r.observe(txn)
			return nil
		}
	}

	if err := r.job.Tx.CreateTransaction(ctx, txn); err != nil {
		return err
	}
	r.result.Successful++
	r.result.Created++
	r.observe(txn)
	return nil
}

func (r *recorder) observe(txn *models.Transaction) {
	r.currencies[txn.Currency]++
	if r.from.IsZero() || txn.Date.Before(r.from) {
		r.from = txn.Date
	}
	if txn.Date.After(r.to) {
		r.to = txn.Date
	}
}

func (r *recorder) step() {
	r.processed++
	r.tracker.Increment()

	if r.job.Checkpoint != nil && r.opts.CheckpointEvery > 0 && r.processed%r.opts.CheckpointEvery == 0 {
		r.job.Checkpoint(r.checkpoint())
	}
}

func (r *recorder) checkpoint() Checkpoint {
	return Checkpoint{
		Processed:  r.processed,
		Total:      r.total,
		Successful: r.result.Successful,
		Failed:     r.result.Failed,
		Duplicates: r.result.Duplicates,
		Skipped:    r.result.Skipped,
	}
}

// finish computes the final result. The attempt fails when nothing
// succeeded but something failed, or when the failure ratio is exceeded.
func (r *recorder) finish(summary models.ImportSummary) *Result {
	res := r.result
	res.Total = r.processed
	res.Errors = r.errs.Rows()
	res.ErrorCount = r.errs.Total()

	summary.PrimaryCurrency = primaryCurrency(r.currencies)
	if !r.from.IsZero() {
		from, to := r.from, r.to
		summary.DateFrom, summary.DateTo = &from, &to
	}

	res.Success = true
	switch {
	case res.Successful == 0 && res.Failed > 0:
		res.Success = false
	case r.opts.MaxFailureRatio > 0 && res.Total > 0 &&
		float64(res.Failed)/float64(res.Total) > r.opts.MaxFailureRatio:
		res.Success = false
	}

	res.Message = fmt.Sprintf("%d imported (%d created, %d updated), %d duplicates, %d skipped, %d failed",
		res.Successful, res.Created, res.Updated, res.Duplicates, res.Skipped, res.Failed)
	if res.ErrorCount > 0 {
		res.Message += "; " + engerrors.SummarizeRows(res.Errors, res.ErrorCount)
	}
	summary.Message = res.Message
	res.Summary = summary

	if res.Success {
		r.tracker.Complete()
	} else {
		r.tracker.CompleteWithError(fmt.Errorf("%s", res.Message))
	}
	return &res
}

// primaryCurrency is the most frequent currency; ties go to the
// alphabetically first code.
func primaryCurrency(counts map[string]int) string {
	codes := make([]string, 0, len(counts))
	for code := range counts {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	best := ""
	for _, code := range codes {
		if best == "" || counts[code] > counts[best] {
			best = code
		}
	}
	return best
}
