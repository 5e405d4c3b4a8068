package importer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"ledger-import-engine/internal/models"
	"ledger-import-engine/internal/storage"
	"ledger-import-engine/internal/store"
	engerrors "ledger-import-engine/pkg/errors"
	"ledger-import-engine/pkg/logger"
)

// Invalidator drops cached derived data of an organization after new
// transactions are committed.
type Invalidator interface {
	Invalidate(organizationID string)
}

// Deps are the collaborators of an Orchestrator. Stores, Credentials and
// Invalidator are optional.
type Deps struct {
	Batches     store.BatchStore
	Tx          store.TxRunner
	Files       storage.FileStore
	Registry    *Registry
	Progress    *ProgressRegistry
	Stores      store.StoreDirectory
	Credentials CredentialSource
	Invalidator Invalidator
}

// FileRequest submits an uploaded export.
type FileRequest struct {
	OrganizationID string
	StoreID        string
	Filename       string
	Data           []byte
	// Force imports content that an earlier batch already completed.
	Force bool
}

// SyncRequest submits an API pull for a store.
type SyncRequest struct {
	OrganizationID string
	StoreID        string
	Since          time.Time
}

// Orchestrator owns the batch lifecycle:
//
//	pending -> processing -> completed | failed
//	failed  -> pending (reprocess)
//
// Every transaction write of one attempt and the final batch counters are
// committed in a single database transaction.
type Orchestrator struct {
	deps     Deps
	opts     Options
	workerID string
	now      func() time.Time
	logger   logger.Logger
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(deps Deps, opts Options, log logger.Logger) (*Orchestrator, error) {
	if deps.Batches == nil || deps.Tx == nil || deps.Registry == nil {
		return nil, engerrors.ConfigurationError(engerrors.CodeMissingConfig, "importer", nil,
			fmt.Errorf("batch store, transaction runner and strategy registry are required"))
	}
	if err := opts.Validate(); err != nil {
		return nil, engerrors.ConfigurationError(engerrors.CodeInvalidConfig, "import", opts, err)
	}
	if deps.Progress == nil {
		deps.Progress = NewProgressRegistry()
	}

	return &Orchestrator{
		deps:     deps,
		opts:     opts,
		workerID: "worker-" + uuid.NewString()[:8],
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger.OrDefault(log).WithComponent("import_orchestrator"),
	}, nil
}

// SetClock replaces the time source.
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.now = now
}

// Progress returns the live progress registry.
func (o *Orchestrator) Progress() *ProgressRegistry {
	return o.deps.Progress
}

// HashContent returns the hex SHA-256 of data.
func HashContent(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// FindDuplicate returns the completed batch of the organization that
// already imported data, or nil.
func (o *Orchestrator) FindDuplicate(ctx context.Context, organizationID string, data []byte) (*models.ImportBatch, error) {
	return o.deps.Batches.FindCompletedByHash(ctx, organizationID, HashContent(data))
}

// SubmitFile stores the upload and creates a pending batch for it.
func (o *Orchestrator) SubmitFile(ctx context.Context, req FileRequest) (*models.ImportBatch, error) {
	if err := o.checkOwner(ctx, req.OrganizationID, req.StoreID); err != nil {
		return nil, err
	}
	if len(req.Data) == 0 {
		return nil, engerrors.ValidationError(engerrors.CodeEmptyInput, "file_content", "empty", nil)
	}
	if o.deps.Files == nil {
		return nil, engerrors.ConfigurationError(engerrors.CodeMissingConfig, "storage", nil,
			fmt.Errorf("file storage is not configured"))
	}

	hash := HashContent(req.Data)
	if !req.Force {
		existing, err := o.deps.Batches.FindCompletedByHash(ctx, req.OrganizationID, hash)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return nil, engerrors.ValidationError(engerrors.CodeDuplicateFile, "file_hash", existing.ID, nil).
				WithContext("batch_id", existing.ID).
				WithContext("file_hash", hash).
				WithSuggestion("use force to import the same file again")
		}
	}

	handle, err := o.deps.Files.Put(ctx, storage.ObjectKey(hash, req.Filename), req.Data)
	if err != nil {
		return nil, err
	}

	batch := &models.ImportBatch{
		OrganizationID: req.OrganizationID,
		StoreID:        req.StoreID,
		ImportType:     models.ImportTypeCSV,
		Status:         models.BatchPending,
		Filename:       req.Filename,
		FileHash:       hash,
		FileHandle:     handle,
		CreatedAt:      o.now(),
	}
	if err := o.deps.Batches.CreateBatch(ctx, batch); err != nil {
		return nil, err
	}

	o.logger.WithFields(logger.Fields{
		"batch_id": batch.ID,
		"store_id": batch.StoreID,
		"filename": batch.Filename,
		"bytes":    len(req.Data),
	}).Info("Created import batch")
	return batch, nil
}

// SubmitSync creates a pending API batch for a store.
func (o *Orchestrator) SubmitSync(ctx context.Context, req SyncRequest) (*models.ImportBatch, error) {
	if err := o.checkOwner(ctx, req.OrganizationID, req.StoreID); err != nil {
		return nil, err
	}

	params := map[string]string{}
	if !req.Since.IsZero() {
		params["since"] = req.Since.UTC().Format(time.RFC3339)
	}

	batch := &models.ImportBatch{
		OrganizationID: req.OrganizationID,
		StoreID:        req.StoreID,
		ImportType:     models.ImportTypeShopify,
		Status:         models.BatchPending,
		Params:         params,
		CreatedAt:      o.now(),
	}
	if err := o.deps.Batches.CreateBatch(ctx, batch); err != nil {
		return nil, err
	}

	o.logger.WithFields(logger.Fields{
		"batch_id": batch.ID,
		"store_id": batch.StoreID,
	}).Info("Created sync batch")
	return batch, nil
}

// Import submits and runs a file synchronously.
func (o *Orchestrator) Import(ctx context.Context, req FileRequest) (*models.ImportBatch, error) {
	batch, err := o.SubmitFile(ctx, req)
	if err != nil {
		return nil, err
	}
	return o.Run(ctx, batch.ID)
}

// Sync submits and runs an API pull synchronously.
func (o *Orchestrator) Sync(ctx context.Context, req SyncRequest) (*models.ImportBatch, error) {
	batch, err := o.SubmitSync(ctx, req)
	if err != nil {
		return nil, err
	}
	return o.Run(ctx, batch.ID)
}

// Reprocess moves a failed batch back to pending. Only failed batches can
// be reprocessed; the caller runs the batch again.
func (o *Orchestrator) Reprocess(ctx context.Context, batchID string) (*models.ImportBatch, error) {
	batch, err := o.deps.Batches.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}

	from := batch.Status
	if err := batch.Transition(models.BatchPending, o.now()); err != nil {
		return nil, engerrors.ValidationError(engerrors.CodeInvalidTransition, "status", string(from), err).
			WithContext("batch_id", batchID).
			WithSuggestion("only failed batches can be reprocessed")
	}
	if err := o.deps.Batches.UpdateBatch(ctx, batch); err != nil {
		return nil, err
	}

	o.logger.WithField("batch_id", batchID).Info("Batch reset for reprocessing")
	return batch, nil
}

// Run claims a pending batch and processes it to a terminal state. The
// returned batch is always the final state when it is non-nil; the error
// describes why the batch failed.
func (o *Orchestrator) Run(ctx context.Context, batchID string) (*models.ImportBatch, error) {
	claimed, err := o.deps.Batches.ClaimBatch(ctx, batchID, o.workerID, o.now())
	if err != nil {
		return nil, err
	}
	batch, err := o.deps.Batches.GetBatch(ctx, batchID)
	if err != nil {
		if claimed {
			o.abandonClaim(ctx, batchID, err)
		}
		return nil, err
	}
	if !claimed {
		return batch, engerrors.ValidationError(engerrors.CodeInvalidTransition, "status", string(batch.Status),
			fmt.Errorf("batch %s is %s and cannot be claimed", batchID, batch.Status)).
			WithContext("batch_id", batchID)
	}

	return o.execute(ctx, batch)
}

// abandonClaim fails a claimed batch whose row could not be loaded so that
// it can be reprocessed.
func (o *Orchestrator) abandonClaim(ctx context.Context, batchID string, cause error) {
	log := o.logger.WithField("batch_id", batchID)
	msg := "claimed batch could not be loaded: " + cause.Error()

	ok, err := o.deps.Batches.FailBatch(context.WithoutCancel(ctx), batchID, msg, o.now())
	switch {
	case err != nil:
		log.WithError(err).Error("Claimed batch left processing until stale recovery")
	case ok:
		log.WithError(cause).Warn("Claimed batch failed before processing")
	}
}

// RecoverStale fails batches that have been processing for longer than
// Options.StaleAfter and are not running here, such as batches left behind
// by a process that died. It returns how many were failed.
func (o *Orchestrator) RecoverStale(ctx context.Context) (int, error) {
	if o.opts.StaleAfter <= 0 {
		return 0, nil
	}

	batches, err := o.deps.Batches.ListBatches(ctx, store.BatchFilter{Status: models.BatchProcessing})
	if err != nil {
		return 0, err
	}

	now := o.now()
	cutoff := now.Add(-o.opts.StaleAfter)
	recovered := 0
	for _, b := range batches {
		if b.StartedAt != nil && b.StartedAt.After(cutoff) {
			continue
		}
		if _, running := o.deps.Progress.Get(b.ID); running {
			continue
		}

		msg := fmt.Sprintf("batch abandoned after more than %s in processing", o.opts.StaleAfter)
		ok, err := o.deps.Batches.FailBatch(ctx, b.ID, msg, now)
		if err != nil {
			return recovered, err
		}
		if ok {
			recovered++
			o.logger.WithFields(logger.Fields{
				"batch_id":   b.ID,
				"claimed_by": b.ClaimedBy,
			}).Warn("Failed stale batch")
		}
	}
	return recovered, nil
}

// Batch returns the stored state of a batch.
func (o *Orchestrator) Batch(ctx context.Context, batchID string) (*models.ImportBatch, error) {
	return o.deps.Batches.GetBatch(ctx, batchID)
}

// Batches lists batches newest first.
func (o *Orchestrator) Batches(ctx context.Context, filter store.BatchFilter) ([]*models.ImportBatch, error) {
	return o.deps.Batches.ListBatches(ctx, filter)
}

func (o *Orchestrator) execute(ctx context.Context, batch *models.ImportBatch) (out *models.ImportBatch, runErr error) {
	log := o.logger.WithFields(logger.Fields{
		"batch_id": batch.ID,
		"store_id": batch.StoreID,
		"type":     batch.ImportType,
	})
	started := time.Now()

	o.deps.Progress.Start(batch.ID)
	defer o.deps.Progress.Finish(batch.ID)

	defer func() {
		if r := recover(); r != nil {
			err := engerrors.InternalError(engerrors.CodePanic, "import", fmt.Errorf("panic: %v", r))
			log.WithError(err).Error("Import panicked")
			o.markFailed(ctx, batch, err, nil)
			out, runErr = batch, err
		}
	}()

	in, err := o.loadInput(ctx, batch)
	if err != nil {
		return o.fail(ctx, log, batch, err, nil)
	}

	strategy, err := o.deps.Registry.Select(in)
	if err != nil {
		return o.fail(ctx, log, batch, err, nil)
	}
	if source, ok := strategy.DetectSource(ctx, in); ok {
		batch.Source = source
	}

	if errs := strategy.Validate(ctx, in); len(errs) > 0 {
		rows := make([]engerrors.RowError, 0, len(errs))
		for _, e := range errs {
			rows = append(rows, engerrors.RowErrorFrom(0, e))
		}
		batch.Errors = capRows(rows, o.opts.MaxRowErrors)
		return o.fail(ctx, log, batch, validationFailure(errs), nil)
	}

	var result *Result
	var final models.ImportBatch
	txErr := o.deps.Tx.WithinTx(ctx, func(tx store.Tx) error {
		job := &Job{
			Batch: batch,
			Tx:    tx,
			Checkpoint: func(cp Checkpoint) {
				o.deps.Progress.Update(batch.ID, cp)
			},
		}

		res, err := strategy.Process(ctx, job, in)
		if err != nil {
			return err
		}
		result = res
		if !res.Success {
			return errRolledBack
		}

		final = *batch
		applyResult(&final, res)
		if err := final.Transition(models.BatchCompleted, o.now()); err != nil {
			return engerrors.InternalError(engerrors.CodeInvalidTransition, "complete_batch", err)
		}
		return tx.UpdateBatch(ctx, &final)
	})

	if txErr != nil {
		if result != nil && !result.Success {
			err := engerrors.New(engerrors.KindIntegrity, engerrors.CodeRollback,
				"import rolled back: "+result.Message).
				WithRows(result.Errors, o.opts.MaxRowErrors)
			return o.fail(ctx, log, batch, err, result)
		}
		return o.fail(ctx, log, batch, txErr, result)
	}

	*batch = final
	if o.deps.Invalidator != nil {
		o.deps.Invalidator.Invalidate(batch.OrganizationID)
	}

	log.WithFields(logger.Fields{
		"successful": batch.Successful,
		"failed":     batch.Failed,
		"duplicates": batch.Duplicates,
		"skipped":    batch.Skipped,
		"elapsed":    time.Since(started),
	}).Info("Import completed")
	return batch, nil
}

var errRolledBack = fmt.Errorf("import result unsuccessful")

func (o *Orchestrator) fail(ctx context.Context, log logger.Logger, batch *models.ImportBatch, err error, result *Result) (*models.ImportBatch, error) {
	err = engerrors.WrapIfNeeded(err, engerrors.KindInternal, engerrors.CodeBatchFailed, "import failed")
	log.WithError(err).Warn("Import failed")
	o.markFailed(ctx, batch, err, result)
	return batch, err
}

// markFailed records the failure outside the import transaction, which
// has already been rolled back. Nothing written by the attempt survives.
func (o *Orchestrator) markFailed(ctx context.Context, batch *models.ImportBatch, err error, result *Result) {
	if result != nil {
		applyResult(batch, result)
	}
	if batch.Status != models.BatchFailed {
		if tErr := batch.Transition(models.BatchFailed, o.now()); tErr != nil {
			o.logger.WithError(tErr).WithField("batch_id", batch.ID).Error("Cannot mark batch failed")
			return
		}
	}
	batch.ErrorMessage = err.Error()
	if batch.Summary == nil {
		batch.Summary = &models.ImportSummary{}
	}
	batch.Summary.Message = batch.ErrorMessage

	ctx = context.WithoutCancel(ctx)
	if uErr := o.deps.Batches.UpdateBatch(ctx, batch); uErr != nil {
		log := o.logger.WithField("batch_id", batch.ID)
		log.WithError(uErr).Error("Failed to record batch failure")
		if _, fErr := o.deps.Batches.FailBatch(ctx, batch.ID, batch.ErrorMessage, o.now()); fErr != nil {
			log.WithError(fErr).Error("Batch left processing until stale recovery")
		}
	}
}

func (o *Orchestrator) loadInput(ctx context.Context, batch *models.ImportBatch) (*Input, error) {
	switch batch.ImportType {
	case models.ImportTypeCSV:
		if o.deps.Files == nil {
			return nil, engerrors.ConfigurationError(engerrors.CodeMissingConfig, "storage", nil,
				fmt.Errorf("file storage is not configured"))
		}
		data, err := o.deps.Files.Get(ctx, batch.FileHandle)
		if err != nil {
			return nil, err
		}
		return &Input{Kind: KindCSV, Filename: batch.Filename, Data: data}, nil

	case models.ImportTypeShopify:
		if o.deps.Credentials == nil {
			return nil, engerrors.ConfigurationError(engerrors.CodeMissingConfig, "shopify.stores", nil,
				fmt.Errorf("no credential source configured"))
		}
		creds, err := o.deps.Credentials.Credentials(ctx, batch.StoreID)
		if err != nil {
			return nil, err
		}

		req := &APIRequest{StoreID: batch.StoreID, Credentials: creds}
		if raw := batch.Params["since"]; raw != "" {
			since, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return nil, engerrors.ValidationError(engerrors.CodeMissingField, "since", raw, err)
			}
			req.Since = since
		}
		return &Input{Kind: KindShopify, API: req}, nil
	}

	return &Input{Kind: Kind(batch.ImportType)}, nil
}

func (o *Orchestrator) checkOwner(ctx context.Context, organizationID, storeID string) error {
	if strings.TrimSpace(organizationID) == "" {
		return engerrors.ValidationError(engerrors.CodeMissingField, "organization_id", "", nil)
	}
	if strings.TrimSpace(storeID) == "" {
		return engerrors.ValidationError(engerrors.CodeMissingField, "store_id", "", nil)
	}
	if o.deps.Stores == nil {
		return nil
	}

	st, err := o.deps.Stores.GetStore(ctx, storeID)
	if err != nil {
		return err
	}
	if st.OrganizationID != organizationID {
		return engerrors.ValidationError(engerrors.CodeMissingField, "store_id", storeID,
			fmt.Errorf("store %s does not belong to organization %s", storeID, organizationID))
	}
	return nil
}

func applyResult(batch *models.ImportBatch, res *Result) {
	batch.TotalRecords = res.Total
	batch.Successful = res.Successful
	batch.Failed = res.Failed
	batch.Duplicates = res.Duplicates
	batch.Skipped = res.Skipped
	batch.Errors = res.Errors
	summary := res.Summary
	batch.Summary = &summary
}

func validationFailure(errs []error) error {
	if len(errs) == 1 {
		return errs[0]
	}

	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		msgs = append(msgs, e.Error())
	}
	first, ok := engerrors.AsEngineError(errs[0])
	code := engerrors.CodeMissingField
	if ok {
		code = first.Code
	}
	return engerrors.New(engerrors.KindValidation, code,
		fmt.Sprintf("%d validation errors: %s", len(errs), strings.Join(msgs, "; ")))
}

func capRows(rows []engerrors.RowError, limit int) []engerrors.RowError {
	if limit > 0 && len(rows) > limit {
		return rows[:limit]
	}
	return rows
}
