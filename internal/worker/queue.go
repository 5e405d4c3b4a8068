// Package worker runs import batches in the background.
//
// Submitting a file or a sync only records a pending batch. The Queue hands
// pending batch ids to a fixed number of goroutines that call Runner.Run. A
// batch id is held at most once between Enqueue and the end of its run, and
// the store-level claim guarantees a batch is processed once even when
// several processes share the database.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ledger-import-engine/internal/models"
	"ledger-import-engine/internal/store"
	engerrors "ledger-import-engine/pkg/errors"
	"ledger-import-engine/pkg/logger"
)

// ErrQueueClosed is returned by Enqueue after Stop.
var ErrQueueClosed = errors.New("queue is closed")

// Runner executes one pending batch.
type Runner interface {
	Run(ctx context.Context, batchID string) (*models.ImportBatch, error)
}

// StaleRecoverer fails batches stuck in processing. A Runner implementing
// it is asked to recover before every sweep.
type StaleRecoverer interface {
	RecoverStale(ctx context.Context) (int, error)
}

// PendingLister finds batches left pending, e.g. by a previous process.
type PendingLister interface {
	ListBatches(ctx context.Context, filter store.BatchFilter) ([]*models.ImportBatch, error)
}

// Config holds worker pool settings.
type Config struct {
	Workers   int `mapstructure:"count"`
	QueueSize int `mapstructure:"queue_size"`
	// PollInterval is how often pending batches are swept from the store.
	// Zero disables polling.
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// DefaultConfig returns two workers and a 30 second sweep.
func DefaultConfig() Config {
	return Config{
		Workers:      2,
		QueueSize:    64,
		PollInterval: 30 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("queue size must be at least 1, got %d", c.QueueSize)
	}
	if c.PollInterval < 0 {
		return fmt.Errorf("poll interval cannot be negative, got %s", c.PollInterval)
	}
	return nil
}

// Queue is an in-memory batch queue consumed by a worker pool. It is safe
// for concurrent use.
type Queue struct {
	cfg     Config
	runner  Runner
	pending PendingLister
	logger  logger.Logger

	jobs      chan string
	closeChan chan struct{}
	wg        sync.WaitGroup

	mu       sync.Mutex
	inFlight map[string]struct{}
	closed   bool
	started  bool
}

// NewQueue creates a queue. pending may be nil, in which case Sweep is a
// no-op and polling is disabled.
func NewQueue(cfg Config, runner Runner, pending PendingLister, log logger.Logger) (*Queue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, engerrors.ConfigurationError(engerrors.CodeInvalidConfig, "worker", cfg, err)
	}
	if runner == nil {
		return nil, engerrors.ConfigurationError(engerrors.CodeMissingConfig, "worker.runner", nil, nil)
	}

	return &Queue{
		cfg:       cfg,
		runner:    runner,
		pending:   pending,
		logger:    logger.OrDefault(log).WithComponent("worker"),
		jobs:      make(chan string, cfg.QueueSize),
		closeChan: make(chan struct{}),
		inFlight:  make(map[string]struct{}),
	}, nil
}

// Enqueue schedules batchID. It reports false when the batch is already
// queued or running. Enqueue blocks while the buffer is full.
func (q *Queue) Enqueue(ctx context.Context, batchID string) (bool, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false, ErrQueueClosed
	}
	if _, ok := q.inFlight[batchID]; ok {
		q.mu.Unlock()
		return false, nil
	}
	q.inFlight[batchID] = struct{}{}
	q.mu.Unlock()

	select {
	case q.jobs <- batchID:
		return true, nil
	case <-ctx.Done():
		q.release(batchID)
		return false, ctx.Err()
	case <-q.closeChan:
		q.release(batchID)
		return false, ErrQueueClosed
	}
}

// InFlight reports whether batchID is queued or running.
func (q *Queue) InFlight(batchID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.inFlight[batchID]
	return ok
}

// Start launches the workers and, when configured, the pending sweep. It
// returns immediately; workers stop when ctx is cancelled or Stop is called.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	if q.started {
		q.mu.Unlock()
		return fmt.Errorf("queue already started")
	}
	q.started = true
	q.mu.Unlock()

	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}

	if q.pending != nil && q.cfg.PollInterval > 0 {
		q.wg.Add(1)
		go q.poll(ctx)
	}

	q.logger.WithFields(logger.Fields{
		"workers":       q.cfg.Workers,
		"poll_interval": q.cfg.PollInterval,
	}).Info("Worker pool started")
	return nil
}

func (q *Queue) worker(ctx context.Context, n int) {
	defer q.wg.Done()
	log := q.logger.WithField("worker", n)

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.closeChan:
			return
		case id := <-q.jobs:
			q.process(ctx, log, id)
		}
	}
}

func (q *Queue) process(ctx context.Context, log logger.Logger, batchID string) {
	defer q.release(batchID)

	started := time.Now()
	batch, err := q.runner.Run(ctx, batchID)
	entry := log.WithFields(logger.Fields{
		"batch_id": batchID,
		"elapsed":  time.Since(started),
	})

	switch {
	case err == nil:
		entry.WithField("successful", batch.Successful).Info("Batch processed")
	case engerrors.IsKind(err, engerrors.KindValidation) && batch != nil && batch.Status != models.BatchFailed:
		// Another worker claimed it or it is no longer pending.
		entry.WithField("status", batch.Status).Debug("Batch skipped")
	default:
		entry.WithError(err).Warn("Batch failed")
	}
}

func (q *Queue) release(batchID string) {
	q.mu.Lock()
	delete(q.inFlight, batchID)
	q.mu.Unlock()
}

func (q *Queue) poll(ctx context.Context) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := q.Sweep(ctx); err != nil && !errors.Is(err, ErrQueueClosed) && ctx.Err() == nil {
			q.logger.WithError(err).Warn("Pending batch sweep failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-q.closeChan:
			return
		case <-ticker.C:
		}
	}
}

// Sweep enqueues every pending batch in the store and returns how many were
// newly queued. Stale processing batches are failed first when the runner
// supports it.
func (q *Queue) Sweep(ctx context.Context) (int, error) {
	if r, ok := q.runner.(StaleRecoverer); ok {
		n, err := r.RecoverStale(ctx)
		switch {
		case err != nil:
			q.logger.WithError(err).Warn("Stale batch recovery failed")
		case n > 0:
			q.logger.WithField("failed", n).Info("Failed stale processing batches")
		}
	}

	if q.pending == nil {
		return 0, nil
	}

	batches, err := q.pending.ListBatches(ctx, store.BatchFilter{Status: models.BatchPending, Limit: q.cfg.QueueSize})
	if err != nil {
		return 0, err
	}

	queued := 0
	for _, b := range batches {
		ok, err := q.Enqueue(ctx, b.ID)
		if err != nil {
			return queued, err
		}
		if ok {
			queued++
		}
	}
	if queued > 0 {
		q.logger.WithField("queued", queued).Debug("Swept pending batches")
	}
	return queued, nil
}

// Stop closes the queue and waits for running batches to finish or for ctx
// to expire. Queued batches that have not started stay pending in the store.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.closeChan)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.logger.Info("Worker pool stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
