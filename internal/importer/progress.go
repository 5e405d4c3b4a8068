package importer

import (
	"sync"
	"time"
)

// Progress is a live snapshot of a batch that is still processing. Its
// counters are not yet committed.
type Progress struct {
	BatchID         string        `json:"batch_id"`
	Processed       int           `json:"processed"`
	Total           int           `json:"total"`
	Successful      int           `json:"successful"`
	Failed          int           `json:"failed"`
	Duplicates      int           `json:"duplicates"`
	Skipped         int           `json:"skipped"`
	PercentComplete float64       `json:"percent_complete"`
	StartTime       time.Time     `json:"start_time"`
	ElapsedTime     time.Duration `json:"elapsed_time"`
}

// ProgressCallback is called with every published snapshot.
type ProgressCallback func(Progress)

// ProgressRegistry holds live progress of running batches in memory so
// status reads do not need the database while the batch transaction is
// open.
type ProgressRegistry struct {
	mu        sync.RWMutex
	running   map[string]*Progress
	callbacks []ProgressCallback
	now       func() time.Time
}

// NewProgressRegistry creates an empty registry.
func NewProgressRegistry() *ProgressRegistry {
	return &ProgressRegistry{
		running: make(map[string]*Progress),
		now:     time.Now,
	}
}

// AddCallback registers a callback for every update.
func (r *ProgressRegistry) AddCallback(cb ProgressCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, cb)
}

// Start registers a batch as running.
func (r *ProgressRegistry) Start(batchID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running[batchID] = &Progress{BatchID: batchID, StartTime: r.now()}
}

// Update publishes a checkpoint. Updates for batches that are not running
// are ignored.
func (r *ProgressRegistry) Update(batchID string, cp Checkpoint) {
	r.mu.Lock()
	p, ok := r.running[batchID]
	if !ok {
		r.mu.Unlock()
		return
	}

	p.Processed = cp.Processed
	p.Total = cp.Total
	p.Successful = cp.Successful
	p.Failed = cp.Failed
	p.Duplicates = cp.Duplicates
	p.Skipped = cp.Skipped
	p.ElapsedTime = r.now().Sub(p.StartTime)
	if cp.Total > 0 {
		p.PercentComplete = float64(cp.Processed) / float64(cp.Total) * 100
	}

	snapshot := *p
	callbacks := r.callbacks
	r.mu.Unlock()

	for _, cb := range callbacks {
		cb(snapshot)
	}
}

// Get returns a copy of the live progress of a running batch.
func (r *ProgressRegistry) Get(batchID string) (Progress, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.running[batchID]
	if !ok {
		return Progress{}, false
	}
	return *p, true
}

// Finish removes a batch once its outcome is committed.
func (r *ProgressRegistry) Finish(batchID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.running, batchID)
}
