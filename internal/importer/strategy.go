// Package importer turns raw exports and API feeds into canonical
// transactions and tracks each attempt as an import batch.
//
// A Strategy handles one input shape. The Orchestrator picks a strategy from
// the Registry, drives the batch state machine and wraps every write of one
// attempt in a single database transaction.
package importer

import (
	"context"
	"fmt"
	"time"

	"ledger-import-engine/internal/models"
	"ledger-import-engine/internal/parsers"
	"ledger-import-engine/internal/store"
	engerrors "ledger-import-engine/pkg/errors"
)

// Kind identifies a strategy.
type Kind string

const (
	KindCSV     Kind = "csv"
	KindShopify Kind = "shopify"
)

// ImportType returns the batch import type for the strategy kind.
func (k Kind) ImportType() models.ImportType {
	if k == KindShopify {
		return models.ImportTypeShopify
	}
	return models.ImportTypeCSV
}

// Input is the raw material of one import. Exactly one of Data, Records or
// API is expected to be set. An empty Kind lets the registry choose.
type Input struct {
	Kind     Kind
	Filename string
	Data     []byte
	Records  [][]string
	API      *APIRequest

	table *parsers.Table
}

// APIRequest asks an API strategy for a store's activity since a point in
// time.
type APIRequest struct {
	StoreID     string
	Credentials Credentials
	Since       time.Time
}

// Credentials are the raw key/value credentials of an external account.
type Credentials map[string]string

// Job is what a strategy needs to process one batch attempt.
type Job struct {
	Batch *models.ImportBatch
	// Tx is the open unit of work; all transaction writes go through it.
	Tx store.TransactionStore
	// Checkpoint receives a snapshot every Options.CheckpointEvery records.
	Checkpoint func(Checkpoint)
}

// Checkpoint is a progress snapshot of a running batch.
type Checkpoint struct {
	Processed  int
	Total      int
	Successful int
	Failed     int
	Duplicates int
	Skipped    int
}

// Result is the outcome of Strategy.Process.
type Result struct {
	Success    bool
	Total      int
	Successful int
	Created    int
	Updated    int
	Failed     int
	Duplicates int
	Skipped    int
	// Errors holds the first Options.MaxRowErrors row errors; ErrorCount
	// counts all of them.
	Errors     []engerrors.RowError
	ErrorCount int
	Summary    models.ImportSummary
	Message    string
}

// Strategy is a pluggable handler for one input shape.
type Strategy interface {
	Kind() Kind
	CanHandle(in *Input) bool
	// DetectSource returns the source tag of the input, such as a CSV
	// dialect, and whether one was recognised.
	DetectSource(ctx context.Context, in *Input) (string, bool)
	// Validate returns every problem that prevents processing. It is called
	// before Process, and a non-empty result means Process is never called.
	Validate(ctx context.Context, in *Input) []error
	Process(ctx context.Context, job *Job, in *Input) (*Result, error)
}

// Options tune how strategies process records.
type Options struct {
	CheckpointEvery int     `mapstructure:"checkpoint_every"`
	MaxRowErrors    int     `mapstructure:"max_row_errors"`
	MinConfidence   float64 `mapstructure:"min_confidence"`
	// MaxFailureRatio fails the batch when failed/total exceeds it. Zero
	// disables the check; a batch with no successes and any failure always
	// fails.
	MaxFailureRatio float64 `mapstructure:"max_failure_ratio"`
	// StaleAfter is how long a batch may stay processing before
	// RecoverStale fails it. It must exceed the longest import. Zero
	// disables recovery.
	StaleAfter time.Duration `mapstructure:"stale_after"`
}

// DefaultOptions returns the defaults used by the CLI and the API.
func DefaultOptions() Options {
	return Options{
		CheckpointEvery: 100,
		MaxRowErrors:    engerrors.DefaultMaxRowErrors,
		MinConfidence:   0.4,
		StaleAfter:      time.Hour,
	}
}

// Validate checks the options.
func (o Options) Validate() error {
	if o.CheckpointEvery <= 0 {
		return fmt.Errorf("checkpoint_every must be positive")
	}
	if o.MaxRowErrors <= 0 {
		return fmt.Errorf("max_row_errors must be positive")
	}
	if o.MinConfidence < 0 || o.MinConfidence > 1 {
		return fmt.Errorf("min_confidence must be between 0 and 1")
	}
	if o.MaxFailureRatio < 0 || o.MaxFailureRatio > 1 {
		return fmt.Errorf("max_failure_ratio must be between 0 and 1")
	}
	if o.StaleAfter < 0 {
		return fmt.Errorf("stale_after cannot be negative")
	}
	return nil
}

// Registry is the closed set of strategies known to the engine, resolved at
// startup.
type Registry struct {
	strategies map[Kind]Strategy
	order      []Kind
}

// NewRegistry registers strategies in order. Order decides which strategy
// wins when an input does not name its kind.
func NewRegistry(strategies ...Strategy) *Registry {
	r := &Registry{strategies: make(map[Kind]Strategy)}
	for _, s := range strategies {
		if _, exists := r.strategies[s.Kind()]; !exists {
			r.order = append(r.order, s.Kind())
		}
		r.strategies[s.Kind()] = s
	}
	return r
}

// Get returns the strategy of the given kind.
func (r *Registry) Get(kind Kind) (Strategy, bool) {
	s, ok := r.strategies[kind]
	return s, ok
}

// Kinds lists registered kinds in order.
func (r *Registry) Kinds() []Kind {
	out := make([]Kind, len(r.order))
	copy(out, r.order)
	return out
}

// Select picks the strategy for in.
func (r *Registry) Select(in *Input) (Strategy, error) {
	if in.Kind != "" {
		s, ok := r.strategies[in.Kind]
		if !ok || !s.CanHandle(in) {
			return nil, noStrategy(in)
		}
		return s, nil
	}

	for _, kind := range r.order {
		if s := r.strategies[kind]; s.CanHandle(in) {
			return s, nil
		}
	}
	return nil, noStrategy(in)
}

func noStrategy(in *Input) error {
	kind := string(in.Kind)
	if kind == "" {
		kind = "auto"
	}
	return engerrors.ValidationError(engerrors.CodeNoStrategy, "kind", kind,
		fmt.Errorf("no import strategy can handle this input")).
		WithSuggestion("upload a CSV export or configure an API connection for the store")
}
