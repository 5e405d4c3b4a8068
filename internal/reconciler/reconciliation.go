// Package reconciler validates that an organization's real-money balances
// agree with the balance implied by its imported transactions.
//
// For an organization:
//
//	cash      = active bank balances + active processor current and pending balances
//	inventory = sum of quantity x unit cost over active inventory items
//	ledger    = per store, active or not, approved income minus approved expense, personal excluded
//	difference = cash + inventory - ledger
//
// The result is valid when |difference| is within the tolerance. Results are
// cached per organization until invalidated or refreshed.
package reconciler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"ledger-import-engine/internal/fx"
	"ledger-import-engine/internal/models"
	"ledger-import-engine/internal/store"
	engerrors "ledger-import-engine/pkg/errors"
	"ledger-import-engine/pkg/logger"
)

// Config holds configuration options for balance validation
type Config struct {
	// Tolerance is a decimal string; the default absorbs cent rounding.
	Tolerance string        `mapstructure:"tolerance"`
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`
	// Currency is the reporting currency of every total.
	Currency string `mapstructure:"currency"`
}

// DefaultConfig returns a default configuration for the reconciliation service
func DefaultConfig() Config {
	return Config{
		Tolerance: models.DefaultTolerance.String(),
		CacheTTL:  5 * time.Minute,
		Currency:  fx.DefaultBase,
	}
}

// Validate validates the configuration
func (c Config) Validate() error {
	tol, err := decimal.NewFromString(strings.TrimSpace(c.Tolerance))
	if err != nil {
		return fmt.Errorf("tolerance must be a decimal number, got %q", c.Tolerance)
	}
	if tol.IsNegative() {
		return fmt.Errorf("tolerance cannot be negative, got %s", tol)
	}
	if c.CacheTTL < 0 {
		return fmt.Errorf("cache ttl cannot be negative, got %s", c.CacheTTL)
	}
	if len(models.NormalizeCurrency(c.Currency)) != 3 {
		return fmt.Errorf("currency must be a 3-letter code, got %q", c.Currency)
	}
	return nil
}

// Service computes and caches reconciliation results.
type Service struct {
	source    store.BalanceSource
	ledger    store.TransactionReader
	rates     *fx.Table
	tolerance decimal.Decimal
	currency  string

	cache  *gocache.Cache
	flight singleflight.Group
	now    func() time.Time
	logger logger.Logger

	// generations counts invalidations per organization. A result is only
	// cached when no invalidation happened while it was computed.
	genMu       sync.Mutex
	generations map[string]uint64
}

// NewService creates a reconciliation service.
func NewService(source store.BalanceSource, ledger store.TransactionReader, rates *fx.Table, cfg Config, log logger.Logger) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, engerrors.ConfigurationError(engerrors.CodeInvalidConfig, "reconciliation", cfg, err)
	}
	if source == nil || ledger == nil || rates == nil {
		return nil, engerrors.ConfigurationError(engerrors.CodeMissingConfig, "reconciliation", nil,
			fmt.Errorf("balance source, transaction reader and rate table are required"))
	}

	ttl := cfg.CacheTTL
	if ttl == 0 {
		ttl = gocache.NoExpiration
	}

	return &Service{
		source:      source,
		ledger:      ledger,
		rates:       rates,
		tolerance:   decimal.RequireFromString(strings.TrimSpace(cfg.Tolerance)),
		currency:    models.NormalizeCurrency(cfg.Currency),
		cache:       gocache.New(ttl, 2*ttl),
		generations: make(map[string]uint64),
		now:         func() time.Time { return time.Now().UTC() },
		logger:      logger.OrDefault(log).WithComponent("reconciler"),
	}, nil
}

// SetClock replaces the time source.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Validate returns the cached result for the organization, computing it on
// a miss. Concurrent misses share one computation.
func (s *Service) Validate(ctx context.Context, organizationID string) (*models.ReconciliationResult, error) {
	if cached, ok := s.cache.Get(organizationID); ok {
		res := *cached.(*models.ReconciliationResult)
		res.Cached = true
		return &res, nil
	}
	return s.load(ctx, organizationID)
}

// Refresh recomputes the result regardless of the cache.
func (s *Service) Refresh(ctx context.Context, organizationID string) (*models.ReconciliationResult, error) {
	s.Invalidate(organizationID)
	return s.load(ctx, organizationID)
}

// Invalidate drops the cached result of an organization.
func (s *Service) Invalidate(organizationID string) {
	s.genMu.Lock()
	s.generations[organizationID]++
	s.genMu.Unlock()

	s.cache.Delete(organizationID)
	s.flight.Forget(organizationID)
}

func (s *Service) load(ctx context.Context, organizationID string) (*models.ReconciliationResult, error) {
	if strings.TrimSpace(organizationID) == "" {
		return nil, engerrors.ValidationError(engerrors.CodeMissingField, "organization_id", "", nil)
	}

	v, err, shared := s.flight.Do(organizationID, func() (interface{}, error) {
		gen := s.generation(organizationID)
		res, err := s.compute(ctx, organizationID)
		if err != nil {
			return nil, err
		}
		if s.generation(organizationID) == gen {
			s.cache.SetDefault(organizationID, res)
		} else {
			s.logger.WithField("organization_id", organizationID).Debug("Invalidated during computation, result not cached")
		}
		return res, nil
	})
	if err != nil {
		return nil, err
	}

	if shared {
		s.logger.WithField("organization_id", organizationID).Debug("Shared in-flight reconciliation")
	}
	res := *v.(*models.ReconciliationResult)
	return &res, nil
}

func (s *Service) generation(organizationID string) uint64 {
	s.genMu.Lock()
	defer s.genMu.Unlock()
	return s.generations[organizationID]
}
