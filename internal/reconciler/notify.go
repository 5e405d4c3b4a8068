package reconciler

import (
	"context"

	"ledger-import-engine/internal/models"
	"ledger-import-engine/pkg/logger"
)

// Notifier delivers a reconciliation result to operators.
type Notifier interface {
	Notify(ctx context.Context, result *models.ReconciliationResult) error
}

// LogNotifier writes results to the structured log. Invalid results are
// logged at warning level.
type LogNotifier struct {
	logger logger.Logger
}

// NewLogNotifier creates a notifier that logs through log.
func NewLogNotifier(log logger.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.OrDefault(log).WithComponent("reconciliation_notifier")}
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(_ context.Context, r *models.ReconciliationResult) error {
	entry := n.logger.WithFields(logger.Fields{
		"organization_id": r.OrganizationID,
		"currency":        r.Currency,
		"cash":            r.CashTotal.StringFixed(2),
		"inventory":       r.InventoryTotal.StringFixed(2),
		"ledger":          r.CalculatedBalance.StringFixed(2),
		"difference":      r.Difference.StringFixed(2),
		"stores":          len(r.Breakdown.Stores),
	})

	if r.IsValid {
		entry.Info("Reconciliation passed")
		return nil
	}
	entry.Warn("Reconciliation failed: balances differ beyond tolerance")
	return nil
}

// ValidateAndNotify runs a validation and notifies when notifier is set.
// fresh bypasses the cache.
func (s *Service) ValidateAndNotify(ctx context.Context, organizationID string, fresh bool, notifier Notifier) (*models.ReconciliationResult, error) {
	validate := s.Validate
	if fresh {
		validate = s.Refresh
	}

	res, err := validate(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	if notifier != nil {
		if err := notifier.Notify(ctx, res); err != nil {
			s.logger.WithError(err).Warn("Notification failed")
		}
	}
	return res, nil
}
