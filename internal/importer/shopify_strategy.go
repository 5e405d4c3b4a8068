package importer

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"ledger-import-engine/internal/formats"
	"ledger-import-engine/internal/fx"
	"ledger-import-engine/internal/models"
	"ledger-import-engine/internal/parsers"
	engerrors "ledger-import-engine/pkg/errors"
	"ledger-import-engine/pkg/logger"
)

// SourceShopify tags transactions produced from the orders feed.
const SourceShopify = "shopify"

// CredentialSource resolves the credentials of a store's external account.
type CredentialSource interface {
	Credentials(ctx context.Context, storeID string) (Credentials, error)
}

// StaticCredentials serves credentials from configuration.
type StaticCredentials map[string]Credentials

// NewStaticCredentials copies the configured stores, filling a missing
// api_version from the client configuration.
func NewStaticCredentials(cfg ShopifyConfig) StaticCredentials {
	out := make(StaticCredentials, len(cfg.Stores))
	for storeID, raw := range cfg.Stores {
		creds := make(Credentials, len(raw)+1)
		for k, v := range raw {
			creds[k] = v
		}
		if creds["api_version"] == "" {
			creds["api_version"] = cfg.APIVersion
		}
		out[storeID] = creds
	}
	return out
}

// Credentials implements CredentialSource.
func (s StaticCredentials) Credentials(_ context.Context, storeID string) (Credentials, error) {
	creds, ok := s[storeID]
	if !ok {
		// viper lower-cases map keys read from config files
		creds, ok = s[strings.ToLower(storeID)]
	}
	if !ok {
		return nil, engerrors.ValidationError(engerrors.CodeInvalidCredentials, "store_id", storeID,
			fmt.Errorf("no API credentials configured for store %s", storeID)).
			WithSuggestion("add the store under shopify.stores in the configuration")
	}
	return creds, nil
}

// ShopifyStrategy imports orders and refunds from the Shopify Admin API.
type ShopifyStrategy struct {
	client *ShopifyClient
	limits parsers.Limits
	rates  *fx.Table
	opts   Options
	logger logger.Logger
}

// NewShopifyStrategy creates the API strategy.
func NewShopifyStrategy(client *ShopifyClient, rates *fx.Table, limits parsers.Limits, opts Options, log logger.Logger) *ShopifyStrategy {
	return &ShopifyStrategy{
		client: client,
		limits: limits,
		rates:  rates,
		opts:   opts,
		logger: logger.OrDefault(log).WithComponent("shopify_strategy"),
	}
}

// Kind implements Strategy.
func (s *ShopifyStrategy) Kind() Kind {
	return KindShopify
}

// CanHandle accepts API requests.
func (s *ShopifyStrategy) CanHandle(in *Input) bool {
	if in.Kind != "" && in.Kind != KindShopify {
		return false
	}
	return in.API != nil
}

// DetectSource implements Strategy.
func (s *ShopifyStrategy) DetectSource(_ context.Context, in *Input) (string, bool) {
	return SourceShopify, s.CanHandle(in)
}

// Validate checks the store reference and every credential field.
func (s *ShopifyStrategy) Validate(_ context.Context, in *Input) []error {
	if in.API == nil {
		return []error{engerrors.ValidationError(engerrors.CodeMissingField, "api", nil, nil)}
	}

	var errs []error
	if strings.TrimSpace(in.API.StoreID) == "" {
		errs = append(errs, engerrors.ValidationError(engerrors.CodeMissingField, "store_id", "", nil))
	}
	_, credErrs := ParseShopifyCredentials(in.API.Credentials)
	return append(errs, credErrs...)
}

// Process fetches the feed and maps each order and refund. Transport
// failures fail the whole attempt.
func (s *ShopifyStrategy) Process(ctx context.Context, job *Job, in *Input) (*Result, error) {
	creds, errs := ParseShopifyCredentials(in.API.Credentials)
	if len(errs) > 0 {
		return nil, errs[0]
	}

	orders, err := s.client.ListOrders(ctx, creds, in.API.Since)
	if err != nil {
		return nil, err
	}

	total := len(orders)
	for _, o := range orders {
		total += len(o.Refunds)
	}

	log := s.logger.WithFields(logger.Fields{
		"batch_id": job.Batch.ID,
		"shop":     creds.ShopDomain,
		"orders":   len(orders),
	})
	log.Info("Processing Shopify orders")

	rec := newRecorder(job, s.opts, total, "shopify sync", log)
	for i, order := range orders {
		if err := ctx.Err(); err != nil {
			return nil, engerrors.Wrap(err, engerrors.KindInternal, engerrors.CodeUnexpectedError, "import interrupted")
		}
		row := i + 1

		txn, skip, err := s.mapOrder(order, job.Batch)
		switch {
		case err != nil:
			rec.fail(row, err)
		case skip:
			rec.skip()
		default:
			if err := rec.apply(ctx, txn); err != nil {
				return nil, err
			}
		}

		for _, refund := range order.Refunds {
			txn, skip, err := s.mapRefund(order, refund, job.Batch)
			switch {
			case err != nil:
				rec.fail(row, err)
			case skip:
				rec.skip()
			default:
				if err := rec.apply(ctx, txn); err != nil {
					return nil, err
				}
			}
		}
	}

	return rec.finish(models.ImportSummary{Format: SourceShopify, Confidence: 1}), nil
}

func (s *ShopifyStrategy) mapOrder(o ShopifyOrder, batch *models.ImportBatch) (*models.Transaction, bool, error) {
	if o.Test || o.CancelledAt != nil {
		return nil, true, nil
	}

	var status models.TransactionStatus
	switch strings.ToLower(o.FinancialStatus) {
	case "paid", "partially_refunded", "refunded":
		status = models.StatusApproved
	case "pending", "authorized", "partially_paid", "":
		status = models.StatusPending
	default:
		// voided and expired orders never moved money.
		return nil, true, nil
	}

	date := o.CreatedAt
	if o.ProcessedAt != nil {
		date = *o.ProcessedAt
	}

	txn, err := s.build(o.TotalPrice, o.Currency, date.UTC(), strconv.FormatInt(o.ID, 10))
	if err != nil || txn == nil {
		return nil, txn == nil && err == nil, err
	}

	txn.StoreID = batch.StoreID
	txn.BatchID = batch.ID
	txn.ExternalID = fmt.Sprintf("shopify:order:%d", o.ID)
	txn.Type = models.TransactionTypeIncome
	txn.Category = "sales"
	txn.Status = status
	txn.Description = "Order " + o.Name
	txn.Metadata = map[string]string{
		"order_id":         strconv.FormatInt(o.ID, 10),
		"order_name":       o.Name,
		"financial_status": o.FinancialStatus,
	}
	return txn, false, nil
}

func (s *ShopifyStrategy) mapRefund(o ShopifyOrder, r ShopifyRefund, batch *models.ImportBatch) (*models.Transaction, bool, error) {
	total := decimal.Zero
	currency := o.Currency
	for _, t := range r.Transactions {
		if !strings.EqualFold(t.Kind, "refund") || !strings.EqualFold(t.Status, "success") {
			continue
		}
		amount, err := parsers.ParseAmount(t.Amount, formats.Auto, "")
		if err != nil {
			return nil, false, err
		}
		total = total.Add(amount.Abs())
		if t.Currency != "" {
			currency = t.Currency
		}
	}
	if total.IsZero() {
		return nil, true, nil
	}

	txn, err := s.build(total.String(), currency, r.CreatedAt.UTC(), strconv.FormatInt(r.ID, 10))
	if err != nil || txn == nil {
		return nil, txn == nil && err == nil, err
	}

	txn.StoreID = batch.StoreID
	txn.BatchID = batch.ID
	txn.ExternalID = fmt.Sprintf("shopify:refund:%d", r.ID)
	txn.Type = models.TransactionTypeExpense
	txn.Category = "refunds"
	txn.Status = models.StatusApproved
	txn.Description = "Refund for order " + o.Name
	txn.Metadata = map[string]string{
		"order_id":   strconv.FormatInt(o.ID, 10),
		"order_name": o.Name,
		"refund_id":  strconv.FormatInt(r.ID, 10),
	}
	if r.Note != "" {
		txn.Metadata["note"] = r.Note
	}
	return txn, false, nil
}

// build parses and bounds the shared money and date fields. A zero amount
// yields a nil transaction.
func (s *ShopifyStrategy) build(rawAmount, rawCurrency string, date time.Time, ref string) (*models.Transaction, error) {
	currency := models.NormalizeCurrency(rawCurrency)
	if len(currency) != 3 {
		return nil, engerrors.New(engerrors.KindParse, engerrors.CodeInvalidRecord,
			fmt.Sprintf("invalid currency %q on %s", rawCurrency, ref)).
			WithContext("field", "currency").
			WithContext("value", rawCurrency)
	}

	amount, err := parsers.ParseAmount(rawAmount, formats.Auto, currency)
	if err != nil {
		return nil, err
	}
	amount = amount.Abs()
	if amount.IsZero() {
		return nil, nil
	}
	if err := s.limits.CheckAmount(amount); err != nil {
		return nil, err
	}
	if err := s.limits.CheckDate(date); err != nil {
		return nil, err
	}

	amountUSD, err := s.rates.ToUSD(amount, currency)
	if err != nil {
		return nil, err
	}

	return &models.Transaction{
		Classification: models.ClassificationBusiness,
		Amount:         amount,
		Currency:       currency,
		AmountUSD:      amountUSD,
		Date:           date,
		Source:         SourceShopify,
	}, nil
}
