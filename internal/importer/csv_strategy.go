package importer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
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

// CSVStrategy imports bank and processor CSV exports.
type CSVStrategy struct {
	tokenizer *parsers.Tokenizer
	limits    parsers.Limits
	rates     *fx.Table
	opts      Options
	logger    logger.Logger
}

// NewCSVStrategy creates the tabular strategy.
func NewCSVStrategy(rates *fx.Table, limits parsers.Limits, opts Options, log logger.Logger) *CSVStrategy {
	log = logger.OrDefault(log)
	return &CSVStrategy{
		tokenizer: parsers.NewTokenizer(nil, log),
		limits:    limits,
		rates:     rates,
		opts:      opts,
		logger:    log.WithComponent("csv_strategy"),
	}
}

// Kind implements Strategy.
func (c *CSVStrategy) Kind() Kind {
	return KindCSV
}

// CanHandle accepts raw bytes or pre-split records.
func (c *CSVStrategy) CanHandle(in *Input) bool {
	if in.Kind != "" && in.Kind != KindCSV {
		return false
	}
	return in.API == nil && (len(in.Data) > 0 || len(in.Records) > 0)
}

// DetectSource returns the detected export dialect.
func (c *CSVStrategy) DetectSource(ctx context.Context, in *Input) (string, bool) {
	table, err := c.table(ctx, in)
	if err != nil {
		return "", false
	}
	d := formats.DetectWithConfidence(table.Headers)
	return string(d.Format), d.Format != formats.Unknown
}

// Validate rejects input whose dialect is unknown, detected with too little
// confidence, or missing a column a canonical transaction needs.
func (c *CSVStrategy) Validate(ctx context.Context, in *Input) []error {
	table, err := c.table(ctx, in)
	if err != nil {
		return []error{err}
	}

	d := formats.DetectWithConfidence(table.Headers)
	if err := formats.RequireConfidence(d, c.opts.MinConfidence); err != nil {
		if engErr, ok := engerrors.AsEngineError(err); ok {
			err = engErr.WithSuggestion("supported exports: " + knownFormats())
		}
		return []error{err}
	}
	return formats.ValidateFormat(table.Headers, d.Format)
}

// Process maps every record in source order. A bad record is counted and
// recorded; it never aborts the batch.
func (c *CSVStrategy) Process(ctx context.Context, job *Job, in *Input) (*Result, error) {
	table, err := c.table(ctx, in)
	if err != nil {
		return nil, err
	}

	d := formats.DetectWithConfidence(table.Headers)
	f, ok := formats.Get(d.Format)
	if !ok {
		return nil, engerrors.ValidationError(engerrors.CodeUnknownFormat, "headers", nil, nil)
	}
	index := f.Resolve(table.Headers)

	log := c.logger.WithFields(logger.Fields{
		"batch_id": job.Batch.ID,
		"format":   f.ID,
		"rows":     len(table.Rows),
	})
	log.Info("Processing CSV import")

	rec := newRecorder(job, c.opts, len(table.Rows), "csv import "+string(f.ID), log)
	ordinals := make(map[string]int)

	for _, row := range table.Rows {
		if err := ctx.Err(); err != nil {
			return nil, engerrors.Wrap(err, engerrors.KindInternal, engerrors.CodeUnexpectedError, "import interrupted")
		}
		if row.Err != nil {
			rec.fail(row.Line, row.Err)
			continue
		}

		txn, skip, err := c.mapRecord(f, index, row, job.Batch, ordinals)
		switch {
		case err != nil:
			rec.fail(row.Line, err)
		case skip:
			rec.skip()
		default:
			if err := rec.apply(ctx, txn); err != nil {
				return nil, err
			}
		}
	}

	return rec.finish(models.ImportSummary{Format: string(f.ID), Confidence: d.Confidence}), nil
}

func (c *CSVStrategy) table(ctx context.Context, in *Input) (*parsers.Table, error) {
	if in.table != nil {
		return in.table, nil
	}

	var (
		table *parsers.Table
		err   error
	)
	if len(in.Records) > 0 {
		table, err = parsers.FromRecords(in.Records)
	} else {
		table, err = c.tokenizer.Tokenize(ctx, in.Data)
	}
	if err != nil {
		return nil, err
	}
	in.table = table
	return table, nil
}

// mapped is the amount-related part of a record.
type mapped struct {
	amount   decimal.Decimal
	txnType  models.TransactionType
	metadata map[string]string
}

// mapRecord builds a canonical transaction from one record. skip reports a
// record that is intentionally not imported, such as a failed payment or a
// zero amount.
func (c *CSVStrategy) mapRecord(f *formats.Format, index formats.ColumnIndex, row parsers.Row,
	batch *models.ImportBatch, ordinals map[string]int) (*models.Transaction, bool, error) {
	fields := row.Fields

	rawStatus := index.Value(fields, formats.FieldStatus)
	status, ok := f.MapStatus(rawStatus)
	if !ok {
		return nil, true, nil
	}

	date, err := c.limits.ParseDate(index.Value(fields, formats.FieldDate), f.ID)
	if err != nil {
		return nil, false, err
	}

	rawCurrency := index.Value(fields, formats.FieldCurrency)
	currency := models.NormalizeCurrency(rawCurrency)
	if currency == "" {
		currency = f.DefaultCurrency
	}
	if len(currency) != 3 {
		return nil, false, engerrors.ParseError(engerrors.CodeInvalidRecord, row.Line, "currency", rawCurrency,
			fmt.Errorf("currency must be a 3-letter ISO code"))
	}

	m, err := mapAmount(f, index, fields, currency)
	if err != nil {
		return nil, false, err
	}
	if m.amount.IsZero() {
		return nil, true, nil
	}
	if err := c.limits.CheckAmount(m.amount); err != nil {
		return nil, false, err
	}

	amountUSD, err := c.rates.ToUSD(m.amount, currency)
	if err != nil {
		return nil, false, err
	}

	m.metadata["line"] = strconv.Itoa(row.Line)
	if rawStatus != "" {
		m.metadata["source_status"] = rawStatus
	}

	category := index.Value(fields, formats.FieldCategory)
	if category == "" {
		category = strings.ToLower(index.Value(fields, formats.FieldType))
	}

	txn := &models.Transaction{
		StoreID:        batch.StoreID,
		ExternalID:     index.Value(fields, formats.FieldExternalID),
		Type:           m.txnType,
		Category:       category,
		Classification: models.ClassificationBusiness,
		Amount:         m.amount,
		Currency:       currency,
		AmountUSD:      amountUSD,
		Date:           date,
		Description:    index.Value(fields, formats.FieldDescription),
		Status:         status,
		Source:         string(f.ID),
		Metadata:       m.metadata,
		BatchID:        batch.ID,
	}
	if txn.ExternalID == "" {
		txn.ExternalID = syntheticID(f.ID, txn, ordinals)
	}
	if err := txn.Validate(); err != nil {
		return nil, false, engerrors.ParseError(engerrors.CodeInvalidRecord, row.Line, "record", "", err)
	}
	return txn, false, nil
}

// mapAmount applies the amount model of the format: credit/debit columns,
// gross/fee/net columns, amount minus refunds, or a single signed amount.
func mapAmount(f *formats.Format, index formats.ColumnIndex, fields []string, currency string) (mapped, error) {
	m := mapped{txnType: models.TransactionTypeIncome, metadata: make(map[string]string)}
	value := func(field formats.Field) string { return index.Value(fields, field) }

	switch {
	case index.Has(formats.FieldCredit) || index.Has(formats.FieldDebit):
		credit, err := parsers.ParseOptionalAmount(value(formats.FieldCredit), f.ID, currency)
		if err != nil {
			return m, err
		}
		debit, err := parsers.ParseOptionalAmount(value(formats.FieldDebit), f.ID, currency)
		if err != nil {
			return m, err
		}
		net := credit.Abs().Sub(debit.Abs())
		if net.IsNegative() {
			m.txnType = models.TransactionTypeExpense
		}
		m.amount = net.Abs()

	case index.Has(formats.FieldGross):
		gross, err := parsers.ParseAmount(value(formats.FieldGross), f.ID, currency)
		if err != nil {
			return m, err
		}
		fee, err := parsers.ParseOptionalAmount(value(formats.FieldFee), f.ID, currency)
		if err != nil {
			return m, err
		}
		// Positive fee magnitude in the net = gross - fee sense.
		signedFee := fee
		if f.FeeNegative {
			signedFee = fee.Neg()
		}

		var net decimal.Decimal
		if raw := value(formats.FieldNet); raw != "" {
			if net, err = parsers.ParseAmount(raw, f.ID, currency); err != nil {
				return m, err
			}
			if f.CheckNetIdentity && index.Has(formats.FieldFee) {
				if err := parsers.ValidateNetAmount(gross, signedFee, net); err != nil {
					return m, err
				}
			}
		} else {
			net = gross.Sub(signedFee)
		}

		rawType := value(formats.FieldType)
		if net.IsNegative() || f.IsExpenseType(rawType) {
			m.txnType = models.TransactionTypeExpense
		}
		m.amount = net.Abs()
		m.metadata["gross"] = gross.StringFixed(2)
		m.metadata["fee"] = fee.Abs().StringFixed(2)
		m.metadata["net"] = net.StringFixed(2)
		if rawType != "" {
			m.metadata["source_type"] = rawType
		}

	case index.Has(formats.FieldRefunded):
		amount, err := parsers.ParseAmount(value(formats.FieldAmount), f.ID, currency)
		if err != nil {
			return m, err
		}
		refunded, err := parsers.ParseOptionalAmount(value(formats.FieldRefunded), f.ID, currency)
		if err != nil {
			return m, err
		}
		net := amount.Abs().Sub(refunded.Abs())
		if net.IsNegative() {
			return m, engerrors.New(engerrors.KindParse, engerrors.CodeIdentityMismatch,
				fmt.Sprintf("refunded %s exceeds amount %s", refunded.Abs(), amount.Abs())).
				WithContext("field", string(formats.FieldRefunded)).
				WithContext("value", value(formats.FieldRefunded))
		}
		m.amount = net
		m.metadata["amount"] = amount.Abs().StringFixed(2)
		m.metadata["refunded"] = refunded.Abs().StringFixed(2)
		if fee := value(formats.FieldFee); fee != "" {
			m.metadata["fee"] = fee
		}

	default:
		amount, err := parsers.ParseAmount(value(formats.FieldAmount), f.ID, currency)
		if err != nil {
			return m, err
		}
		if amount.IsNegative() {
			m.txnType = models.TransactionTypeExpense
		}
		m.amount = amount.Abs()
		if fee := value(formats.FieldFee); fee != "" {
			m.metadata["fee"] = fee
		}
	}
	return m, nil
}

// syntheticID derives a stable external id for exports without one. The
// ordinal separates identical records within the same file while keeping
// re-imports of that file idempotent.
func syntheticID(format formats.FormatID, txn *models.Transaction, ordinals map[string]int) string {
	key := strings.Join([]string{
		txn.Date.Format(time.RFC3339),
		string(txn.Type),
		txn.Amount.StringFixed(2),
		txn.Currency,
		txn.Description,
	}, "|")
	ordinals[key]++

	sum := sha256.Sum256([]byte(key + "|" + strconv.Itoa(ordinals[key])))
	return string(format) + ":" + hex.EncodeToString(sum[:12])
}

func knownFormats() string {
	var names []string
	for _, f := range formats.All() {
		names = append(names, f.Name)
	}
	return strings.Join(names, ", ")
}
