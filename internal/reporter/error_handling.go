package reporter

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/afero"

	"ledger-import-engine/internal/models"
	engerrors "ledger-import-engine/pkg/errors"
	"ledger-import-engine/pkg/logger"
)

// SafeReportGenerator wraps ReportGenerator with logging, input checks and
// fallbacks to console output or a backup file.
type SafeReportGenerator struct {
	*ReportGenerator
	fs     afero.Fs
	logger logger.Logger
}

// NewSafeReportGenerator creates a new safe report generator. A nil fs uses
// the OS filesystem.
func NewSafeReportGenerator(config *ReportConfig, fs afero.Fs, log logger.Logger) (*SafeReportGenerator, error) {
	generator, err := NewReportGenerator(config)
	if err != nil {
		return nil, engerrors.ConfigurationError(engerrors.CodeInvalidConfig, "report_config", config, err).
			WithSuggestion("Check the report configuration values")
	}
	if fs == nil {
		fs = afero.NewOsFs()
	}

	return &SafeReportGenerator{
		ReportGenerator: generator,
		fs:              fs,
		logger:          logger.OrDefault(log).WithComponent("reporter"),
	}, nil
}

// Generate renders result, which must be an *models.ImportBatch, a
// []*models.ImportBatch or an *models.ReconciliationResult. When a JSON or
// CSV rendering fails the console rendering is written instead.
func (srg *SafeReportGenerator) Generate(result any, writer io.Writer) error {
	if writer == nil {
		return engerrors.ValidationError(engerrors.CodeMissingField, "writer", nil, nil).
			WithSuggestion("Provide a valid output writer")
	}

	log := srg.logger.WithFields(logger.Fields{
		"format": srg.config.Format,
		"result": fmt.Sprintf("%T", result),
	})
	log.Debug("Starting report generation")

	var buf bytes.Buffer
	err := render(srg.ReportGenerator, result, &buf)
	if err == nil {
		_, err = writer.Write(buf.Bytes())
		if err != nil {
			return engerrors.StorageError(engerrors.CodeWriteFailed, "report_output", err)
		}
		return nil
	}
	if engErr, ok := engerrors.AsEngineError(err); ok && engErr.Kind == engerrors.KindValidation {
		log.WithError(err).Error("Report generation failed: input validation")
		return err
	}

	if srg.config.Format == FormatConsole {
		return srg.wrapGenerationError(err)
	}

	log.WithError(err).Warn("Primary report generation failed, attempting fallback")
	fallbackConfig := *srg.config
	fallbackConfig.Format = FormatConsole
	fallback, ferr := NewReportGenerator(&fallbackConfig)
	if ferr != nil {
		return srg.wrapGenerationError(err)
	}

	fmt.Fprintf(writer, "NOTE: Report generated in fallback format due to error with requested format\n")
	fmt.Fprintf(writer, "Original error: %v\n\n", err)
	if ferr := render(fallback, result, writer); ferr != nil {
		return engerrors.InternalError(engerrors.CodeUnexpectedError, "report_fallback",
			fmt.Errorf("both primary and fallback generation failed: primary=%v, fallback=%v", err, ferr))
	}
	return nil
}

// GenerateToFile writes the report to path. When path cannot be created the
// report is saved next to it with a _backup suffix and that path is returned.
func (srg *SafeReportGenerator) GenerateToFile(result any, path string) (string, error) {
	f, err := srg.fs.Create(path)
	if err != nil {
		backup := backupPath(path)
		srg.logger.WithFields(logger.Fields{
			"original_file": path,
			"backup_file":   backup,
		}).WithError(err).Warn("Cannot create report file, using backup location")

		f, err = srg.fs.Create(backup)
		if err != nil {
			return "", engerrors.StorageError(engerrors.CodeWriteFailed, path, err).
				WithSuggestion("Check that the output directory exists and is writable")
		}
		path = backup
	}
	defer f.Close()

	if err := srg.Generate(result, f); err != nil {
		return "", err
	}
	srg.logger.WithField("file", path).Info("Report written")
	return path, nil
}

func render(rg *ReportGenerator, result any, writer io.Writer) error {
	switch r := result.(type) {
	case *models.ImportBatch:
		if r == nil {
			break
		}
		return rg.GenerateBatchReport(r, writer)
	case []*models.ImportBatch:
		return rg.GenerateBatchListReport(r, writer)
	case *models.ReconciliationResult:
		if r == nil {
			break
		}
		return rg.GenerateReconciliationReport(r, writer)
	case nil:
	default:
		return engerrors.ValidationError(engerrors.CodeInvalidRecord, "result_type", fmt.Sprintf("%T", result), nil).
			WithSuggestion("Provide an import batch or a reconciliation result")
	}
	return engerrors.ValidationError(engerrors.CodeMissingField, "result", nil, nil).
		WithSuggestion("Provide a result to report on")
}

func backupPath(originalPath string) string {
	dir := filepath.Dir(originalPath)
	base := filepath.Base(originalPath)
	ext := filepath.Ext(base)
	return filepath.Join(dir, fmt.Sprintf("%s_backup%s", base[:len(base)-len(ext)], ext))
}

func (srg *SafeReportGenerator) wrapGenerationError(err error) error {
	if engErr, ok := engerrors.AsEngineError(err); ok {
		return engErr
	}
	return engerrors.InternalError(engerrors.CodeUnexpectedError, "report_generation", err).
		WithSuggestion("Check the output destination and report format settings")
}
