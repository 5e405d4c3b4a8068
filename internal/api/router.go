// Package api exposes imports, syncs and balance validation over HTTP.
//
//	POST /api/v1/imports                            multipart upload
//	GET  /api/v1/imports                            list batches
//	GET  /api/v1/imports/{id}                       batch with live progress
//	POST /api/v1/imports/{id}/reprocess             retry a failed batch
//	POST /api/v1/stores/{id}/sync                   pull orders from Shopify
//	GET  /api/v1/organizations/{id}/reconciliation  validate balances
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"ledger-import-engine/internal/importer"
	"ledger-import-engine/internal/models"
	"ledger-import-engine/internal/store"
	"ledger-import-engine/pkg/logger"
)

// Importer is the batch lifecycle the handlers drive.
type Importer interface {
	SubmitFile(ctx context.Context, req importer.FileRequest) (*models.ImportBatch, error)
	SubmitSync(ctx context.Context, req importer.SyncRequest) (*models.ImportBatch, error)
	Run(ctx context.Context, batchID string) (*models.ImportBatch, error)
	Reprocess(ctx context.Context, batchID string) (*models.ImportBatch, error)
	Batch(ctx context.Context, batchID string) (*models.ImportBatch, error)
	Batches(ctx context.Context, filter store.BatchFilter) ([]*models.ImportBatch, error)
	Progress() *importer.ProgressRegistry
}

// Enqueuer schedules a pending batch for background processing.
type Enqueuer interface {
	Enqueue(ctx context.Context, batchID string) (bool, error)
}

// Validator computes reconciliation results.
type Validator interface {
	Validate(ctx context.Context, organizationID string) (*models.ReconciliationResult, error)
	Refresh(ctx context.Context, organizationID string) (*models.ReconciliationResult, error)
}

// Dependencies wires the router. Queue is optional: without it batches run
// inside the request.
type Dependencies struct {
	Importer   Importer
	Queue      Enqueuer
	Reconciler Validator
	Logger     logger.Logger

	MaxUploadBytes int64
	// RequestsPerSecond of zero disables rate limiting.
	RequestsPerSecond float64
	Burst             int
}

const defaultMaxUpload = 32 << 20

// NewRouter builds the HTTP handler.
func NewRouter(deps Dependencies) http.Handler {
	deps.Logger = logger.OrDefault(deps.Logger).WithComponent("api")
	if deps.MaxUploadBytes <= 0 {
		deps.MaxUploadBytes = defaultMaxUpload
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(deps.Logger))
	if deps.RequestsPerSecond > 0 {
		burst := deps.Burst
		if burst < 1 {
			burst = 1
		}
		r.Use(rateLimit(rate.NewLimiter(rate.Limit(deps.RequestsPerSecond), burst)))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	h := &handlers{deps: deps}
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/imports", func(r chi.Router) {
			r.Post("/", h.createImport)
			r.Get("/", h.listImports)
			r.Get("/{id}", h.getImport)
			r.Post("/{id}/reprocess", h.reprocessImport)
		})
		r.Post("/stores/{id}/sync", h.syncStore)
		r.Get("/organizations/{id}/reconciliation", h.reconciliation)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeProblem(w, http.StatusNotFound, "not_found", "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeProblem(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})

	return r
}

func requestLogger(log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			started := time.Now()
			next.ServeHTTP(ww, r)

			log.WithFields(logger.Fields{
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     ww.Status(),
				"bytes":      ww.BytesWritten(),
				"elapsed":    time.Since(started),
				"request_id": middleware.GetReqID(r.Context()),
			}).Debug("Handled request")
		})
	}
}

func rateLimit(limiter *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				w.Header().Set("Retry-After", "1")
				writeProblem(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
