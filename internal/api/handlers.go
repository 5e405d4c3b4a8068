package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"ledger-import-engine/internal/importer"
	"ledger-import-engine/internal/models"
	"ledger-import-engine/internal/store"
	engerrors "ledger-import-engine/pkg/errors"
	"ledger-import-engine/pkg/logger"
)

type handlers struct {
	deps Dependencies
}

type batchResponse struct {
	Batch    *models.ImportBatch `json:"batch"`
	Progress *importer.Progress  `json:"progress,omitempty"`
	Queued   bool                `json:"queued,omitempty"`
}

type syncRequest struct {
	OrganizationID string `json:"organization_id"`
	Since          string `json:"since"`
}

func (h *handlers) log(r *http.Request) logger.Logger {
	return h.deps.Logger.WithField("request_id", middleware.GetReqID(r.Context()))
}

// dispatch runs a pending batch in the background when a queue is
// configured and inline otherwise.
func (h *handlers) dispatch(w http.ResponseWriter, r *http.Request, batch *models.ImportBatch) {
	if h.deps.Queue != nil {
		queued, err := h.deps.Queue.Enqueue(r.Context(), batch.ID)
		if err != nil {
			h.log(r).WithError(err).WithField("batch_id", batch.ID).Warn("Could not queue batch")
			writeError(w, engerrors.InternalError(engerrors.CodeUnexpectedError, "enqueue", err), batch)
			return
		}
		writeJSON(w, http.StatusAccepted, batchResponse{Batch: batch, Queued: queued})
		return
	}

	final, err := h.deps.Importer.Run(r.Context(), batch.ID)
	if err != nil {
		writeError(w, err, final)
		return
	}
	writeJSON(w, http.StatusCreated, batchResponse{Batch: final})
}

func (h *handlers) createImport(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.deps.MaxUploadBytes)
	if err := r.ParseMultipartForm(h.deps.MaxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeProblem(w, http.StatusRequestEntityTooLarge, "file_too_large", "upload exceeds the size limit")
			return
		}
		writeError(w, engerrors.ValidationError(engerrors.CodeMissingField, "file", nil, err), nil)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, engerrors.ValidationError(engerrors.CodeMissingField, "file", nil, err), nil)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, engerrors.ValidationError(engerrors.CodeInvalidRecord, "file", header.Filename, err), nil)
		return
	}

	force, _ := strconv.ParseBool(r.FormValue("force"))
	batch, err := h.deps.Importer.SubmitFile(r.Context(), importer.FileRequest{
		OrganizationID: r.FormValue("organization_id"),
		StoreID:        r.FormValue("store_id"),
		Filename:       header.Filename,
		Data:           data,
		Force:          force,
	})
	if err != nil {
		writeError(w, err, nil)
		return
	}

	h.dispatch(w, r, batch)
}

func (h *handlers) listImports(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.BatchFilter{
		OrganizationID: q.Get("organization_id"),
		StoreID:        q.Get("store_id"),
		Status:         models.BatchStatus(q.Get("status")),
		Limit:          50,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, engerrors.ValidationError(engerrors.CodeInvalidRecord, "limit", v, err), nil)
			return
		}
		filter.Limit = n
	}

	batches, err := h.deps.Importer.Batches(r.Context(), filter)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	if batches == nil {
		batches = []*models.ImportBatch{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"batches": batches})
}

func (h *handlers) getImport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	batch, err := h.deps.Importer.Batch(r.Context(), id)
	if err != nil {
		writeError(w, err, nil)
		return
	}

	resp := batchResponse{Batch: batch}
	if p, ok := h.deps.Importer.Progress().Get(id); ok {
		resp.Progress = &p
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) reprocessImport(w http.ResponseWriter, r *http.Request) {
	batch, err := h.deps.Importer.Reprocess(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err, nil)
		return
	}
	h.dispatch(w, r, batch)
}

func (h *handlers) syncStore(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, engerrors.ValidationError(engerrors.CodeInvalidRecord, "body", nil, err), nil)
			return
		}
	}
	if req.OrganizationID == "" {
		req.OrganizationID = r.URL.Query().Get("organization_id")
	}

	var since time.Time
	if s := strings.TrimSpace(req.Since); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, engerrors.ValidationError(engerrors.CodeInvalidRecord, "since", s, err).
				WithSuggestion("use an RFC 3339 timestamp such as 2024-01-01T00:00:00Z"), nil)
			return
		}
		since = t
	}

	batch, err := h.deps.Importer.SubmitSync(r.Context(), importer.SyncRequest{
		OrganizationID: req.OrganizationID,
		StoreID:        chi.URLParam(r, "id"),
		Since:          since,
	})
	if err != nil {
		writeError(w, err, nil)
		return
	}
	h.dispatch(w, r, batch)
}

func (h *handlers) reconciliation(w http.ResponseWriter, r *http.Request) {
	if h.deps.Reconciler == nil {
		writeProblem(w, http.StatusServiceUnavailable, "reconciliation_unavailable", "balance validation is not configured")
		return
	}

	org := chi.URLParam(r, "id")
	validate := h.deps.Reconciler.Validate
	if fresh, _ := strconv.ParseBool(r.URL.Query().Get("fresh")); fresh {
		validate = h.deps.Reconciler.Refresh
	}

	res, err := validate(r.Context(), org)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
