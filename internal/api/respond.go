package api

import (
	"encoding/json"
	"net/http"

	"ledger-import-engine/internal/models"
	engerrors "ledger-import-engine/pkg/errors"
)

type errorBody struct {
	Error *engerrors.EngineError `json:"error"`
	Batch *models.ImportBatch    `json:"batch,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: &engerrors.EngineError{
		Kind:    engerrors.KindValidation,
		Code:    engerrors.ErrorCode(code),
		Message: message,
	}})
}

// writeError maps an error to a status code by kind and code. batch is the
// final state of a failed run, if any.
func writeError(w http.ResponseWriter, err error, batch *models.ImportBatch) {
	engErr, ok := engerrors.AsEngineError(err)
	if !ok {
		engErr = engerrors.InternalError(engerrors.CodeUnexpectedError, "request", err)
	}
	writeJSON(w, statusFor(engErr), errorBody{Error: engErr, Batch: batch})
}

func statusFor(e *engerrors.EngineError) int {
	switch e.Code {
	case engerrors.CodeDuplicateFile, engerrors.CodeInvalidTransition:
		return http.StatusConflict
	case engerrors.CodeNotFound:
		return http.StatusNotFound
	case engerrors.CodeQuotaExceeded:
		return http.StatusTooManyRequests
	}

	switch e.Kind {
	case engerrors.KindValidation:
		return http.StatusBadRequest
	case engerrors.KindParse, engerrors.KindIntegrity:
		return http.StatusUnprocessableEntity
	case engerrors.KindTransport:
		return http.StatusBadGateway
	case engerrors.KindConfiguration:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
