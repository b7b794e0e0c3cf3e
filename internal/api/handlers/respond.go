package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/markdave123-py/ocrflow/internal/core"
)

type errorResponse struct {
	Error string `json:"error"`
	RunID int64  `json:"run_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

// writeError maps the error taxonomy onto HTTP statuses. Failed runs carry their id.
func writeError(w http.ResponseWriter, err error) {
	resp := errorResponse{Error: err.Error()}
	var pErr *core.ProcessingError
	if errors.As(err, &pErr) {
		resp.RunID = pErr.RunID
		if pErr.Err != nil {
			resp.Error = pErr.Err.Error()
		}
	}

	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
		if resp.RunID != 0 {
			resp.Error = "processing failed"
		} else {
			resp.Error = "internal server error"
		}
	}
	writeJSON(w, status, resp)
}

func statusFor(err error) int {
	var (
		validation  *core.ValidationError
		unsupported *core.UnsupportedTypeError
		notFound    *core.NotFoundError
		conversion  *core.ConversionError
		unreadable  *core.UnreadableImageError
		engine      *core.EngineExecutionError
	)
	switch {
	case errors.As(err, &validation):
		if validation.TooLarge {
			return http.StatusRequestEntityTooLarge
		}
		return http.StatusBadRequest
	case errors.As(err, &unsupported):
		return http.StatusUnsupportedMediaType
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &conversion), errors.As(err, &unreadable):
		return http.StatusUnprocessableEntity
	case errors.As(err, &engine):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
