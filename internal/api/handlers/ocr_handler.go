package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/markdave123-py/ocrflow/internal/core"
	"github.com/markdave123-py/ocrflow/internal/core/pipeline"
	"github.com/markdave123-py/ocrflow/internal/models"
)

// multipartSlack covers the form boundaries and headers around the file part.
const multipartSlack = 1 << 20

// RunAPI is what the handler needs from the run service.
type RunAPI interface {
	Submit(ctx context.Context, data []byte, filename string, mode models.Mode) (*pipeline.SubmitResult, error)
	Get(ctx context.Context, id int64) (*models.Run, error)
	List(ctx context.Context, limit int) ([]models.RunSummary, error)
	Delete(ctx context.Context, id int64) error
}

type listResponse struct {
	Items []models.RunSummary `json:"items"`
}

type OCRHandler struct {
	runs      RunAPI
	maxFileMB int
}

func NewOCRHandler(runs RunAPI, maxFileMB int) *OCRHandler {
	return &OCRHandler{runs: runs, maxFileMB: maxFileMB}
}

// Routes registers the run endpoints on r.
func (h *OCRHandler) Routes(r chi.Router) {
	r.Post("/", h.Submit)
	r.Get("/", h.ListRuns)
	r.Get("/{runID}", h.GetRun)
	r.Delete("/{runID}", h.DeleteRun)
}

func (h *OCRHandler) maxBytes() int64 {
	return core.UploadLimit(h.maxFileMB)
}

// Submit accepts a multipart upload ("file" plus optional "mode") and runs it synchronously.
func (h *OCRHandler) Submit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes()+multipartSlack)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, core.NewTooLargeError(h.maxFileMB))
			return
		}
		writeError(w, &core.ValidationError{Msg: "invalid multipart form"})
		return
	}
	if r.MultipartForm != nil {
		defer r.MultipartForm.RemoveAll()
	}

	mode, err := models.ParseMode(r.FormValue("mode"))
	if err != nil {
		writeError(w, &core.ValidationError{Msg: err.Error()})
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, &core.ValidationError{Msg: "missing file"})
		return
	}
	defer file.Close()

	// one byte past the limit is enough for the pipeline to reject it
	data, err := io.ReadAll(io.LimitReader(file, h.maxBytes()+1))
	if err != nil {
		writeError(w, &core.ValidationError{Msg: "could not read upload"})
		return
	}

	res, err := h.runs.Submit(r.Context(), data, header.Filename, mode)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *OCRHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	id, ok := runID(w, r)
	if !ok {
		return
	}
	run, err := h.runs.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *OCRHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, &core.ValidationError{Msg: "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	runs, err := h.runs.List(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if runs == nil {
		runs = []models.RunSummary{}
	}
	writeJSON(w, http.StatusOK, listResponse{Items: runs})
}

func (h *OCRHandler) DeleteRun(w http.ResponseWriter, r *http.Request) {
	id, ok := runID(w, r)
	if !ok {
		return
	}
	if err := h.runs.Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func runID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "runID"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, &core.ValidationError{Msg: "invalid run id"})
		return 0, false
	}
	return id, true
}
