package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/markdave123-py/ocrflow/internal/core"
	"github.com/markdave123-py/ocrflow/internal/core/pipeline"
	"github.com/markdave123-py/ocrflow/internal/models"
)

type fakeRuns struct {
	submitErr error
	gotData   []byte
	gotName   string
	gotMode   models.Mode
	gotLimit  int
	runs      map[int64]*models.Run
	deleted   []int64
}

func (f *fakeRuns) Submit(ctx context.Context, data []byte, filename string, mode models.Mode) (*pipeline.SubmitResult, error) {
	f.gotData, f.gotName, f.gotMode = data, filename, mode
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	c := 0.92
	return &pipeline.SubmitResult{
		RunID:          7,
		Mode:           mode,
		SelectedEngine: "tesseract",
		Pages:          []pipeline.PageResult{{PageNumber: 1, Engine: "tesseract", Confidence: &c, Text: "hello"}},
	}, nil
}

func (f *fakeRuns) Get(ctx context.Context, id int64) (*models.Run, error) {
	if r, ok := f.runs[id]; ok {
		return r, nil
	}
	return nil, &core.NotFoundError{RunID: id}
}

func (f *fakeRuns) List(ctx context.Context, limit int) ([]models.RunSummary, error) {
	f.gotLimit = limit
	return nil, nil
}

func (f *fakeRuns) Delete(ctx context.Context, id int64) error {
	if _, ok := f.runs[id]; !ok {
		return &core.NotFoundError{RunID: id}
	}
	f.deleted = append(f.deleted, id)
	return nil
}

func newRouter(runs RunAPI, maxMB int) http.Handler {
	r := chi.NewRouter()
	r.Route("/api/ocr", NewOCRHandler(runs, maxMB).Routes)
	r.Get("/health", Health)
	return r
}

func uploadRequest(t *testing.T, filename string, data []byte, mode string) *http.Request {
	t.Helper()
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	if mode != "" {
		if err := w.WriteField("mode", mode); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write(data); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/ocr", body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestSubmitDefaultsToAuto(t *testing.T) {
	runs := &fakeRuns{}
	rec := httptest.NewRecorder()
	newRouter(runs, 1).ServeHTTP(rec, uploadRequest(t, "scan.png", []byte("png"), ""))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if runs.gotMode != models.ModeAuto || runs.gotName != "scan.png" || string(runs.gotData) != "png" {
		t.Fatalf("unexpected submit args: %v %q %q", runs.gotMode, runs.gotName, runs.gotData)
	}
	got := decode[map[string]any](t, rec)
	if got["run_id"] != float64(7) || got["mode"] != "auto" || got["selected_engine"] != "tesseract" {
		t.Fatalf("unexpected body %v", got)
	}
	if pages, ok := got["pages"].([]any); !ok || len(pages) != 1 {
		t.Fatalf("unexpected pages %v", got["pages"])
	}
}

func TestSubmitRejectsUnknownMode(t *testing.T) {
	runs := &fakeRuns{}
	rec := httptest.NewRecorder()
	newRouter(runs, 1).ServeHTTP(rec, uploadRequest(t, "scan.png", []byte("png"), "turbo"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if runs.gotName != "" {
		t.Fatalf("service should not be called")
	}
}

func TestSubmitMissingFile(t *testing.T) {
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	_ = w.WriteField("mode", "fast")
	_ = w.Close()
	req := httptest.NewRequest(http.MethodPost, "/api/ocr", body)
	req.Header.Set("Content-Type", w.FormDataContentType())

	rec := httptest.NewRecorder()
	newRouter(&fakeRuns{}, 1).ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestSubmitBodyFarOverLimit(t *testing.T) {
	rec := httptest.NewRecorder()
	huge := bytes.Repeat([]byte{'x'}, 3*1024*1024)
	newRouter(&fakeRuns{}, 1).ServeHTTP(rec, uploadRequest(t, "big.pdf", huge, "fast"))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d", rec.Code)
	}
	got := decode[errorResponse](t, rec)
	if got.Error != "File too large. Max size is 1 MB" {
		t.Fatalf("error = %q", got.Error)
	}
}

func TestSubmitErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		runID  int64
	}{
		{"empty", core.NewEmptyPayloadError(), http.StatusBadRequest, 0},
		{"too large", core.NewTooLargeError(1), http.StatusRequestEntityTooLarge, 0},
		{"unsupported", &core.ProcessingError{RunID: 3, Err: &core.UnsupportedTypeError{Extension: ".exe"}}, http.StatusUnsupportedMediaType, 3},
		{"conversion", &core.ProcessingError{RunID: 4, Err: &core.ConversionError{Tool: "libreoffice", Err: errors.New("exit 1")}}, http.StatusUnprocessableEntity, 4},
		{"unreadable", &core.ProcessingError{RunID: 5, Err: &core.UnreadableImageError{Path: "p", Err: errors.New("bad")}}, http.StatusUnprocessableEntity, 5},
		{"engine", &core.ProcessingError{RunID: 6, Err: &core.EngineExecutionError{Engine: "paddleocr", Err: errors.New("down")}}, http.StatusBadGateway, 6},
		{"other", &core.ProcessingError{RunID: 8, Err: errors.New("disk full")}, http.StatusInternalServerError, 8},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			newRouter(&fakeRuns{submitErr: tc.err}, 1).ServeHTTP(rec, uploadRequest(t, "a.png", []byte("x"), "fast"))
			if rec.Code != tc.status {
				t.Fatalf("status = %d, want %d", rec.Code, tc.status)
			}
			got := decode[errorResponse](t, rec)
			if got.RunID != tc.runID || got.Error == "" {
				t.Fatalf("unexpected body %+v", got)
			}
			if tc.status == http.StatusInternalServerError && strings.Contains(got.Error, "disk full") {
				t.Fatalf("internal detail leaked: %q", got.Error)
			}
		})
	}
}

func TestGetRun(t *testing.T) {
	runs := &fakeRuns{runs: map[int64]*models.Run{
		2: {ID: 2, Mode: models.ModeFast, Status: models.StatusFailed, ErrorMessage: "libreoffice failed"},
	}}
	router := newRouter(runs, 1)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/ocr/2", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	got := decode[map[string]any](t, rec)
	if got["status"] != "failed" || got["error_message"] != "libreoffice failed" || got["mode"] != "fast" {
		t.Fatalf("unexpected body %v", got)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/ocr/99", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/ocr/abc", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestListRuns(t *testing.T) {
	runs := &fakeRuns{}
	router := newRouter(runs, 1)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/ocr?limit=5", nil))
	if rec.Code != http.StatusOK || runs.gotLimit != 5 {
		t.Fatalf("status = %d, limit = %d", rec.Code, runs.gotLimit)
	}
	if strings.TrimSpace(rec.Body.String()) != `{"items":[]}` {
		t.Fatalf("expected empty list, got %s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/ocr?limit=-1", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestDeleteRun(t *testing.T) {
	runs := &fakeRuns{runs: map[int64]*models.Run{4: {ID: 4}}}
	router := newRouter(runs, 1)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/ocr/4", nil))
	if rec.Code != http.StatusNoContent || len(runs.deleted) != 1 {
		t.Fatalf("status = %d, deleted %v", rec.Code, runs.deleted)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/ocr/5", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	rec := httptest.NewRecorder()
	newRouter(&fakeRuns{}, 1).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
}
