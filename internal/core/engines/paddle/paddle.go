// Package paddle is the enhanced recognition engine. It drives the PaddleOCR
// sidecar in deploy/paddle-sidecar over HTTP: the model is loaded once per
// process and every page is then posted to the sidecar's OCR endpoint.
package paddle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/markdave123-py/ocrflow/internal/config"
	"github.com/markdave123-py/ocrflow/internal/core"
)

// EngineID is persisted with every result this engine produces.
const EngineID = "paddleocr"

const (
	loadPath = "/v1/models/load"
	ocrPath  = "/v1/ocr"
)

// Line is one recognized text line as returned by the sidecar.
type Line struct {
	Text       string       `json:"text"`
	Confidence *float64     `json:"confidence"`
	Box        [][2]float64 `json:"box,omitempty"`
}

type ocrResponse struct {
	Lines []Line `json:"lines"`
}

type loadRequest struct {
	Lang         string `json:"lang"`
	UseAngleCls  bool   `json:"use_angle_cls"`
	UseGPU       bool   `json:"use_gpu"`
	EnableMKLDNN bool   `json:"enable_mkldnn"`
	CPUThreads   int    `json:"cpu_threads"`
	DetModelDir  string `json:"det_model_dir,omitempty"`
	RecModelDir  string `json:"rec_model_dir,omitempty"`
}

// Engine owns the recognition context. The context is initialized on first
// use and reused for the lifetime of the Engine; a failed initialization is
// retried by the next caller.
type Engine struct {
	baseURL string
	load    loadRequest
	client  *http.Client
	sem     *semaphore.Weighted

	initMu sync.Mutex
	ready  bool
	inits  int
}

func New(cfg config.PaddleConfig) *Engine {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Engine{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		load: loadRequest{
			Lang:         cfg.Lang,
			UseAngleCls:  cfg.UseAngle,
			UseGPU:       cfg.UseGPU,
			EnableMKLDNN: cfg.EnableMKLDNN,
			CPUThreads:   cfg.CPUThreads,
			DetModelDir:  cfg.DetModelDir,
			RecModelDir:  cfg.RecModelDir,
		},
		client: &http.Client{Timeout: cfg.Timeout},
		sem:    semaphore.NewWeighted(int64(concurrency)),
	}
}

func (e *Engine) ID() string { return EngineID }

// Warmup loads the model ahead of the first request.
func (e *Engine) Warmup(ctx context.Context) error {
	if err := e.ensureLoaded(ctx); err != nil {
		return &core.EngineExecutionError{Engine: EngineID, Err: err}
	}
	return nil
}

// Initializations reports how many successful model loads this engine performed.
func (e *Engine) Initializations() int {
	e.initMu.Lock()
	defer e.initMu.Unlock()
	return e.inits
}

func (e *Engine) Run(ctx context.Context, imagePath string, pageNumber int) (core.EngineResult, error) {
	if err := e.ensureLoaded(ctx); err != nil {
		return core.EngineResult{}, e.fail(pageNumber, err)
	}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return core.EngineResult{}, e.fail(pageNumber, err)
	}
	defer e.sem.Release(1)

	start := time.Now()
	lines, err := e.recognize(ctx, imagePath)
	if err != nil {
		return core.EngineResult{}, e.fail(pageNumber, err)
	}
	slog.Debug("enhanced engine page done", "page", pageNumber, "lines", len(lines), "elapsed", time.Since(start).String())

	texts := make([]string, 0, len(lines))
	for _, l := range lines {
		if t := strings.TrimSpace(l.Text); t != "" {
			texts = append(texts, t)
		}
	}
	return core.EngineResult{
		EngineID:   EngineID,
		PageNumber: pageNumber,
		Text:       strings.Join(texts, "\n"),
		Confidence: LineConfidence(lines),
		Extra:      map[string]any{"lines": lines},
	}, nil
}

// LineConfidence is the mean of the line confidences the sidecar reported.
func LineConfidence(lines []Line) *float64 {
	values := make([]*float64, 0, len(lines))
	for _, l := range lines {
		values = append(values, l.Confidence)
	}
	return core.MeanConfidence(values)
}

func (e *Engine) ensureLoaded(ctx context.Context) error {
	e.initMu.Lock()
	defer e.initMu.Unlock()
	if e.ready {
		return nil
	}

	start := time.Now()
	body, err := json.Marshal(e.load)
	if err != nil {
		return fmt.Errorf("encode load request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+loadPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build load request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("load model: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("load model: sidecar returned %d: %s", resp.StatusCode, readSnippet(resp.Body))
	}

	e.ready = true
	e.inits++
	slog.Info("enhanced engine initialized", "lang", e.load.Lang, "gpu", e.load.UseGPU, "elapsed", time.Since(start).String())
	return nil
}

func (e *Engine) recognize(ctx context.Context, imagePath string) ([]Line, error) {
	f, err := os.Open(imagePath)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	part, err := w.CreateFormFile("file", filepath.Base(imagePath))
	if err != nil {
		return nil, fmt.Errorf("build form: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("build form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+ocrPath, body)
	if err != nil {
		return nil, fmt.Errorf("build ocr request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ocr request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sidecar returned %d: %s", resp.StatusCode, readSnippet(resp.Body))
	}

	var out ocrResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode ocr response: %w", err)
	}
	return out.Lines, nil
}

func (e *Engine) fail(page int, err error) error {
	return &core.EngineExecutionError{Engine: EngineID, Page: page, Err: err}
}

func readSnippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 512))
	return strings.TrimSpace(string(b))
}
