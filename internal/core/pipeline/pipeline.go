// Package pipeline drives one uploaded document through normalization,
// enhancement and recognition, recording every step on the run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/markdave123-py/ocrflow/internal/core"
	"github.com/markdave123-py/ocrflow/internal/core/normalizer"
	"github.com/markdave123-py/ocrflow/internal/core/storage"
	"github.com/markdave123-py/ocrflow/internal/models"
)

// Normalizer produces the ordered page images of an upload.
type Normalizer interface {
	Prepare(ctx context.Context, srcPath string, dirs storage.RunDirs) (core.PreparedDocument, error)
}

// Enhancer prepares one page image for recognition.
type Enhancer interface {
	Enhance(ctx context.Context, imagePath, outDir string, pageNumber int) (core.Enhanced, error)
}

// ArchiveQueue receives completed runs for background archiving.
type ArchiveQueue interface {
	Enqueue(runID int64)
}

// Engines is the engine registry, one slot per engine kind.
type Engines struct {
	Fast     core.Engine
	Enhanced core.Engine
}

func (e Engines) byKind(kind models.EngineKind) core.Engine {
	switch kind {
	case models.KindFast:
		return e.Fast
	case models.KindEnhanced:
		return e.Enhanced
	}
	panic(fmt.Sprintf("pipeline: unhandled engine kind %d", int(kind)))
}

// Options bounds a run.
type Options struct {
	MaxFileMB   int
	PageWorkers int
}

// PageResult is one page of the selected engine's output.
type PageResult struct {
	PageNumber int      `json:"page_number"`
	Engine     string   `json:"engine"`
	Confidence *float64 `json:"confidence"`
	Text       string   `json:"text"`
}

// SubmitResult is what a caller gets back for a completed run.
type SubmitResult struct {
	RunID          int64        `json:"run_id"`
	Mode           models.Mode  `json:"mode"`
	SelectedEngine string       `json:"selected_engine"`
	Pages          []PageResult `json:"pages"`
}

// Orchestrator runs the OCR pipeline. It is safe for concurrent use; runs are
// isolated by their run directory and rows.
type Orchestrator struct {
	repo       core.RunRepository
	layout     *storage.Layout
	normalizer Normalizer
	enhancer   Enhancer
	engines    Engines
	archive    ArchiveQueue

	maxFileMB   int
	pageWorkers int
	newID       func() string
}

func New(repo core.RunRepository, layout *storage.Layout, n Normalizer, enh Enhancer, engines Engines, opts Options) (*Orchestrator, error) {
	if engines.Fast == nil || engines.Enhanced == nil {
		return nil, errors.New("pipeline: both engines must be registered")
	}
	if opts.MaxFileMB <= 0 {
		return nil, errors.New("pipeline: max file size must be positive")
	}
	workers := opts.PageWorkers
	if workers <= 0 {
		workers = 1
	}
	return &Orchestrator{
		repo:        repo,
		layout:      layout,
		normalizer:  n,
		enhancer:    enh,
		engines:     engines,
		maxFileMB:   opts.MaxFileMB,
		pageWorkers: workers,
		newID:       uuid.NewString,
	}, nil
}

// SetArchive registers the queue completed runs are handed to.
func (o *Orchestrator) SetArchive(q ArchiveQueue) {
	o.archive = q
}

func (o *Orchestrator) maxBytes() int64 {
	return core.UploadLimit(o.maxFileMB)
}

// Warmup initializes engines that have an expensive first use. Failures are
// only logged; the engine retries on its first real request.
func (o *Orchestrator) Warmup(ctx context.Context) {
	for _, e := range []core.Engine{o.engines.Fast, o.engines.Enhanced} {
		w, ok := e.(core.Warmer)
		if !ok {
			continue
		}
		start := time.Now()
		if err := w.Warmup(ctx); err != nil {
			slog.Warn("engine warm-up failed", "engine", e.ID(), "error", err)
			continue
		}
		slog.Info("engine warmed up", "engine", e.ID(), "elapsed", time.Since(start).String())
	}
}

// Process runs the whole pipeline for one upload. Validation failures are
// returned before any run exists. Once the run is created, every failure marks
// it failed and is returned as a *core.ProcessingError carrying the run id.
//
// The run is not tied to ctx cancellation: a client going away does not stop it.
func (o *Orchestrator) Process(ctx context.Context, data []byte, filename string, mode models.Mode) (*SubmitResult, error) {
	if len(data) == 0 {
		return nil, core.NewEmptyPayloadError()
	}
	if int64(len(data)) > o.maxBytes() {
		return nil, core.NewTooLargeError(o.maxFileMB)
	}
	kinds := mode.Engines()
	ctx = context.WithoutCancel(ctx)

	correlationID := o.newID()
	run := &models.Run{
		Mode:         mode,
		Status:       models.StatusInitializing,
		OriginalName: filename,
		MimeType:     normalizer.DetectMime(filename),
		Extras:       models.RunExtras{CorrelationID: correlationID},
	}
	if err := o.repo.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	logCtx := slog.With("runId", run.ID, "correlationId", correlationID, "mode", mode.String())
	logCtx.Info("run created", "filename", filename, "bytes", len(data))
	start := time.Now()

	dirs, err := o.layout.Allocate(run.ID)
	if err != nil {
		return nil, o.handleError(ctx, logCtx, run.ID, "failed to allocate run directory", err)
	}
	uploadPath, err := o.layout.SaveUpload(dirs, filename, data)
	if err != nil {
		return nil, o.handleError(ctx, logCtx, run.ID, "failed to save upload", err)
	}
	if err := o.repo.UpdateRun(ctx, run.ID, models.RunUpdate{Status: models.StatusProcessing, OriginalFile: uploadPath}); err != nil {
		return nil, o.handleError(ctx, logCtx, run.ID, "failed to start processing", err)
	}

	doc, err := o.normalizer.Prepare(ctx, uploadPath, dirs)
	if err != nil {
		return nil, o.handleError(ctx, logCtx, run.ID, "failed to normalize document", err)
	}
	if err := o.repo.AddImages(ctx, run.ID, documentImages(uploadPath, doc)); err != nil {
		return nil, o.handleError(ctx, logCtx, run.ID, "failed to record page images", err)
	}
	logCtx.Info("document normalized", "mimeType", doc.MimeType, "pages", len(doc.PageImages))

	processed, err := o.enhancePages(ctx, doc.PageImages, dirs.Outputs)
	if err != nil {
		return nil, o.handleError(ctx, logCtx, run.ID, "failed to enhance pages", err)
	}
	preprocessed := make([]models.Image, 0, len(processed))
	for i, enh := range processed {
		preprocessed = append(preprocessed, models.Image{
			Role:       models.RolePreprocessed,
			Path:       enh.ProcessedPath,
			PageNumber: models.PageNumber(i + 1),
			Step:       models.StepPreprocess,
			Metadata:   models.ImageMetadata{Steps: enh.Steps, SourcePath: doc.PageImages[i]},
		})
	}
	if err := o.repo.AddImages(ctx, run.ID, preprocessed); err != nil {
		return nil, o.handleError(ctx, logCtx, run.ID, "failed to record enhanced pages", err)
	}

	outcomes := o.recognize(ctx, kinds, processed)
	selected, err := SelectEngine(mode, outcomes, len(processed))
	if err != nil {
		return nil, o.handleError(ctx, logCtx, run.ID, "recognition failed", err)
	}
	winner := outcomes[selected]

	extras := models.RunExtras{
		SelectedEngine: winner.EngineID,
		CorrelationID:  correlationID,
		PageCount:      len(processed),
	}
	var results []models.Result
	for _, oc := range outcomes {
		if len(oc.Errors) > 0 {
			failures := oc.Failures()
			logCtx.Warn("engine failed on some pages", "engine", oc.EngineID, "failures", len(failures))
			extras.EngineFailures = append(extras.EngineFailures, failures...)
		}
		for _, r := range oc.Results {
			results = append(results, models.Result{
				Engine:     r.EngineID,
				Mode:       mode,
				PageNumber: r.PageNumber,
				Text:       r.Text,
				Confidence: r.Confidence,
				Extra:      r.Extra,
			})
		}
	}
	if err := o.repo.CompleteRun(ctx, run.ID, results, winner.EngineID, extras); err != nil {
		return nil, o.handleError(ctx, logCtx, run.ID, "failed to persist results", err)
	}
	logCtx.Info("run completed", "engine", winner.EngineID, "results", len(results), "elapsed", time.Since(start).String())

	if o.archive != nil {
		o.archive.Enqueue(run.ID)
	}

	out := &SubmitResult{RunID: run.ID, Mode: mode, SelectedEngine: winner.EngineID}
	for _, r := range winner.Results {
		out.Pages = append(out.Pages, PageResult{
			PageNumber: r.PageNumber,
			Engine:     r.EngineID,
			Confidence: r.Confidence,
			Text:       r.Text,
		})
	}
	return out, nil
}

// handleError records the failure on the run and wraps it for the caller.
func (o *Orchestrator) handleError(ctx context.Context, logCtx *slog.Logger, runID int64, message string, cause error) error {
	logCtx.Error(message, "error", cause)
	upd := models.RunUpdate{Status: models.StatusFailed, ErrorMessage: fmt.Sprintf("%s: %v", message, cause)}
	if err := o.repo.UpdateRun(ctx, runID, upd); err != nil {
		logCtx.Error("CRITICAL: could not mark run as failed", "updateError", err)
	}
	return &core.ProcessingError{RunID: runID, Err: cause}
}

// documentImages lists the original, converted and page artifacts in the order produced.
func documentImages(uploadPath string, doc core.PreparedDocument) []models.Image {
	images := []models.Image{{
		Role: models.RoleOriginal,
		Path: uploadPath,
		Step: models.StepUpload,
	}}
	for _, c := range doc.Conversions {
		images = append(images, models.Image{
			Role:     models.RoleConverted,
			Path:     c.Path,
			Step:     c.Label,
			Metadata: models.ImageMetadata{SourcePath: uploadPath},
		})
	}
	for i, p := range doc.PageImages {
		images = append(images, models.Image{
			Role:       models.RolePage,
			Path:       p,
			PageNumber: models.PageNumber(i + 1),
			Step:       models.StepPageImage,
		})
	}
	return images
}

func (o *Orchestrator) enhancePages(ctx context.Context, pages []string, outDir string) ([]core.Enhanced, error) {
	out := make([]core.Enhanced, len(pages))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.pageWorkers)
	for i, page := range pages {
		g.Go(func() error {
			enh, err := o.enhancer.Enhance(gctx, page, outDir, i+1)
			if err != nil {
				return err
			}
			out[i] = enh
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// recognize runs every engine of the mode over every page. Page failures are
// collected on the outcome rather than cancelling the other pages.
func (o *Orchestrator) recognize(ctx context.Context, kinds []models.EngineKind, pages []core.Enhanced) []EngineOutcome {
	type slot struct {
		res core.EngineResult
		err error
	}
	slots := make([][]slot, len(kinds))

	var g errgroup.Group
	g.SetLimit(o.pageWorkers)
	for k, kind := range kinds {
		engine := o.engines.byKind(kind)
		slots[k] = make([]slot, len(pages))
		for i, page := range pages {
			g.Go(func() error {
				res, err := engine.Run(ctx, page.ProcessedPath, i+1)
				if err != nil {
					var execErr *core.EngineExecutionError
					if !errors.As(err, &execErr) {
						err = &core.EngineExecutionError{Engine: engine.ID(), Page: i + 1, Err: err}
					}
				}
				slots[k][i] = slot{res: res, err: err}
				return nil
			})
		}
	}
	_ = g.Wait()

	outcomes := make([]EngineOutcome, len(kinds))
	for k, kind := range kinds {
		oc := EngineOutcome{Kind: kind, EngineID: o.engines.byKind(kind).ID()}
		for i, s := range slots[k] {
			if s.err != nil {
				oc.Errors = append(oc.Errors, s.err)
				continue
			}
			s.res.PageNumber = i + 1
			if s.res.EngineID == "" {
				s.res.EngineID = oc.EngineID
			}
			oc.Results = append(oc.Results, s.res)
		}
		outcomes[k] = oc
	}
	return outcomes
}
