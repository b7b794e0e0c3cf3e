package db

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/markdave123-py/ocrflow/internal/core"
	"github.com/markdave123-py/ocrflow/internal/models"
)

var _ core.RunRepository = (*MemoryClient)(nil)

// MemoryClient is an in-process RunRepository. Every method holds one lock,
// so each call is atomic relative to readers.
type MemoryClient struct {
	mu        sync.RWMutex
	nextRun   int64
	nextImage int64
	nextRes   int64
	runs      map[int64]*models.Run
	now       func() time.Time
}

func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		runs: make(map[int64]*models.Run),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryClient) Close() error { return nil }

func (m *MemoryClient) CreateRun(ctx context.Context, run *models.Run) error {
	if run == nil {
		return errors.New("nil run")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextRun++
	now := m.now()
	run.ID = m.nextRun
	if run.Status == "" {
		run.Status = models.StatusInitializing
	}
	run.CreatedAt, run.UpdatedAt = now, now

	stored := cloneRun(run)
	stored.Images, stored.Results = nil, nil
	m.runs[run.ID] = stored
	return nil
}

func (m *MemoryClient) UpdateRun(ctx context.Context, id int64, upd models.RunUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateLocked(id, upd)
}

func (m *MemoryClient) updateLocked(id int64, upd models.RunUpdate) error {
	run, ok := m.runs[id]
	if !ok {
		return &core.NotFoundError{RunID: id}
	}
	if upd.Status != "" && !run.Status.CanTransitionTo(upd.Status) {
		return fmt.Errorf("%w: run %d %s -> %s", core.ErrInvalidTransition, id, run.Status, upd.Status)
	}
	if upd.Status != "" {
		run.Status = upd.Status
	}
	if upd.EngineUsed != "" {
		run.EngineUsed = upd.EngineUsed
	}
	if upd.OriginalFile != "" {
		run.OriginalFile = upd.OriginalFile
	}
	if upd.MimeType != "" {
		run.MimeType = upd.MimeType
	}
	if upd.ErrorMessage != "" {
		run.ErrorMessage = upd.ErrorMessage
	}
	if upd.Extras != nil {
		run.Extras = cloneExtras(*upd.Extras)
	}
	run.UpdatedAt = m.now()
	return nil
}

func (m *MemoryClient) AddImages(ctx context.Context, runID int64, images []models.Image) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[runID]
	if !ok {
		return &core.NotFoundError{RunID: runID}
	}
	now := m.now()
	for i := range images {
		m.nextImage++
		images[i].ID = m.nextImage
		images[i].RunID = runID
		images[i].CreatedAt = now
		run.Images = append(run.Images, cloneImage(images[i]))
	}
	return nil
}

func (m *MemoryClient) AddResults(ctx context.Context, runID int64, results []models.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[runID]
	if !ok {
		return &core.NotFoundError{RunID: runID}
	}
	m.appendResultsLocked(run, results)
	return nil
}

func (m *MemoryClient) appendResultsLocked(run *models.Run, results []models.Result) {
	now := m.now()
	for i := range results {
		m.nextRes++
		results[i].ID = m.nextRes
		results[i].RunID = run.ID
		results[i].CreatedAt = now
		run.Results = append(run.Results, cloneResult(results[i]))
	}
}

func (m *MemoryClient) CompleteRun(ctx context.Context, runID int64, results []models.Result, engine string, extras models.RunExtras) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[runID]
	if !ok {
		return &core.NotFoundError{RunID: runID}
	}
	if !run.Status.CanTransitionTo(models.StatusCompleted) {
		return fmt.Errorf("%w: run %d %s -> %s", core.ErrInvalidTransition, runID, run.Status, models.StatusCompleted)
	}
	m.appendResultsLocked(run, results)
	return m.updateLocked(runID, models.RunUpdate{Status: models.StatusCompleted, EngineUsed: engine, Extras: &extras})
}

func (m *MemoryClient) GetRun(ctx context.Context, id int64) (*models.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	run, ok := m.runs[id]
	if !ok {
		return nil, &core.NotFoundError{RunID: id}
	}
	return cloneRun(run), nil
}

func (m *MemoryClient) ListRuns(ctx context.Context, limit int) ([]models.RunSummary, error) {
	limit = ClampLimit(limit)

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.RunSummary, 0, len(m.runs))
	for _, r := range m.runs {
		out = append(out, models.RunSummary{
			ID:           r.ID,
			Mode:         r.Mode,
			Status:       r.Status,
			EngineUsed:   r.EngineUsed,
			OriginalFile: r.OriginalFile,
			CreatedAt:    r.CreatedAt,
			UpdatedAt:    r.UpdatedAt,
		})
	}
	slices.SortFunc(out, func(a, b models.RunSummary) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		switch {
		case a.ID > b.ID:
			return -1
		case a.ID < b.ID:
			return 1
		}
		return 0
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryClient) DeleteRun(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runs[id]; !ok {
		return &core.NotFoundError{RunID: id}
	}
	delete(m.runs, id)
	return nil
}

func cloneRun(r *models.Run) *models.Run {
	out := *r
	out.Extras = cloneExtras(r.Extras)
	out.Images = make([]models.Image, 0, len(r.Images))
	for _, img := range r.Images {
		out.Images = append(out.Images, cloneImage(img))
	}
	out.Results = make([]models.Result, 0, len(r.Results))
	for _, res := range r.Results {
		out.Results = append(out.Results, cloneResult(res))
	}
	return &out
}

func cloneExtras(e models.RunExtras) models.RunExtras {
	e.EngineFailures = slices.Clone(e.EngineFailures)
	return e
}

func cloneImage(img models.Image) models.Image {
	if img.PageNumber != nil {
		img.PageNumber = models.PageNumber(*img.PageNumber)
	}
	img.Metadata.Steps = slices.Clone(img.Metadata.Steps)
	return img
}

func cloneResult(r models.Result) models.Result {
	if r.Confidence != nil {
		c := *r.Confidence
		r.Confidence = &c
	}
	r.Extra = maps.Clone(r.Extra)
	return r
}
