package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/markdave123-py/ocrflow/internal/core"
	db "github.com/markdave123-py/ocrflow/internal/core/database"
	"github.com/markdave123-py/ocrflow/internal/core/pipeline"
	"github.com/markdave123-py/ocrflow/internal/core/storage"
	"github.com/markdave123-py/ocrflow/internal/models"
)

// Processor runs the OCR pipeline for one upload.
type Processor interface {
	Process(ctx context.Context, data []byte, filename string, mode models.Mode) (*pipeline.SubmitResult, error)
}

// ArchiveRemover deletes the archived copy of a run.
type ArchiveRemover interface {
	RemoveRun(ctx context.Context, runID int64) error
}

type RunService struct {
	repo      core.RunRepository
	layout    *storage.Layout
	processor Processor
	archive   ArchiveRemover
}

func NewRunService(repo core.RunRepository, layout *storage.Layout, processor Processor) *RunService {
	return &RunService{repo: repo, layout: layout, processor: processor}
}

// SetArchive enables removal of archived artifacts on delete.
func (s *RunService) SetArchive(a ArchiveRemover) {
	s.archive = a
}

func (s *RunService) Submit(ctx context.Context, data []byte, filename string, mode models.Mode) (*pipeline.SubmitResult, error) {
	return s.processor.Process(ctx, data, filename, mode)
}

func (s *RunService) Get(ctx context.Context, id int64) (*models.Run, error) {
	return s.repo.GetRun(ctx, id)
}

// List returns the most recent runs first. A non-positive limit means the default.
func (s *RunService) List(ctx context.Context, limit int) ([]models.RunSummary, error) {
	return s.repo.ListRuns(ctx, db.ClampLimit(limit))
}

// Delete removes a finished run: its archived copy, its rows and its run directory.
// Runs still in progress are rejected.
func (s *RunService) Delete(ctx context.Context, id int64) error {
	run, err := s.repo.GetRun(ctx, id)
	if err != nil {
		return err
	}
	if !run.Status.Terminal() {
		return &core.ValidationError{Msg: fmt.Sprintf("run %d is still %s", id, run.Status)}
	}

	if s.archive != nil {
		if err := s.archive.RemoveRun(ctx, id); err != nil {
			slog.Warn("could not remove archived run", "runId", id, "error", err)
		}
	}
	if err := s.repo.DeleteRun(ctx, id); err != nil {
		return err
	}
	if err := s.layout.Remove(id); err != nil {
		return fmt.Errorf("remove run directory: %w", err)
	}
	slog.Info("run deleted", "runId", id)
	return nil
}
