package services

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/markdave123-py/ocrflow/internal/core"
	db "github.com/markdave123-py/ocrflow/internal/core/database"
	"github.com/markdave123-py/ocrflow/internal/core/pipeline"
	"github.com/markdave123-py/ocrflow/internal/core/storage"
	"github.com/markdave123-py/ocrflow/internal/models"
)

type stubProcessor struct {
	gotMode models.Mode
}

func (p *stubProcessor) Process(ctx context.Context, data []byte, filename string, mode models.Mode) (*pipeline.SubmitResult, error) {
	p.gotMode = mode
	return &pipeline.SubmitResult{RunID: 1, Mode: mode, SelectedEngine: "tesseract"}, nil
}

type stubArchive struct {
	removed []int64
}

func (a *stubArchive) RemoveRun(ctx context.Context, runID int64) error {
	a.removed = append(a.removed, runID)
	return errors.New("bucket unavailable")
}

func newService(t *testing.T) (*RunService, *db.MemoryClient, *storage.Layout) {
	t.Helper()
	layout, err := storage.NewLayout(t.TempDir())
	if err != nil {
		t.Fatalf("NewLayout() error = %v", err)
	}
	repo := db.NewMemoryClient()
	return NewRunService(repo, layout, &stubProcessor{}), repo, layout
}

func createRun(t *testing.T, repo core.RunRepository, layout *storage.Layout, status models.RunStatus) int64 {
	t.Helper()
	ctx := context.Background()
	run := &models.Run{Mode: models.ModeFast, Status: models.StatusInitializing, OriginalName: "a.png"}
	if err := repo.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}
	if _, err := layout.Allocate(run.ID); err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	if status == models.StatusInitializing {
		return run.ID
	}
	if err := repo.UpdateRun(ctx, run.ID, models.RunUpdate{Status: models.StatusProcessing}); err != nil {
		t.Fatalf("UpdateRun() error = %v", err)
	}
	if status == models.StatusCompleted {
		results := []models.Result{{Engine: "tesseract", Mode: models.ModeFast, PageNumber: 1, Text: "hi"}}
		if err := repo.CompleteRun(ctx, run.ID, results, "tesseract", models.RunExtras{SelectedEngine: "tesseract"}); err != nil {
			t.Fatalf("CompleteRun() error = %v", err)
		}
	}
	return run.ID
}

func TestDeleteRemovesRunEverywhere(t *testing.T) {
	svc, repo, layout := newService(t)
	archive := &stubArchive{}
	svc.SetArchive(archive)
	id := createRun(t, repo, layout, models.StatusCompleted)

	if err := svc.Delete(context.Background(), id); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	var nf *core.NotFoundError
	if _, err := svc.Get(context.Background(), id); !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError after delete, got %v", err)
	}
	if _, err := os.Stat(layout.Dirs(id).Root); !os.IsNotExist(err) {
		t.Fatalf("run directory still present: %v", err)
	}
	if len(archive.removed) != 1 || archive.removed[0] != id {
		t.Fatalf("archive not cleaned: %v", archive.removed)
	}
}

func TestDeleteRejectsRunInProgress(t *testing.T) {
	svc, repo, layout := newService(t)
	id := createRun(t, repo, layout, models.StatusProcessing)

	var vErr *core.ValidationError
	if err := svc.Delete(context.Background(), id); !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if _, err := svc.Get(context.Background(), id); err != nil {
		t.Fatalf("run should still exist: %v", err)
	}
}

func TestDeleteUnknownRun(t *testing.T) {
	svc, _, _ := newService(t)
	var nf *core.NotFoundError
	if err := svc.Delete(context.Background(), 404); !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestListNewestFirst(t *testing.T) {
	svc, repo, layout := newService(t)
	first := createRun(t, repo, layout, models.StatusCompleted)
	second := createRun(t, repo, layout, models.StatusInitializing)

	runs, err := svc.List(context.Background(), 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(runs) != 2 || runs[0].ID != second || runs[1].ID != first {
		t.Fatalf("unexpected order %+v", runs)
	}

	runs, err = svc.List(context.Background(), 1)
	if err != nil || len(runs) != 1 {
		t.Fatalf("List(1) = %v, %v", runs, err)
	}
}

func TestSubmitPassesMode(t *testing.T) {
	layout, err := storage.NewLayout(t.TempDir())
	if err != nil {
		t.Fatalf("NewLayout() error = %v", err)
	}
	p := &stubProcessor{}
	svc := NewRunService(db.NewMemoryClient(), layout, p)
	res, err := svc.Submit(context.Background(), []byte("x"), "a.png", models.ModeEnhanced)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if p.gotMode != models.ModeEnhanced || res.Mode != models.ModeEnhanced {
		t.Fatalf("mode not forwarded: %v / %v", p.gotMode, res.Mode)
	}
}
