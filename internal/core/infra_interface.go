package core

import (
	"context"
	"io"

	"github.com/markdave123-py/ocrflow/internal/models"
)

// RunRepository defines all persistence operations the pipeline and services need.
// It abstracts Postgres so higher layers never depend on a specific DB.
type RunRepository interface {
	CreateRun(ctx context.Context, run *models.Run) error
	UpdateRun(ctx context.Context, id int64, upd models.RunUpdate) error
	AddImages(ctx context.Context, runID int64, images []models.Image) error
	AddResults(ctx context.Context, runID int64, results []models.Result) error
	// CompleteRun stores results and marks the run completed in one transaction.
	CompleteRun(ctx context.Context, runID int64, results []models.Result, engine string, extras models.RunExtras) error
	GetRun(ctx context.Context, id int64) (*models.Run, error)
	ListRuns(ctx context.Context, limit int) ([]models.RunSummary, error)
	DeleteRun(ctx context.Context, id int64) error

	Close() error
}

// ObjectClient defines interactions with S3 or any object storage.
type ObjectClient interface {
	UploadFile(ctx context.Context, key string, data io.Reader, contentType string) (url string, err error)
	DeleteFile(ctx context.Context, key string) error
}
