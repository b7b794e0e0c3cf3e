// internal/app/app.go
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/markdave123-py/ocrflow/internal/config"
	"github.com/markdave123-py/ocrflow/internal/core"
	db "github.com/markdave123-py/ocrflow/internal/core/database"
	"github.com/markdave123-py/ocrflow/internal/core/engines/paddle"
	"github.com/markdave123-py/ocrflow/internal/core/engines/tesseract"
	"github.com/markdave123-py/ocrflow/internal/core/normalizer"
	objectclient "github.com/markdave123-py/ocrflow/internal/core/object-client"
	"github.com/markdave123-py/ocrflow/internal/core/pipeline"
	"github.com/markdave123-py/ocrflow/internal/core/preprocess"
	"github.com/markdave123-py/ocrflow/internal/core/storage"
	"github.com/markdave123-py/ocrflow/internal/services"
)

type App struct {
	DBClient     core.RunRepository
	ObjectClient core.ObjectClient
	Archiver     *objectclient.Archiver
	Pipeline     *pipeline.Orchestrator
	Server       *Server

	cfg  *config.Config
	fast *tesseract.Engine
}

func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	appCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	dbClient, err := db.NewDatabaseClient(appCtx, cfg)
	if err != nil {
		return nil, err
	}
	slog.Info("run repository ready")

	layout, err := storage.NewLayout(cfg.StorageRoot)
	if err != nil {
		_ = dbClient.Close()
		return nil, err
	}

	fast, err := tesseract.New(cfg.Tesseract)
	if err != nil {
		_ = dbClient.Close()
		return nil, fmt.Errorf("couldn't initialize the fast engine: %w", err)
	}
	enhanced := paddle.New(cfg.Paddle)

	norm := normalizer.New(
		normalizer.NewLibreOfficeConverter(cfg.LibreOfficeBin, cfg.ConverterTimeout),
		normalizer.NewPdftoppmRasterizer(cfg.PdftoppmBin, cfg.ConverterTimeout),
	)
	orch, err := pipeline.New(dbClient, layout, norm, preprocess.NewEnhancer(preprocess.DefaultOptions()),
		pipeline.Engines{Fast: fast, Enhanced: enhanced},
		pipeline.Options{MaxFileMB: cfg.MaxFileMB, PageWorkers: cfg.PageWorkers},
	)
	if err != nil {
		_ = fast.Close()
		_ = dbClient.Close()
		return nil, err
	}

	runService := services.NewRunService(dbClient, layout, orch)

	a := &App{DBClient: dbClient, Pipeline: orch, cfg: cfg, fast: fast}

	objClient, err := objectclient.NewObjectClient(appCtx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	if objClient != nil {
		a.ObjectClient = objClient
		a.Archiver = objectclient.NewArchiver(objClient, layout)
		orch.SetArchive(a.Archiver)
		runService.SetArchive(a.Archiver)
		slog.Info("artifact archive enabled", "backend", cfg.ArchiveBackend, "bucket", cfg.BucketName)
	}

	a.Server = NewServer(cfg, runService)
	return a, nil
}

// Start launches the background workers: archive uploads and engine warm-up.
func (a *App) Start(ctx context.Context) {
	if a.Archiver != nil {
		a.Archiver.Start(ctx, a.cfg.ArchiveWorkers)
	}
	go a.Pipeline.Warmup(ctx)
}

func (a *App) Close() {
	if a.DBClient != nil {
		_ = a.DBClient.Close()
	}
	if a.fast != nil {
		_ = a.fast.Close()
	}
	if c, ok := a.ObjectClient.(interface{ Close() error }); ok {
		_ = c.Close()
	}
}
