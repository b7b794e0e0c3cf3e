package objectclient

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/markdave123-py/ocrflow/internal/core"
	"github.com/markdave123-py/ocrflow/internal/core/normalizer"
	"github.com/markdave123-py/ocrflow/internal/core/storage"
)

const archivePrefix = "runs"

// ObjectKey is the archive key of a file inside a run directory.
func ObjectKey(runID int64, rel string) string {
	return path.Join(archivePrefix, storage.RunDirName(runID), filepath.ToSlash(rel))
}

// Archiver copies completed run directories to object storage in the background.
type Archiver struct {
	obj    core.ObjectClient
	layout *storage.Layout
	jobs   chan int64
}

// QueueSize bounds the number of runs waiting to be archived.
const QueueSize = 64

// NewArchiver constructs the archiver with a bounded job queue.
func NewArchiver(obj core.ObjectClient, layout *storage.Layout) *Archiver {
	return &Archiver{obj: obj, layout: layout, jobs: make(chan int64, QueueSize)}
}

// Start runs numWorkers goroutines reading from the job queue until ctx is done.
func (a *Archiver) Start(ctx context.Context, numWorkers int) {
	for w := 1; w <= numWorkers; w++ {
		go func(w int) {
			for {
				select {
				case <-ctx.Done():
					slog.Debug("archiver worker shutting down", "worker", w)
					return
				case runID := <-a.jobs:
					start := time.Now()
					n, err := a.ArchiveRun(ctx, runID)
					if err != nil {
						slog.Error("archiving run failed", "runId", runID, "worker", w, "error", err)
						continue
					}
					slog.Info("run archived", "runId", runID, "files", n, "elapsed", time.Since(start).String())
				}
			}
		}(w)
	}
}

// Enqueue schedules a run for archiving. It never blocks: when the queue is
// full the run is skipped and stays available locally.
func (a *Archiver) Enqueue(runID int64) {
	select {
	case a.jobs <- runID:
	default:
		slog.Warn("archive queue full, skipping run", "runId", runID, "capacity", cap(a.jobs))
	}
}

// ArchiveRun uploads every file of the run directory and returns how many were sent.
func (a *Archiver) ArchiveRun(ctx context.Context, runID int64) (int, error) {
	var uploaded int
	err := a.walk(runID, func(p, rel string) error {
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()

		if _, err := a.obj.UploadFile(ctx, ObjectKey(runID, rel), f, contentType(p)); err != nil {
			return fmt.Errorf("upload %s: %w", rel, err)
		}
		uploaded++
		return nil
	})
	return uploaded, err
}

// RemoveRun deletes the archived copies of every file still present in the run directory.
func (a *Archiver) RemoveRun(ctx context.Context, runID int64) error {
	var errs []error
	err := a.walk(runID, func(_, rel string) error {
		if err := a.obj.DeleteFile(ctx, ObjectKey(runID, rel)); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", rel, err))
		}
		return nil
	})
	if err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// walk visits regular files of the run directory, skipping scratch directories.
func (a *Archiver) walk(runID int64, fn func(p, rel string) error) error {
	root := a.layout.Dirs(runID).Root
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		return fn(p, rel)
	})
}

func contentType(p string) string {
	t := normalizer.DetectMime(p)
	if t == "" {
		return "application/octet-stream"
	}
	return t
}
