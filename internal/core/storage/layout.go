// Package storage allocates the per-run directory tree and writes uploads into it.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	UploadsDir       = "uploads"
	IntermediatesDir = "intermediates"
	OutputsDir       = "outputs"
)

// RunDirs is the directory tree of one run.
type RunDirs struct {
	Root          string
	Uploads       string
	Intermediates string
	Outputs       string
}

// Layout manages run directories under a single root.
type Layout struct {
	root string
	now  func() time.Time
}

func NewLayout(root string) (*Layout, error) {
	if root == "" {
		return nil, fmt.Errorf("storage root is empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &Layout{root: abs, now: time.Now}, nil
}

func (l *Layout) Root() string { return l.root }

// RunDirName is the directory name for a run id.
func RunDirName(runID int64) string {
	return fmt.Sprintf("run_%08d", runID)
}

// Dirs returns the paths of a run's tree without touching the filesystem.
func (l *Layout) Dirs(runID int64) RunDirs {
	root := filepath.Join(l.root, RunDirName(runID))
	return RunDirs{
		Root:          root,
		Uploads:       filepath.Join(root, UploadsDir),
		Intermediates: filepath.Join(root, IntermediatesDir),
		Outputs:       filepath.Join(root, OutputsDir),
	}
}

// Allocate creates the run's tree.
func (l *Layout) Allocate(runID int64) (RunDirs, error) {
	dirs := l.Dirs(runID)
	for _, d := range []string{dirs.Uploads, dirs.Intermediates, dirs.Outputs} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return RunDirs{}, fmt.Errorf("create %s: %w", d, err)
		}
	}
	return dirs, nil
}

// SaveUpload writes data under uploads/ with a UTC timestamp prefix and a sanitized name.
func (l *Layout) SaveUpload(dirs RunDirs, filename string, data []byte) (string, error) {
	now := l.now().UTC()
	stamp := now.Format("20060102T150405") + fmt.Sprintf("%06d", now.Nanosecond()/1000)
	dest := filepath.Join(dirs.Uploads, stamp+"_"+SanitizeFilename(filename))
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return "", fmt.Errorf("write upload: %w", err)
	}
	return dest, nil
}

// Remove deletes a run's tree. A missing tree is not an error.
func (l *Layout) Remove(runID int64) error {
	return os.RemoveAll(l.Dirs(runID).Root)
}

// SanitizeFilename strips directory components and characters that are awkward on disk.
func SanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(strings.TrimSpace(name))
	name = strings.Map(func(r rune) rune {
		switch {
		case r == ' ':
			return '_'
		case r < 0x20 || r == 0x7f:
			return -1
		case strings.ContainsRune(`<>:"|?*`, r):
			return '_'
		}
		return r
	}, name)
	if name == "" || name == "." || name == ".." || name == "/" {
		return "upload"
	}
	return name
}
