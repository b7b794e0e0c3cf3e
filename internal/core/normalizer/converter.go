package normalizer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/markdave123-py/ocrflow/internal/core"
)

// DocumentConverter turns a word-processor document into a PDF.
type DocumentConverter interface {
	ConvertToPDF(ctx context.Context, docPath, outDir string) (string, error)
}

// LibreOfficeConverter shells out to a headless LibreOffice.
type LibreOfficeConverter struct {
	Bin     string
	Timeout time.Duration
}

func NewLibreOfficeConverter(bin string, timeout time.Duration) *LibreOfficeConverter {
	return &LibreOfficeConverter{Bin: bin, Timeout: timeout}
}

// ConvertToPDF writes <stem>.pdf into outDir and returns its path.
func (c *LibreOfficeConverter) ConvertToPDF(ctx context.Context, docPath, outDir string) (string, error) {
	scratch, err := os.MkdirTemp(outDir, ".convert-*")
	if err != nil {
		return "", fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	// A private profile lets conversions run side by side.
	profile := "file://" + filepath.ToSlash(filepath.Join(scratch, "profile"))
	args := []string{
		"-env:UserInstallation=" + profile,
		"--headless",
		"--convert-to", "pdf",
		"--outdir", scratch,
		docPath,
	}
	if err := runTool(ctx, "libreoffice", c.Bin, c.Timeout, args...); err != nil {
		return "", err
	}

	stem := strings.TrimSuffix(filepath.Base(docPath), filepath.Ext(docPath))
	produced := filepath.Join(scratch, stem+".pdf")
	if _, err := os.Stat(produced); err != nil {
		return "", &core.ConversionError{Tool: "libreoffice", Err: errors.New("conversion produced no PDF output")}
	}

	dest := filepath.Join(outDir, stem+".pdf")
	if err := os.Rename(produced, dest); err != nil {
		return "", fmt.Errorf("move converted pdf: %w", err)
	}
	return dest, nil
}

// runTool runs an external binary under a deadline and maps failures to ConversionError.
func runTool(ctx context.Context, tool, bin string, timeout time.Duration, args ...string) error {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, bin, args...)
	cmd.WaitDelay = 2 * time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	slog.Debug("external tool finished", "tool", tool, "elapsed", time.Since(start).String(), "error", err)

	if err == nil {
		return nil
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return &core.ConversionError{Tool: tool, Timeout: true, Err: fmt.Errorf("no result after %s", timeout)}
	}
	msg := strings.TrimSpace(stderr.String())
	if msg == "" {
		msg = strings.TrimSpace(stdout.String())
	}
	if msg != "" {
		return &core.ConversionError{Tool: tool, Err: fmt.Errorf("%w: %s", err, msg)}
	}
	return &core.ConversionError{Tool: tool, Err: err}
}
