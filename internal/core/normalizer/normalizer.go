// Package normalizer turns an uploaded document into an ordered list of page images.
package normalizer

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/markdave123-py/ocrflow/internal/core"
	"github.com/markdave123-py/ocrflow/internal/core/storage"
)

// LabelDocxToPDF marks the PDF produced from a word-processor document.
const LabelDocxToPDF = "docx_to_pdf"

// Normalizer classifies an upload and produces its page images.
type Normalizer struct {
	converter  DocumentConverter
	rasterizer Rasterizer
}

func New(converter DocumentConverter, rasterizer Rasterizer) *Normalizer {
	return &Normalizer{converter: converter, rasterizer: rasterizer}
}

// Prepare reads srcPath and writes page images into the run's intermediates directory.
// Page images are returned in ascending page order starting at 1.
func (n *Normalizer) Prepare(ctx context.Context, srcPath string, dirs storage.RunDirs) (core.PreparedDocument, error) {
	ext := strings.ToLower(filepath.Ext(srcPath))
	doc := core.PreparedDocument{MimeType: DetectMime(srcPath)}

	switch {
	case ext == ".doc" || ext == ".docx":
		pdf, err := n.converter.ConvertToPDF(ctx, srcPath, dirs.Intermediates)
		if err != nil {
			return doc, err
		}
		doc.Conversions = append(doc.Conversions, core.Conversion{Label: LabelDocxToPDF, Path: pdf})
		if doc.PageImages, err = n.rasterizer.Rasterize(ctx, pdf, dirs.Intermediates); err != nil {
			return doc, err
		}

	case ext == ".pdf":
		pages, err := n.rasterizer.Rasterize(ctx, srcPath, dirs.Intermediates)
		if err != nil {
			return doc, err
		}
		doc.PageImages = pages

	case IsSupportedImage(doc.MimeType):
		dest := filepath.Join(dirs.Intermediates, PageName(1, ext))
		if err := copyFile(srcPath, dest); err != nil {
			return doc, err
		}
		doc.PageImages = []string{dest}

	default:
		return doc, &core.UnsupportedTypeError{Extension: ext}
	}

	if len(doc.PageImages) == 0 {
		return doc, &core.ConversionError{Tool: "rasterizer", Err: fmt.Errorf("no pages produced")}
	}
	return doc, nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy to %s: %w", dest, err)
	}
	return out.Close()
}
