package normalizer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/markdave123-py/ocrflow/internal/core"
)

// RasterDPI is the fixed resolution pages are rendered at.
const RasterDPI = 300

// Rasterizer renders every page of a PDF to an image, in page order.
type Rasterizer interface {
	Rasterize(ctx context.Context, pdfPath, outDir string) ([]string, error)
}

// PageName is the file name of a rasterized page.
func PageName(pageNumber int, ext string) string {
	return fmt.Sprintf("page_%03d%s", pageNumber, ext)
}

// PdftoppmRasterizer renders with poppler's pdftoppm and checks the page count with pdfcpu.
type PdftoppmRasterizer struct {
	Bin     string
	Timeout time.Duration
	DPI     int
}

func NewPdftoppmRasterizer(bin string, timeout time.Duration) *PdftoppmRasterizer {
	return &PdftoppmRasterizer{Bin: bin, Timeout: timeout, DPI: RasterDPI}
}

func (r *PdftoppmRasterizer) Rasterize(ctx context.Context, pdfPath, outDir string) ([]string, error) {
	want, err := PageCount(pdfPath)
	if err != nil {
		return nil, err
	}

	scratch, err := os.MkdirTemp(outDir, ".raster-*")
	if err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	prefix := filepath.Join(scratch, "page")
	if err := runTool(ctx, "pdftoppm", r.Bin, r.Timeout, "-r", strconv.Itoa(r.DPI), "-png", pdfPath, prefix); err != nil {
		return nil, err
	}

	rendered, err := collectRendered(scratch)
	if err != nil {
		return nil, err
	}
	if len(rendered) != want {
		return nil, &core.ConversionError{Tool: "pdftoppm", Err: fmt.Errorf("rendered %d pages, document has %d", len(rendered), want)}
	}

	pages := make([]string, 0, len(rendered))
	for i, src := range rendered {
		dest := filepath.Join(outDir, PageName(i+1, ".png"))
		if err := os.Rename(src, dest); err != nil {
			return nil, fmt.Errorf("move page %d: %w", i+1, err)
		}
		pages = append(pages, dest)
	}
	return pages, nil
}

// PageCount validates the PDF in relaxed mode and returns its page count.
func PageCount(pdfPath string) (int, error) {
	f, err := os.Open(pdfPath)
	if err != nil {
		return 0, fmt.Errorf("open pdf: %w", err)
	}
	defer f.Close()

	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	n, err := api.PageCount(f, conf)
	if err != nil {
		return 0, &core.ConversionError{Tool: "pdfcpu", Err: fmt.Errorf("invalid pdf: %w", err)}
	}
	if n == 0 {
		return 0, &core.ConversionError{Tool: "pdfcpu", Err: fmt.Errorf("pdf has no pages")}
	}
	return n, nil
}

// collectRendered lists pdftoppm output ("page-1.png", "page-01.png", ...) sorted by page number.
func collectRendered(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read rendered pages: %w", err)
	}
	type page struct {
		n    int
		path string
	}
	var found []page
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "page-") || filepath.Ext(name) != ".png" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, "page-"), ".png"))
		if err != nil {
			continue
		}
		found = append(found, page{n: n, path: filepath.Join(dir, name)})
	}
	slices.SortFunc(found, func(a, b page) int { return a.n - b.n })

	out := make([]string, 0, len(found))
	for i, p := range found {
		if p.n != i+1 {
			return nil, &core.ConversionError{Tool: "pdftoppm", Err: fmt.Errorf("missing page %d in rendered output", i+1)}
		}
		out = append(out, p.path)
	}
	return out, nil
}
