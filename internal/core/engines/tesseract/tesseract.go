// Package tesseract is the fast recognition engine, backed by gosseract.
package tesseract

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/otiai10/gosseract/v2"

	"github.com/markdave123-py/ocrflow/internal/config"
	"github.com/markdave123-py/ocrflow/internal/core"
)

// EngineID is persisted with every result this engine produces.
const EngineID = "tesseract"

// Word is one recognized token as stored in a result's extra payload.
type Word struct {
	Text       string   `json:"text"`
	Confidence *float64 `json:"confidence"`
	Box        [4]int   `json:"box"`
	Line       int      `json:"line"`
	Block      int      `json:"block"`
}

// Engine runs one gosseract client per page so pages can be recognized in parallel.
type Engine struct {
	languages  []string
	psm        gosseract.PageSegMode
	variables  map[string]string
	tessdata   string
	configFile string

	newClient func() *gosseract.Client
}

// New prepares the engine. The OCR engine mode can only be applied at
// tesseract init, so it goes through a generated config file.
func New(cfg config.TesseractConfig) (*Engine, error) {
	e := &Engine{
		languages: splitLanguages(cfg.Languages),
		psm:       gosseract.PageSegMode(cfg.PSM),
		variables: ParseFlags(cfg.ExtraFlags),
		tessdata:  cfg.TessdataPrefix,
		newClient: gosseract.NewClient,
	}

	f, err := os.CreateTemp("", "ocrflow-tess-*.cfg")
	if err != nil {
		return nil, fmt.Errorf("create tesseract config: %w", err)
	}
	if _, err := fmt.Fprintf(f, "tessedit_ocr_engine_mode %d\n", cfg.OEM); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write tesseract config: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("write tesseract config: %w", err)
	}
	e.configFile = f.Name()
	return e, nil
}

func (e *Engine) ID() string { return EngineID }

// Close removes the generated config file.
func (e *Engine) Close() error {
	if e.configFile == "" {
		return nil
	}
	return os.Remove(e.configFile)
}

func (e *Engine) Run(ctx context.Context, imagePath string, pageNumber int) (core.EngineResult, error) {
	if err := ctx.Err(); err != nil {
		return core.EngineResult{}, e.fail(pageNumber, err)
	}

	c := e.newClient()
	defer c.Close()

	if err := e.configure(c); err != nil {
		return core.EngineResult{}, e.fail(pageNumber, err)
	}
	if err := c.SetImage(imagePath); err != nil {
		return core.EngineResult{}, e.fail(pageNumber, fmt.Errorf("set image: %w", err))
	}

	text, err := c.Text()
	if err != nil {
		return core.EngineResult{}, e.fail(pageNumber, fmt.Errorf("recognize text: %w", err))
	}
	boxes, err := c.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		return core.EngineResult{}, e.fail(pageNumber, fmt.Errorf("word boxes: %w", err))
	}

	words := wordsFrom(boxes)
	return core.EngineResult{
		EngineID:   EngineID,
		PageNumber: pageNumber,
		Text:       strings.TrimSpace(text),
		Confidence: WordConfidence(words),
		Extra:      map[string]any{"word_data": words},
	}, nil
}

func (e *Engine) configure(c *gosseract.Client) error {
	if e.tessdata != "" {
		if err := c.SetTessdataPrefix(e.tessdata); err != nil {
			return fmt.Errorf("set tessdata prefix: %w", err)
		}
	}
	if err := c.SetConfigFile(e.configFile); err != nil {
		return fmt.Errorf("set config file: %w", err)
	}
	if len(e.languages) > 0 {
		if err := c.SetLanguage(e.languages...); err != nil {
			return fmt.Errorf("set languages: %w", err)
		}
	}
	if err := c.SetPageSegMode(e.psm); err != nil {
		return fmt.Errorf("set page segmentation mode: %w", err)
	}
	for k, v := range e.variables {
		if err := c.SetVariable(gosseract.SettableVariable(k), v); err != nil {
			return fmt.Errorf("set variable %s: %w", k, err)
		}
	}
	return nil
}

func (e *Engine) fail(page int, err error) error {
	return &core.EngineExecutionError{Engine: EngineID, Page: page, Err: err}
}

func wordsFrom(boxes []gosseract.BoundingBox) []Word {
	words := make([]Word, 0, len(boxes))
	for _, b := range boxes {
		w := Word{
			Text:  b.Word,
			Box:   [4]int{b.Box.Min.X, b.Box.Min.Y, b.Box.Dx(), b.Box.Dy()},
			Line:  b.LineNum,
			Block: b.BlockNum,
		}
		// tesseract reports -1 for tokens it could not score
		if b.Confidence >= 0 {
			conf := b.Confidence / 100
			w.Confidence = &conf
		}
		words = append(words, w)
	}
	return words
}

// WordConfidence is the mean of the scored words, or nil when none were scored.
func WordConfidence(words []Word) *float64 {
	values := make([]*float64, 0, len(words))
	for _, w := range words {
		values = append(values, w.Confidence)
	}
	return core.MeanConfidence(values)
}

func splitLanguages(s string) []string {
	var out []string
	for _, l := range strings.Split(s, "+") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}

// ParseFlags reads "-c key=value" pairs from a tesseract style flag string.
// Anything else is ignored with a warning.
func ParseFlags(s string) map[string]string {
	vars := map[string]string{}
	fields := strings.Fields(s)
	for i := 0; i < len(fields); i++ {
		f := fields[i]
		var kv string
		switch {
		case f == "-c" && i+1 < len(fields):
			i++
			kv = fields[i]
		case strings.HasPrefix(f, "-c") && len(f) > 2:
			kv = f[2:]
		default:
			slog.Warn("ignoring unsupported tesseract flag", "flag", f)
			continue
		}
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			slog.Warn("ignoring malformed tesseract variable", "value", kv)
			continue
		}
		vars[k] = v
	}
	return vars
}
