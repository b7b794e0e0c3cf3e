package core

import (
	"context"
)

// EngineResult is one engine's recognition output for one page.
type EngineResult struct {
	EngineID   string
	PageNumber int
	Text       string
	// Confidence is in [0, 1]; nil when the engine reported none.
	Confidence *float64
	Extra      map[string]any
}

// Engine is a uniform wrapper around one recognition backend.
// Implementations return *EngineExecutionError on failure.
type Engine interface {
	ID() string
	Run(ctx context.Context, imagePath string, pageNumber int) (EngineResult, error)
}

// Warmer is implemented by engines with an expensive one-time initialization.
type Warmer interface {
	Warmup(ctx context.Context) error
}

// Conversion is an intermediate artifact produced while normalizing a document.
type Conversion struct {
	Label string
	Path  string
}

// PreparedDocument is the normalizer's output.
type PreparedDocument struct {
	MimeType    string
	PageImages  []string
	Conversions []Conversion
}

// Enhanced is the output of the enhancement stage for one page.
type Enhanced struct {
	ProcessedPath string
	Steps         []string
}

// MeanConfidence averages the non-nil values; nil when there are none.
func MeanConfidence(values []*float64) *float64 {
	var sum float64
	var n int
	for _, v := range values {
		if v == nil {
			continue
		}
		sum += *v
		n++
	}
	if n == 0 {
		return nil
	}
	mean := sum / float64(n)
	return &mean
}
