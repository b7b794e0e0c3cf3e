package models

import (
	"time"
)

// Run represents one request to OCR a single uploaded document.
type Run struct {
	ID           int64     `db:"id" json:"id"`
	Mode         Mode      `db:"mode" json:"mode"`
	Status       RunStatus `db:"status" json:"status"`
	EngineUsed   string    `db:"engine_used" json:"engine_used,omitempty"`
	OriginalFile string    `db:"original_file" json:"original_file,omitempty"`
	OriginalName string    `db:"original_name" json:"original_name,omitempty"`
	MimeType     string    `db:"mime_type" json:"mime_type,omitempty"`
	ErrorMessage string    `db:"error_message" json:"error_message,omitempty"`
	Extras       RunExtras `db:"extras" json:"extras"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`

	Images  []Image  `db:"-" json:"images,omitempty"`
	Results []Result `db:"-" json:"results,omitempty"`
}

// RunSummary is the row shape returned by run listings.
type RunSummary struct {
	ID           int64     `db:"id" json:"id"`
	Mode         Mode      `db:"mode" json:"mode"`
	Status       RunStatus `db:"status" json:"status"`
	EngineUsed   string    `db:"engine_used" json:"engine_used,omitempty"`
	OriginalFile string    `db:"original_file" json:"original_file,omitempty"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// RunExtras is the structured payload stored alongside a run.
type RunExtras struct {
	SelectedEngine string          `json:"selected_engine,omitempty"`
	CorrelationID  string          `json:"correlation_id,omitempty"`
	PageCount      int             `json:"page_count,omitempty"`
	EngineFailures []EngineFailure `json:"engine_failures,omitempty"`
}

// EngineFailure records one engine error tolerated during an auto run.
type EngineFailure struct {
	Engine     string `json:"engine"`
	PageNumber int    `json:"page_number"`
	Error      string `json:"error"`
}

// RunUpdate carries the mutable fields of a run. Empty fields are left untouched.
type RunUpdate struct {
	Status       RunStatus
	EngineUsed   string
	OriginalFile string
	MimeType     string
	ErrorMessage string
	Extras       *RunExtras
}

// Image is one artifact produced or consumed during a run.
type Image struct {
	ID         int64         `db:"id" json:"id"`
	RunID      int64         `db:"run_id" json:"run_id"`
	Role       ImageRole     `db:"role" json:"role"`
	Path       string        `db:"path" json:"path"`
	PageNumber *int          `db:"page_number" json:"page_number"`
	Step       string        `db:"step" json:"step,omitempty"`
	Metadata   ImageMetadata `db:"metadata" json:"metadata"`
	CreatedAt  time.Time     `db:"created_at" json:"created_at"`
}

// ImageMetadata is the structured payload stored with an artifact.
type ImageMetadata struct {
	Steps      []string `json:"steps,omitempty"`
	SourcePath string   `json:"source_path,omitempty"`
}

// Result is one engine's output for one page.
type Result struct {
	ID         int64          `db:"id" json:"id"`
	RunID      int64          `db:"run_id" json:"run_id"`
	Engine     string         `db:"engine" json:"engine"`
	Mode       Mode           `db:"mode" json:"mode"`
	PageNumber int            `db:"page_number" json:"page_number"`
	Text       string         `db:"text" json:"text"`
	Confidence *float64       `db:"confidence" json:"confidence"`
	Extra      map[string]any `db:"extra" json:"extra,omitempty"`
	CreatedAt  time.Time      `db:"created_at" json:"created_at"`
}

// ImageRole classifies an artifact.
type ImageRole string

const (
	RoleOriginal     ImageRole = "original"
	RoleConverted    ImageRole = "converted"
	RolePage         ImageRole = "page"
	RolePreprocessed ImageRole = "preprocessed"
)

// Step labels recorded on artifacts.
const (
	StepUpload     = "upload"
	StepPageImage  = "page_image"
	StepPreprocess = "preprocess"
)

// PageNumber returns a pointer suitable for Image.PageNumber.
func PageNumber(n int) *int {
	return &n
}
