package core

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when a status update would move a run backwards.
var ErrInvalidTransition = errors.New("invalid run status transition")

// ValidationError reports a user-correctable problem with the request.
type ValidationError struct {
	Msg       string
	TooLarge  bool
	MaxSizeMB int
}

func (e *ValidationError) Error() string { return e.Msg }

// NewEmptyPayloadError is returned for 0 byte uploads.
func NewEmptyPayloadError() *ValidationError {
	return &ValidationError{Msg: "uploaded file is empty"}
}

// UploadLimit is the inclusive upload size limit in bytes for maxMB megabytes.
func UploadLimit(maxMB int) int64 {
	return int64(maxMB) << 20
}

// NewTooLargeError is returned when the upload exceeds the configured limit.
func NewTooLargeError(maxMB int) *ValidationError {
	return &ValidationError{
		Msg:       fmt.Sprintf("File too large. Max size is %d MB", maxMB),
		TooLarge:  true,
		MaxSizeMB: maxMB,
	}
}

// UnsupportedTypeError carries the rejected extension.
type UnsupportedTypeError struct {
	Extension string
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("unsupported file type: %q", e.Extension)
}

// ConversionError wraps a failure of an external converter or rasterizer.
type ConversionError struct {
	Tool    string
	Timeout bool
	Err     error
}

func (e *ConversionError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("%s timed out: %v", e.Tool, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Tool, e.Err)
}

func (e *ConversionError) Unwrap() error { return e.Err }

// UnreadableImageError is returned when a page image cannot be decoded.
type UnreadableImageError struct {
	Path string
	Err  error
}

func (e *UnreadableImageError) Error() string {
	return fmt.Sprintf("cannot read image %s: %v", e.Path, e.Err)
}

func (e *UnreadableImageError) Unwrap() error { return e.Err }

// EngineExecutionError wraps a recognition failure with the engine id.
type EngineExecutionError struct {
	Engine string
	Page   int
	Err    error
}

func (e *EngineExecutionError) Error() string {
	if e.Page > 0 {
		return fmt.Sprintf("engine %s failed on page %d: %v", e.Engine, e.Page, e.Err)
	}
	return fmt.Sprintf("engine %s failed: %v", e.Engine, e.Err)
}

func (e *EngineExecutionError) Unwrap() error { return e.Err }

// NotFoundError is returned for unknown run ids.
type NotFoundError struct {
	RunID int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("run %d not found", e.RunID)
}

// ProcessingError is what the orchestrator returns once a run has been marked failed.
type ProcessingError struct {
	RunID int64
	Err   error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("run %d failed: %v", e.RunID, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }
