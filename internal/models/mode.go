package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Mode selects which engines run for a submission.
type Mode int

const (
	ModeAuto Mode = iota
	ModeFast
	ModeEnhanced
)

// EngineKind identifies an engine slot independently of the engine's id.
type EngineKind int

const (
	KindFast EngineKind = iota
	KindEnhanced
)

func (k EngineKind) String() string {
	switch k {
	case KindFast:
		return "fast"
	case KindEnhanced:
		return "enhanced"
	}
	return fmt.Sprintf("EngineKind(%d)", int(k))
}

// ParseMode maps a wire value to a Mode. The empty string means auto.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return ModeAuto, nil
	case "fast":
		return ModeFast, nil
	case "enhanced":
		return ModeEnhanced, nil
	}
	return ModeAuto, fmt.Errorf("unknown mode %q", s)
}

func (m Mode) String() string {
	switch m {
	case ModeAuto:
		return "auto"
	case ModeFast:
		return "fast"
	case ModeEnhanced:
		return "enhanced"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// Engines returns the engine slots a mode dispatches to, in registration order.
func (m Mode) Engines() []EngineKind {
	switch m {
	case ModeFast:
		return []EngineKind{KindFast}
	case ModeEnhanced:
		return []EngineKind{KindEnhanced}
	case ModeAuto:
		return []EngineKind{KindFast, KindEnhanced}
	}
	panic(fmt.Sprintf("models: unhandled mode %d", int(m)))
}

func (m Mode) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

func (m *Mode) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseMode(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	StatusInitializing RunStatus = "initializing"
	StatusProcessing   RunStatus = "processing"
	StatusCompleted    RunStatus = "completed"
	StatusFailed       RunStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s RunStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransitionTo enforces initializing -> processing -> {completed, failed}.
// A run that fails before reaching processing may go straight to failed.
func (s RunStatus) CanTransitionTo(next RunStatus) bool {
	switch s {
	case StatusInitializing:
		return next == StatusProcessing || next == StatusFailed
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed
	}
	return false
}

// PreviousStates lists the states from which next may be entered.
func PreviousStates(next RunStatus) []RunStatus {
	var out []RunStatus
	for _, s := range []RunStatus{StatusInitializing, StatusProcessing, StatusCompleted, StatusFailed} {
		if s.CanTransitionTo(next) {
			out = append(out, s)
		}
	}
	return out
}
