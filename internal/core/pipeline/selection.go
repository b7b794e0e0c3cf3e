package pipeline

import (
	"errors"
	"fmt"

	"github.com/markdave123-py/ocrflow/internal/core"
	"github.com/markdave123-py/ocrflow/internal/models"
)

// EngineOutcome is one engine's output across every page of a run.
type EngineOutcome struct {
	Kind     models.EngineKind
	EngineID string
	// Results holds the pages the engine recognized, in page order.
	Results []core.EngineResult
	// Errors holds one *core.EngineExecutionError per failed page.
	Errors []error
}

// Mean is the average of the page confidences the engine reported, nil if none.
func (o EngineOutcome) Mean() *float64 {
	values := make([]*float64, 0, len(o.Results))
	for _, r := range o.Results {
		values = append(values, r.Confidence)
	}
	return core.MeanConfidence(values)
}

// Failures converts the page errors into their persisted form.
func (o EngineOutcome) Failures() []models.EngineFailure {
	out := make([]models.EngineFailure, 0, len(o.Errors))
	for _, err := range o.Errors {
		f := models.EngineFailure{Engine: o.EngineID, Error: err.Error()}
		var execErr *core.EngineExecutionError
		if errors.As(err, &execErr) {
			f.PageNumber = execErr.Page
			if execErr.Err != nil {
				f.Error = execErr.Err.Error()
			}
		}
		out = append(out, f)
	}
	return out
}

// SelectEngine picks the outcome whose results become the run's output and
// returns its index in outcomes. Outcomes must be in registration order.
//
// In fast and enhanced mode the single engine is selected and any page failure
// fails the run. In auto mode failures are tolerated as long as some engine
// produced a result: engines that covered every page are preferred, the
// strictly highest mean confidence wins, ties go to the earlier engine, and
// with no confidence at all the fast engine is chosen.
func SelectEngine(mode models.Mode, outcomes []EngineOutcome, pageCount int) (int, error) {
	switch mode {
	case models.ModeFast, models.ModeEnhanced:
		want := mode.Engines()[0]
		for i, o := range outcomes {
			if o.Kind != want {
				continue
			}
			if len(o.Errors) > 0 {
				return -1, errors.Join(o.Errors...)
			}
			return i, nil
		}
		return -1, fmt.Errorf("no %s engine outcome", want)

	case models.ModeAuto:
		candidates := candidateOutcomes(outcomes, pageCount)
		if len(candidates) == 0 {
			var all []error
			for _, o := range outcomes {
				all = append(all, o.Errors...)
			}
			if len(all) == 0 {
				return -1, errors.New("no engine produced a result")
			}
			return -1, errors.Join(all...)
		}

		best := -1
		var bestMean float64
		for _, i := range candidates {
			m := outcomes[i].Mean()
			if m == nil {
				continue
			}
			if best == -1 || *m > bestMean {
				best, bestMean = i, *m
			}
		}
		if best >= 0 {
			return best, nil
		}
		for _, i := range candidates {
			if outcomes[i].Kind == models.KindFast {
				return i, nil
			}
		}
		return candidates[0], nil
	}
	return -1, fmt.Errorf("unhandled mode %s", mode)
}

// candidateOutcomes returns the engines that covered every page, or failing
// that, every engine with at least one page result.
func candidateOutcomes(outcomes []EngineOutcome, pageCount int) []int {
	var complete, partial []int
	for i, o := range outcomes {
		if len(o.Results) == 0 {
			continue
		}
		partial = append(partial, i)
		if len(o.Errors) == 0 && len(o.Results) == pageCount {
			complete = append(complete, i)
		}
	}
	if len(complete) > 0 {
		return complete
	}
	return partial
}
