// Package decision implements the pure policy mapping iteration
// signals to the next action. It holds no state and touches no store;
// the executor supplies every input.
package decision

import "github.com/loomctl/loom/internal/config"

// Action is the decision applied after scoring one iteration.
type Action string

const (
	// Complete ends the execution successfully.
	Complete Action = "complete"
	// RefineAndContinue feeds the feedback into the next iteration.
	RefineAndContinue Action = "refine_and_continue"
	// RetryIteration repeats the iteration, counting a failed attempt.
	RetryIteration Action = "retry_iteration"
	// EscalateBreakpoint pauses the task for external resolution.
	EscalateBreakpoint Action = "escalate_breakpoint"
	// AssessDeliverables exits the loop for deliverable assessment; the
	// turn budget is exhausted.
	AssessDeliverables Action = "assess_deliverables"
)

// Signals are the inputs to one decision.
type Signals struct {
	// ValidationOK is the structural validation outcome.
	ValidationOK bool
	// Quality is the quality-control score in [0..1].
	Quality float64
	// Confidence is the ensemble confidence score in [0..1].
	Confidence float64
	// Iteration is the 1-based iteration index.
	Iteration int
	// MaxTurns is the adaptive turn budget for this execution.
	MaxTurns int
	// RetryBudget is the number of iteration retries remaining.
	RetryBudget int
}

// Decide applies the ordered policy and returns exactly one action.
func Decide(s Signals, thresholds config.ThresholdsConfig) Action {
	if !s.ValidationOK {
		if s.RetryBudget > 0 {
			return RetryIteration
		}
		return EscalateBreakpoint
	}
	if s.Quality >= thresholds.QualityGate && s.Confidence >= thresholds.HighConfidence {
		return Complete
	}
	if s.Iteration >= s.MaxTurns {
		return AssessDeliverables
	}
	if s.Confidence < thresholds.MediumConfidence {
		return EscalateBreakpoint
	}
	return RefineAndContinue
}
