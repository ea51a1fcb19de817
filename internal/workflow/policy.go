package workflow

import "github.com/pitabwire/docroute/model"

// stepOutcome is the result of evaluating a step's completion policy.
type stepOutcome int

const (
	stepPending  stepOutcome = iota // waiting for more decisions
	stepComplete                    // advance to the next step
	stepFailed                      // fail the run
)

func (o stepOutcome) String() string {
	switch o {
	case stepComplete:
		return "complete"
	case stepFailed:
		return "failed"
	default:
		return "pending"
	}
}

// evaluateStep applies the step's completion policy to its executions.
//
// All-assignees steps complete once every execution is terminal. Any-one
// steps complete on the first approval, or once every execution is terminal
// when the step is optional. On either kind a rejection fails a required
// step immediately. A required any-one step whose executions were all
// skipped stays pending: nobody approved it and nobody can anymore.
func evaluateStep(step model.StepTemplate, execs []model.StepExecution) stepOutcome {
	var approved, rejected, terminal int
	for _, e := range execs {
		switch e.Status {
		case model.ExecutionStatusApproved:
			approved++
		case model.ExecutionStatusRejected:
			rejected++
		}
		if model.IsTerminalExecutionStatus(e.Status) {
			terminal++
		}
	}
	allTerminal := terminal == len(execs)

	if rejected > 0 && step.IsRequired {
		return stepFailed
	}
	if step.RequiresAllAssignees {
		if allTerminal {
			return stepComplete
		}
		return stepPending
	}
	if approved > 0 {
		return stepComplete
	}
	if allTerminal && !step.IsRequired {
		return stepComplete
	}
	return stepPending
}
