package orchestrator

import (
	"github.com/google/uuid"

	"github.com/andrej220/rdeploy/pkg/plan"
	"github.com/andrej220/rdeploy/pkg/report"
)

// State of one Execute call. Every run goes PENDING, RUNNING, then exactly one
// of COMPLETED or ABORTED.
type State string

const (
	StatePending   State = "PENDING"
	StateRunning   State = "RUNNING"
	StateCompleted State = "COMPLETED"
	StateAborted   State = "ABORTED"
)

// Observer is notified synchronously from the executing goroutine.
type Observer interface {
	OnState(runID uuid.UUID, s State)
	OnStepStart(step plan.Step, attempt int)
	OnStepResult(res report.StepResult)
}

type NopObserver struct{}

func (NopObserver) OnState(uuid.UUID, State)        {}
func (NopObserver) OnStepStart(plan.Step, int)      {}
func (NopObserver) OnStepResult(report.StepResult) {}

// Observers fans notifications out in order.
type Observers []Observer

func (obs Observers) OnState(id uuid.UUID, s State) {
	for _, o := range obs {
		o.OnState(id, s)
	}
}

func (obs Observers) OnStepStart(step plan.Step, attempt int) {
	for _, o := range obs {
		o.OnStepStart(step, attempt)
	}
}

func (obs Observers) OnStepResult(res report.StepResult) {
	for _, o := range obs {
		o.OnStepResult(res)
	}
}
