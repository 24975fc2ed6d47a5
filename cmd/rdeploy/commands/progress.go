package commands

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/andrej220/rdeploy/pkg/orchestrator"
	"github.com/andrej220/rdeploy/pkg/plan"
	"github.com/andrej220/rdeploy/pkg/report"
)

// progress prints one line per step attempt while a run is in flight.
type progress struct {
	out   io.Writer
	total int
	index int
}

var _ orchestrator.Observer = (*progress)(nil)

func (p *progress) OnState(id uuid.UUID, s orchestrator.State) {
	if s == orchestrator.StateRunning {
		fmt.Fprintf(p.out, "%s run %s\n", color.CyanString("▶"), id)
	}
}

func (p *progress) OnStepStart(step plan.Step, attempt int) {
	if attempt == 1 {
		p.index++
		fmt.Fprintf(p.out, "%s [%d/%d] %s\n", color.YellowString("…"), p.index, p.total, step.Name)
		return
	}
	fmt.Fprintf(p.out, "%s [%d/%d] %s (attempt %d)\n", color.YellowString("↻"), p.index, p.total, step.Name, attempt)
}

func (p *progress) OnStepResult(report.StepResult) {}
