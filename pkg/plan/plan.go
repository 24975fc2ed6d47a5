// Package plan holds the ordered, immutable list of steps one run executes.
package plan

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

var (
	ErrEmptyPlan     = errors.New("plan has no steps")
	ErrDuplicateStep = errors.New("duplicate step name")
	ErrInvalidStep   = errors.New("invalid step")
)

// ValidationError is returned before any remote interaction when a plan
// cannot be executed.
type ValidationError struct {
	Step   string // empty for plan-level errors
	Err    error  // one of ErrEmptyPlan, ErrDuplicateStep, ErrInvalidStep
	Detail error
}

func (e *ValidationError) Error() string {
	msg := "plan validation failed"
	if e.Step != "" {
		msg += fmt.Sprintf(": step %q", e.Step)
	}
	msg += ": " + e.Err.Error()
	if e.Detail != nil {
		msg += ": " + e.Detail.Error()
	}
	return msg
}

func (e *ValidationError) Unwrap() []error {
	if e.Detail == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Detail}
}

// Step is one remote command and its failure handling.
type Step struct {
	Name string `validate:"required,notblank,max=128"`
	// Payload is sent to the transport as is.
	Payload string `validate:"required,notblank"`
	// Command is the human form of Payload shown in reports.
	Command string
	// Stdin is fed to the remote command, e.g. the contents of an uploaded file.
	Stdin        []byte
	OnFailure    Policy
	Timeout      time.Duration `validate:"gte=0"`
	IgnoreStderr []string      `validate:"dive,required"`
	// Output names processors applied to stdout and stderr.
	Output []string `validate:"dive,processor"`
}

// Display returns Command, falling back to Payload.
func (s Step) Display() string {
	if s.Command != "" {
		return s.Command
	}
	return s.Payload
}

// Plan is an ordered, read-only sequence of steps with unique names.
type Plan struct {
	name  string
	steps []Step
}

// New validates steps and returns the plan. Steps are copied.
func New(name string, steps ...Step) (*Plan, error) {
	p := &Plan{name: name, steps: cloneSteps(steps)}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Must is New for tests and static plans.
func Must(name string, steps ...Step) *Plan {
	p, err := New(name, steps...)
	if err != nil {
		panic(err)
	}
	return p
}

func (p *Plan) Name() string {
	if p == nil {
		return ""
	}
	return p.name
}

func (p *Plan) Len() int {
	if p == nil {
		return 0
	}
	return len(p.steps)
}

// Steps returns a copy of the steps in execution order.
func (p *Plan) Steps() []Step {
	if p == nil {
		return nil
	}
	return cloneSteps(p.steps)
}

// Step looks a step up by name.
func (p *Plan) Step(name string) (Step, bool) {
	for _, s := range p.Steps() {
		if s.Name == name {
			return s, true
		}
	}
	return Step{}, false
}

// Validate checks the plan invariants: at least one step, unique names,
// well-formed steps.
func (p *Plan) Validate() error {
	if p.Len() == 0 {
		return &ValidationError{Err: ErrEmptyPlan}
	}
	seen := make(map[string]struct{}, len(p.steps))
	for _, s := range p.steps {
		if _, dup := seen[s.Name]; dup {
			return &ValidationError{Step: s.Name, Err: ErrDuplicateStep}
		}
		seen[s.Name] = struct{}{}
		if err := ValidateStep(s); err != nil {
			return &ValidationError{Step: s.Name, Err: ErrInvalidStep, Detail: err}
		}
	}
	return nil
}

func cloneSteps(steps []Step) []Step {
	out := make([]Step, len(steps))
	for i, s := range steps {
		s.Stdin = slices.Clone(s.Stdin)
		s.IgnoreStderr = slices.Clone(s.IgnoreStderr)
		s.Output = slices.Clone(s.Output)
		out[i] = s
	}
	return out
}
