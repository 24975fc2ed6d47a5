// Package orchestrator executes a plan against a transport session, one step at
// a time, and turns every outcome into a report.
package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/andrej220/rdeploy/internal/lg"
	"github.com/andrej220/rdeploy/internal/processor"
	"github.com/andrej220/rdeploy/pkg/plan"
	"github.com/andrej220/rdeploy/pkg/report"
	"github.com/andrej220/rdeploy/pkg/transport"
)

// DefaultOutputCap is how many bytes of each stream a StepResult keeps.
const DefaultOutputCap = 4096

var ErrNilTransport = errors.New("orchestrator: transport is nil")

var errStepFailed = errors.New("step failed")

// Options configure an Orchestrator. The zero value is usable.
type Options struct {
	// OutputCap bounds stdout and stderr per result. Zero means DefaultOutputCap,
	// negative keeps everything.
	OutputCap int
	// Backoff paces retries of a retry(n) step. Nil retries immediately.
	Backoff  func() backoff.BackOff
	Observer Observer
	Logger   lg.Logger
}

// Orchestrator holds configuration only; Execute keeps no state between calls.
type Orchestrator struct {
	outputCap  int
	newBackoff func() backoff.BackOff
	observer   Observer
	logger     lg.Logger
	processors *processor.ProcessorChain
}

func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		outputCap:  opts.OutputCap,
		newBackoff: opts.Backoff,
		observer:   opts.Observer,
		logger:     opts.Logger,
		processors: plan.Processors(),
	}
	if o.outputCap == 0 {
		o.outputCap = DefaultOutputCap
	}
	if o.newBackoff == nil {
		o.newBackoff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	}
	if o.observer == nil {
		o.observer = NopObserver{}
	}
	if o.logger == nil {
		o.logger = lg.Discard
	}
	return o
}

type runConfig struct {
	runID uuid.UUID
	host  string
}

// RunOption sets per-run report metadata.
type RunOption func(*runConfig)

func WithRunID(id uuid.UUID) RunOption { return func(c *runConfig) { c.runID = id } }
func WithHost(host string) RunOption   { return func(c *runConfig) { c.host = host } }

// Execute runs every step of p in order over t. The only error it returns is a
// *plan.ValidationError (or ErrNilTransport), raised before t is touched; every
// remote failure ends up in the report.
func (o *Orchestrator) Execute(ctx context.Context, p *plan.Plan, t transport.Session, opts ...RunOption) (*report.Report, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if t == nil {
		return nil, ErrNilTransport
	}
	var rc runConfig
	for _, opt := range opts {
		opt(&rc)
	}

	rep := report.New(rc.runID, p.Name(), rc.host)
	logger := o.logger.With(lg.String("run_id", rep.RunID.String()), lg.String("plan", p.Name()))
	o.observer.OnState(rep.RunID, StatePending)

	steps := p.Steps()
	logger.Info("run started", lg.Int("steps", len(steps)), lg.String("host", rc.host))
	o.observer.OnState(rep.RunID, StateRunning)

	aborted := false
	for i, step := range steps {
		res, stop := o.runStep(ctx, logger.With(lg.String("step", step.Name)), step, t)
		rep.Append(res)
		o.observer.OnStepResult(res)
		if stop {
			aborted = true
			for _, rest := range steps[i+1:] {
				rep.NotRun = append(rep.NotRun, rest.Name)
			}
			break
		}
	}

	rep.Finalize(aborted)
	final := StateCompleted
	if aborted {
		final = StateAborted
	}
	o.observer.OnState(rep.RunID, final)
	logger.Info("run finished",
		lg.String("status", string(rep.Status)),
		lg.Int("failed", len(rep.Failed())),
		lg.Strings("not_run", rep.NotRun),
		lg.Duration("duration", rep.Duration()))
	return rep, nil
}

// outcome is one attempt of one step.
type outcome struct {
	res    transport.Result
	kind   report.FailureKind
	code   int
	err    error
	elapse time.Duration
}

// runStep applies the step's policy and reports whether the run must stop.
func (o *Orchestrator) runStep(ctx context.Context, logger lg.Logger, step plan.Step, t transport.Session) (report.StepResult, bool) {
	policy := step.OnFailure
	var (
		last     outcome
		attempts int
	)
	operation := func() error {
		attempts++
		o.observer.OnStepStart(step, attempts)
		logger.Debug("step attempt", lg.Int("attempt", attempts), lg.Duration("timeout", step.Timeout))
		last = o.attempt(ctx, step, t)
		switch last.kind {
		case report.FailureNone:
			return nil
		case report.FailureTransport:
			// the channel is gone, nothing to retry against
			return backoff.Permanent(last.err)
		default:
			return errStepFailed
		}
	}
	notify := func(_ error, next time.Duration) {
		logger.Warn("step failed, retrying",
			lg.Int("attempt", attempts), lg.Int("exit_code", last.code),
			lg.String("failure", string(last.kind)), lg.Duration("next", next))
	}

	b := backoff.WithContext(backoff.WithMaxRetries(o.newBackoff(), uint64(policy.Attempts()-1)), ctx)
	_ = backoff.RetryNotify(operation, b, notify)

	res := o.result(step, last, attempts)
	switch res.Failure {
	case report.FailureNone:
		logger.Info("step succeeded", lg.Int("attempts", attempts), lg.Duration("duration", res.Duration))
		return res, false
	case report.FailureTransport:
		logger.Error("transport failure, aborting run", lg.Err(last.err), lg.Int("attempts", attempts))
		return res, true
	}
	stop := !policy.Tolerates()
	logger.Warn("step failed",
		lg.Int("exit_code", res.ExitCode),
		lg.String("failure", string(res.Failure)),
		lg.String("policy", policy.String()),
		lg.Int("attempts", attempts),
		lg.Bool("abort", stop))
	return res, stop
}

// attempt runs step once. A step timeout bounds both the command and its ctx,
// so a session that only honours ctx still stops on time.
func (o *Orchestrator) attempt(ctx context.Context, step plan.Step, t transport.Session) outcome {
	runCtx := ctx
	if step.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, step.Timeout)
		defer cancel()
	}
	start := time.Now()
	res, err := t.Run(runCtx, transport.Command{
		Script:  step.Payload,
		Stdin:   step.Stdin,
		Timeout: step.Timeout,
	})
	out := outcome{res: res, code: res.ExitCode, err: err, elapse: res.Duration}
	if out.elapse == 0 {
		out.elapse = time.Since(start)
	}
	if timedOut(ctx, runCtx) {
		// an exit status after the deadline does not count
		err = transport.ErrTimeout
		out.err = err
	}
	switch {
	case err == nil && res.ExitCode == 0:
		out.kind = report.FailureNone
	case err == nil:
		out.kind = report.FailureExit
	case errors.Is(err, transport.ErrTimeout):
		out.kind = report.FailureTimeout
		out.code = report.ExitTimeout
	default:
		out.kind = report.FailureTransport
		out.code = report.ExitTransportError
	}
	return out
}

// timedOut reports whether the step deadline, not the caller, ended runCtx.
func timedOut(parent, runCtx context.Context) bool {
	return parent.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded)
}

func (o *Orchestrator) result(step plan.Step, last outcome, attempts int) report.StepResult {
	var extra []processor.Processor
	if len(step.IgnoreStderr) > 0 {
		extra = append(extra, processor.NewDropMatching(step.IgnoreStderr...))
	}
	stdout := o.filter(string(last.res.Stdout), step.Output)
	stderr := o.filter(string(last.res.Stderr), step.Output, extra...)

	res := report.StepResult{
		StepName: step.Name,
		Command:  step.Command,
		Policy:   step.OnFailure.String(),
		ExitCode: last.code,
		Failure:  last.kind,
		Duration: last.elapse,
		Attempts: attempts,
	}
	if last.kind == report.FailureTransport || last.kind == report.FailureTimeout {
		res.Error = last.err.Error()
	}
	res.Stdout, res.StdoutTruncated = report.Truncate(stdout, o.outputCap)
	res.Stderr, res.StderrTruncated = report.Truncate(stderr, o.outputCap)
	return res
}

func (o *Orchestrator) filter(text string, names []string, extra ...processor.Processor) string {
	out, err := o.processors.Text(text, names, extra...)
	if err != nil {
		o.logger.Warn("output processing failed, keeping raw output", lg.Err(err))
		return text
	}
	return out
}
