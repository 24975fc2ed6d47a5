// Package report holds the structured outcome of one plan execution.
package report

import (
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

type Status string

const (
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusAborted Status = "aborted"
)

// Exit code sentinels for steps that produced no remote exit status.
const (
	ExitTransportError = -1
	ExitTimeout        = -2
)

// FailureKind says why a step failed.
type FailureKind string

const (
	FailureNone      FailureKind = ""
	FailureExit      FailureKind = "exit"
	FailureTimeout   FailureKind = "timeout"
	FailureTransport FailureKind = "transport"
)

// StepResult is the outcome of the final attempt of one step.
type StepResult struct {
	StepName        string        `json:"step" yaml:"step" bson:"step"`
	Command         string        `json:"command,omitempty" yaml:"command,omitempty" bson:"command,omitempty"`
	Policy          string        `json:"policy" yaml:"policy" bson:"policy"`
	ExitCode        int           `json:"exit_code" yaml:"exit_code" bson:"exit_code"`
	Failure         FailureKind   `json:"failure,omitempty" yaml:"failure,omitempty" bson:"failure,omitempty"`
	Error           string        `json:"error,omitempty" yaml:"error,omitempty" bson:"error,omitempty"`
	Stdout          string        `json:"stdout,omitempty" yaml:"stdout,omitempty" bson:"stdout,omitempty"`
	Stderr          string        `json:"stderr,omitempty" yaml:"stderr,omitempty" bson:"stderr,omitempty"`
	StdoutTruncated bool          `json:"stdout_truncated,omitempty" yaml:"stdout_truncated,omitempty" bson:"stdout_truncated,omitempty"`
	StderrTruncated bool          `json:"stderr_truncated,omitempty" yaml:"stderr_truncated,omitempty" bson:"stderr_truncated,omitempty"`
	Duration        time.Duration `json:"duration" yaml:"duration" bson:"duration"`
	Attempts        int           `json:"attempts" yaml:"attempts" bson:"attempts"`
}

// OK reports whether the step exited 0.
func (r StepResult) OK() bool { return r.Failure == FailureNone && r.ExitCode == 0 }

// Report is one StepResult per executed step plus the overall status.
type Report struct {
	RunID      uuid.UUID    `json:"run_id" yaml:"run_id" bson:"_id"`
	Plan       string       `json:"plan" yaml:"plan" bson:"plan"`
	Host       string       `json:"host,omitempty" yaml:"host,omitempty" bson:"host,omitempty"`
	Status     Status       `json:"status" yaml:"status" bson:"status"`
	StartedAt  time.Time    `json:"started_at" yaml:"started_at" bson:"started_at"`
	FinishedAt time.Time    `json:"finished_at" yaml:"finished_at" bson:"finished_at"`
	Results    []StepResult `json:"results" yaml:"results" bson:"results"`
	// NotRun lists steps skipped because the run aborted.
	NotRun []string `json:"not_run,omitempty" yaml:"not_run,omitempty" bson:"not_run,omitempty"`
}

// New starts an empty report. A nil runID gets a fresh one.
func New(runID uuid.UUID, plan, host string) *Report {
	if runID == uuid.Nil {
		runID = uuid.New()
	}
	return &Report{
		RunID:     runID,
		Plan:      plan,
		Host:      host,
		StartedAt: time.Now().UTC(),
		Results:   []StepResult{},
	}
}

func (r *Report) Append(res StepResult) {
	r.Results = append(r.Results, res)
}

// Finalize sets Status. aborted wins; otherwise success iff every result exited 0.
// aborted means the abort branch fired, which includes an abort-policy failure
// of the last step: such a run is aborted even though every step ran.
func (r *Report) Finalize(aborted bool) {
	r.FinishedAt = time.Now().UTC()
	r.Status = StatusFor(r.Results, aborted)
}

// StatusFor derives the overall status from results.
func StatusFor(results []StepResult, aborted bool) Status {
	if aborted {
		return StatusAborted
	}
	if len(results) == 0 {
		return StatusPartial
	}
	for _, res := range results {
		if !res.OK() {
			return StatusPartial
		}
	}
	return StatusSuccess
}

func (r *Report) Succeeded() bool { return r.Status == StatusSuccess }

// Failed returns the results that did not exit 0.
func (r *Report) Failed() []StepResult {
	var out []StepResult
	for _, res := range r.Results {
		if !res.OK() {
			out = append(out, res)
		}
	}
	return out
}

func (r *Report) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Truncate keeps at most limit bytes of s. limit <= 0 keeps everything.
func Truncate(s string, limit int) (string, bool) {
	if limit <= 0 || len(s) <= limit {
		return s, false
	}
	// do not split a multi-byte rune
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit], true
}
