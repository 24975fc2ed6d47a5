package report

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
)

const commandPreview = 60

// Renderer prints reports for humans.
type Renderer struct {
	Out io.Writer
	// Verbose prints stdout of successful steps too.
	Verbose bool
}

func statusColor(s Status) func(format string, a ...any) string {
	switch s {
	case StatusSuccess:
		return color.GreenString
	case StatusPartial:
		return color.YellowString
	default:
		return color.RedString
	}
}

// StepLine renders the one-line summary of a result.
func StepLine(res StepResult) string {
	mark := color.GreenString("✓")
	if !res.OK() {
		mark = color.RedString("✗")
	}
	line := fmt.Sprintf("%s %s", mark, res.StepName)
	if res.Command != "" {
		line += " " + color.HiBlackString("(%s)", Preview(res.Command, commandPreview))
	}
	var facts []string
	switch res.Failure {
	case FailureTimeout:
		facts = append(facts, "timed out")
	case FailureTransport:
		facts = append(facts, "transport error")
	case FailureExit:
		facts = append(facts, fmt.Sprintf("exit %d", res.ExitCode))
	}
	if res.Attempts > 1 {
		facts = append(facts, fmt.Sprintf("%d attempts", res.Attempts))
	}
	facts = append(facts, res.Duration.Round(time.Millisecond).String())
	if !res.OK() && res.Policy == "continue" {
		facts = append(facts, "continued")
	}
	return line + " [" + strings.Join(facts, ", ") + "]"
}

// Render writes every result, including stderr of failed steps.
func (rd Renderer) Render(r *Report) error {
	var b strings.Builder
	fmt.Fprintln(&b, color.CyanString("--- Run %s: plan %q on %s ---", r.RunID, r.Plan, hostOrLocal(r.Host)))
	for _, res := range r.Results {
		fmt.Fprintln(&b, StepLine(res))
		if res.Error != "" {
			writeBlock(&b, "error", res.Error, false)
		}
		if rd.Verbose || !res.OK() {
			writeBlock(&b, "stdout", res.Stdout, res.StdoutTruncated)
		}
		writeBlock(&b, "stderr", res.Stderr, res.StderrTruncated)
	}
	for _, name := range r.NotRun {
		fmt.Fprintf(&b, "%s %s [not run]\n", color.HiBlackString("-"), name)
	}
	fmt.Fprintf(&b, "status: %s (%d/%d steps ok, %s)\n",
		statusColor(r.Status)("%s", r.Status),
		len(r.Results)-len(r.Failed()), len(r.Results)+len(r.NotRun),
		r.Duration().Round(time.Millisecond))
	_, err := io.WriteString(rd.Out, b.String())
	return err
}

func writeBlock(b *strings.Builder, label, text string, truncated bool) {
	text = strings.TrimRight(text, "\n")
	if text == "" {
		return
	}
	fmt.Fprintf(b, "    [%s]\n", label)
	for _, line := range strings.Split(text, "\n") {
		fmt.Fprintf(b, "      %s\n", line)
	}
	if truncated {
		fmt.Fprintf(b, "      %s\n", color.HiBlackString("... (truncated)"))
	}
}

// Preview shortens s to one line of at most n runes.
func Preview(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func hostOrLocal(h string) string {
	if h == "" {
		return "(unknown host)"
	}
	return h
}
