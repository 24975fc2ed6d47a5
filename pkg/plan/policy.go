package plan

import (
	"fmt"
	"strconv"
	"strings"
)

type PolicyKind string

const (
	PolicyAbort    PolicyKind = "abort"
	PolicyContinue PolicyKind = "continue"
	PolicyRetry    PolicyKind = "retry"
)

// MaxRetries bounds retry(n).
const MaxRetries = 100

// Policy decides what happens after a step fails. The zero value aborts.
// A retry policy that runs out of attempts aborts the run.
type Policy struct {
	Kind    PolicyKind
	Retries int
}

func Abort() Policy      { return Policy{Kind: PolicyAbort} }
func Continue() Policy   { return Policy{Kind: PolicyContinue} }
func Retry(n int) Policy { return Policy{Kind: PolicyRetry, Retries: n} }

// ParsePolicy accepts "abort", "continue" and "retry(n)". Empty means abort.
func ParsePolicy(s string) (Policy, error) {
	s = strings.TrimSpace(s)
	switch s {
	case "", string(PolicyAbort):
		return Abort(), nil
	case string(PolicyContinue):
		return Continue(), nil
	}
	if strings.HasPrefix(s, "retry(") && strings.HasSuffix(s, ")") {
		n, err := strconv.Atoi(strings.TrimSpace(s[len("retry(") : len(s)-1]))
		if err != nil {
			return Policy{}, fmt.Errorf("invalid retry count in %q", s)
		}
		p := Retry(n)
		if err := p.Validate(); err != nil {
			return Policy{}, err
		}
		return p, nil
	}
	return Policy{}, fmt.Errorf("unknown failure policy %q, want abort, continue or retry(n)", s)
}

func (p Policy) Validate() error {
	switch p.Kind {
	case "", PolicyAbort, PolicyContinue:
		if p.Retries != 0 {
			return fmt.Errorf("policy %s does not take a retry count", p)
		}
		return nil
	case PolicyRetry:
		if p.Retries < 1 || p.Retries > MaxRetries {
			return fmt.Errorf("retry count must be between 1 and %d, got %d", MaxRetries, p.Retries)
		}
		return nil
	default:
		return fmt.Errorf("unknown failure policy %q", p.Kind)
	}
}

// Attempts is the total number of times a failing step may run.
func (p Policy) Attempts() int {
	if p.Kind == PolicyRetry {
		return p.Retries + 1
	}
	return 1
}

// Tolerates reports whether a failure under this policy lets the run go on.
func (p Policy) Tolerates() bool { return p.Kind == PolicyContinue }

func (p Policy) String() string {
	if p.Kind == PolicyRetry {
		return fmt.Sprintf("retry(%d)", p.Retries)
	}
	if p.Kind == "" {
		return string(PolicyAbort)
	}
	return string(p.Kind)
}

func (p Policy) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Policy) UnmarshalText(b []byte) error {
	parsed, err := ParsePolicy(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
