package plan_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrej220/rdeploy/pkg/plan"
)

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    plan.Policy
		wantErr bool
	}{
		{in: "", want: plan.Abort()},
		{in: "abort", want: plan.Abort()},
		{in: " continue ", want: plan.Continue()},
		{in: "retry(3)", want: plan.Retry(3)},
		{in: "retry( 2 )", want: plan.Retry(2)},
		{in: "retry(0)", wantErr: true},
		{in: "retry(-1)", wantErr: true},
		{in: "retry(x)", wantErr: true},
		{in: "retry", wantErr: true},
		{in: "ignore", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := plan.ParsePolicy(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPolicyAttempts(t *testing.T) {
	assert.Equal(t, 1, plan.Abort().Attempts())
	assert.Equal(t, 1, plan.Continue().Attempts())
	assert.Equal(t, 4, plan.Retry(3).Attempts())
	assert.Equal(t, 1, plan.Policy{}.Attempts())
	assert.True(t, plan.Continue().Tolerates())
	assert.False(t, plan.Retry(2).Tolerates())
	assert.Equal(t, "retry(2)", plan.Retry(2).String())
	assert.Equal(t, "abort", plan.Policy{}.String())
}

func TestPolicyText(t *testing.T) {
	var p plan.Policy
	require.NoError(t, p.UnmarshalText([]byte("retry(5)")))
	assert.Equal(t, plan.Retry(5), p)
	b, err := p.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "retry(5)", string(b))
	assert.Error(t, p.UnmarshalText([]byte("sometimes")))
}

func TestNewValidation(t *testing.T) {
	ok := plan.Step{Name: "install", Payload: "npm install"}

	tests := []struct {
		name    string
		steps   []plan.Step
		wantErr error
		step    string
	}{
		{name: "empty", steps: nil, wantErr: plan.ErrEmptyPlan},
		{
			name:    "duplicate names",
			steps:   []plan.Step{ok, {Name: "install", Payload: "npm ci"}},
			wantErr: plan.ErrDuplicateStep,
			step:    "install",
		},
		{
			name:    "blank payload",
			steps:   []plan.Step{{Name: "build", Payload: "   "}},
			wantErr: plan.ErrInvalidStep,
			step:    "build",
		},
		{
			name:    "missing name",
			steps:   []plan.Step{{Payload: "true"}},
			wantErr: plan.ErrInvalidStep,
		},
		{
			name:    "negative timeout",
			steps:   []plan.Step{{Name: "x", Payload: "true", Timeout: -time.Second}},
			wantErr: plan.ErrInvalidStep,
			step:    "x",
		},
		{
			name:    "bad retry count",
			steps:   []plan.Step{{Name: "x", Payload: "true", OnFailure: plan.Retry(0)}},
			wantErr: plan.ErrInvalidStep,
			step:    "x",
		},
		{
			name:    "unknown processor",
			steps:   []plan.Step{{Name: "x", Payload: "true", Output: []string{"key_value"}}},
			wantErr: plan.ErrInvalidStep,
			step:    "x",
		},
		{
			name:  "valid",
			steps: []plan.Step{ok, {Name: "build", Payload: "npm run build", OnFailure: plan.Retry(2), Output: []string{"trim"}}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := plan.New("app", tt.steps...)
			if tt.wantErr == nil {
				require.NoError(t, err)
				assert.Equal(t, len(tt.steps), p.Len())
				return
			}
			require.Error(t, err)
			assert.Nil(t, p)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
			var verr *plan.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.step, verr.Step)
		})
	}
}

func TestPlanIsImmutable(t *testing.T) {
	steps := []plan.Step{{Name: "a", Payload: "echo a", Stdin: []byte("x")}}
	p := plan.Must("app", steps...)

	steps[0].Payload = "rm -rf /"
	got := p.Steps()
	got[0].Stdin[0] = 'y'
	got[0].Name = "b"

	s, ok := p.Step("a")
	require.True(t, ok)
	assert.Equal(t, "echo a", s.Payload)
	assert.Equal(t, []byte("x"), s.Stdin)
	_, ok = p.Step("b")
	assert.False(t, ok)
}

func TestZeroPlanValidate(t *testing.T) {
	var p *plan.Plan
	assert.ErrorIs(t, p.Validate(), plan.ErrEmptyPlan)
	assert.ErrorIs(t, (&plan.Plan{}).Validate(), plan.ErrEmptyPlan)
}

func TestStepDisplay(t *testing.T) {
	assert.Equal(t, "npm ci", plan.Step{Payload: "cd /srv && npm ci", Command: "npm ci"}.Display())
	assert.Equal(t, "true", plan.Step{Payload: "true"}.Display())
}
