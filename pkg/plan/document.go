package plan

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/alessio/shellescape"

	"github.com/andrej220/rdeploy/pkg/secrets"
)

const DefaultUploadMode = "0600"

// Document is the stored form of a plan, read from a YAML file or a MongoDB document.
type Document struct {
	ID      string            `yaml:"id,omitempty" json:"id,omitempty" bson:"_id,omitempty"`
	Name    string            `yaml:"name" json:"name" bson:"name" validate:"required,notblank"`
	WorkDir string            `yaml:"workdir,omitempty" json:"workdir,omitempty" bson:"workdir,omitempty"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty" bson:"env,omitempty" validate:"dive,keys,envname,endkeys"`
	// Timeout applies to steps that do not set their own.
	Timeout string         `yaml:"timeout,omitempty" json:"timeout,omitempty" bson:"timeout,omitempty"`
	Steps   []StepDocument `yaml:"steps" json:"steps" bson:"steps"`
}

// StepDocument is one step as written by the user. Exactly one of Run and Upload is set.
type StepDocument struct {
	Name         string          `yaml:"name" json:"name" bson:"name"`
	Run          string          `yaml:"run,omitempty" json:"run,omitempty" bson:"run,omitempty"`
	Upload       *UploadDocument `yaml:"upload,omitempty" json:"upload,omitempty" bson:"upload,omitempty"`
	OnFailure    string          `yaml:"on_failure,omitempty" json:"on_failure,omitempty" bson:"on_failure,omitempty"`
	Timeout      string          `yaml:"timeout,omitempty" json:"timeout,omitempty" bson:"timeout,omitempty"`
	IgnoreStderr []string        `yaml:"ignore_stderr,omitempty" json:"ignore_stderr,omitempty" bson:"ignore_stderr,omitempty"`
	Output       []string        `yaml:"output,omitempty" json:"output,omitempty" bson:"output,omitempty"`
}

// UploadDocument writes the content of a secret reference to a remote file.
type UploadDocument struct {
	Path   string `yaml:"path" json:"path" bson:"path"`
	Source string `yaml:"source" json:"source" bson:"source"`
	Mode   string `yaml:"mode,omitempty" json:"mode,omitempty" bson:"mode,omitempty"`
}

// BuildOptions control how a Document becomes a Plan.
type BuildOptions struct {
	// Secrets resolves env values and upload sources given as references.
	// Nil means secrets.DryRun.
	Secrets        secrets.Resolver
	DefaultTimeout time.Duration
}

// Build resolves references and composes payloads. Every error it returns is a
// *ValidationError.
func (d *Document) Build(ctx context.Context, opts BuildOptions) (*Plan, error) {
	if d == nil {
		return nil, &ValidationError{Err: ErrEmptyPlan}
	}
	if len(d.Steps) == 0 {
		return nil, &ValidationError{Err: ErrEmptyPlan}
	}
	if err := validate.Struct(d); err != nil {
		return nil, &ValidationError{Err: ErrInvalidStep, Detail: err}
	}
	resolver := opts.Secrets
	if resolver == nil {
		resolver = secrets.DryRun{}
	}

	defTimeout := opts.DefaultTimeout
	if d.Timeout != "" {
		t, err := parseTimeout(d.Timeout)
		if err != nil {
			return nil, &ValidationError{Err: ErrInvalidStep, Detail: fmt.Errorf("plan timeout: %w", err)}
		}
		defTimeout = t
	}

	prefix, err := d.prefix(ctx, resolver)
	if err != nil {
		return nil, err
	}

	steps := make([]Step, 0, len(d.Steps))
	for _, sd := range d.Steps {
		s, err := sd.build(ctx, resolver, prefix, defTimeout)
		if err != nil {
			return nil, &ValidationError{Step: sd.Name, Err: ErrInvalidStep, Detail: err}
		}
		steps = append(steps, s)
	}
	return New(d.Name, steps...)
}

// prefix changes into WorkDir and exports Env. Each step runs in a fresh
// remote shell, so this is repeated for every payload.
func (d *Document) prefix(ctx context.Context, resolver secrets.Resolver) (string, error) {
	var parts []string
	if d.WorkDir != "" {
		parts = append(parts, "cd "+shellescape.Quote(d.WorkDir))
	}
	keys := make([]string, 0, len(d.Env))
	for k := range d.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := d.Env[k]
		if secrets.IsRef(v) {
			resolved, err := resolver.Resolve(ctx, v)
			if err != nil {
				return "", &ValidationError{Err: ErrInvalidStep, Detail: fmt.Errorf("env %s: %w", k, err)}
			}
			v = resolved
		}
		parts = append(parts, "export "+k+"="+shellescape.Quote(v))
	}
	return strings.Join(parts, " && "), nil
}

func (sd StepDocument) build(ctx context.Context, resolver secrets.Resolver, prefix string, defTimeout time.Duration) (Step, error) {
	policy, err := ParsePolicy(sd.OnFailure)
	if err != nil {
		return Step{}, err
	}
	timeout := defTimeout
	if sd.Timeout != "" {
		if timeout, err = parseTimeout(sd.Timeout); err != nil {
			return Step{}, err
		}
	}
	s := Step{
		Name:         sd.Name,
		OnFailure:    policy,
		Timeout:      timeout,
		IgnoreStderr: sd.IgnoreStderr,
		Output:       sd.Output,
	}

	switch {
	case sd.Run != "" && sd.Upload != nil:
		return Step{}, errors.New("run and upload are mutually exclusive")
	case sd.Run != "":
		s.Command = sd.Run
		s.Payload = wrap(prefix, sd.Run)
	case sd.Upload != nil:
		script, content, err := sd.Upload.build(ctx, resolver)
		if err != nil {
			return Step{}, fmt.Errorf("upload: %w", err)
		}
		s.Command = "upload " + sd.Upload.Path
		s.Payload = wrap(prefix, script)
		s.Stdin = content
	default:
		return Step{}, errors.New("one of run or upload is required")
	}
	return s, nil
}

func (u *UploadDocument) build(ctx context.Context, resolver secrets.Resolver) (string, []byte, error) {
	if strings.TrimSpace(u.Path) == "" {
		return "", nil, errors.New("path is required")
	}
	if !secrets.IsRef(u.Source) {
		return "", nil, fmt.Errorf("source must be a secret reference (env:, file: or prompt:)")
	}
	mode := u.Mode
	if mode == "" {
		mode = DefaultUploadMode
	}
	if _, err := strconv.ParseUint(mode, 8, 32); err != nil {
		return "", nil, fmt.Errorf("mode %q is not octal", mode)
	}
	content, err := resolver.Resolve(ctx, u.Source)
	if err != nil {
		return "", nil, err
	}
	p := shellescape.Quote(u.Path)
	script := "umask 077 && mkdir -p " + shellescape.Quote(path.Dir(u.Path)) +
		" && cat > " + p + " && chmod " + mode + " " + p
	return script, []byte(content), nil
}

func wrap(prefix, cmd string) string {
	if prefix == "" {
		return cmd
	}
	// the subshell keeps "a || true" style commands from masking a failed cd
	return prefix + " && (\n" + cmd + "\n)"
}

func parseTimeout(s string) (time.Duration, error) {
	t, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout %q: %w", s, err)
	}
	if t < 0 {
		return 0, fmt.Errorf("timeout %q must not be negative", s)
	}
	return t, nil
}
