// Package secrets resolves credential references at runtime.
//
// Configuration and plan documents never hold secret values. They hold references:
//
//	env:DEPLOY_PASSWORD     value of an environment variable
//	file:~/.ssh/id_ed25519  contents of a file
//	prompt:ssh password     read from the terminal without echo
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	SchemeEnv    = "env"
	SchemeFile   = "file"
	SchemePrompt = "prompt"
)

var (
	ErrNotRef        = errors.New("not a secret reference")
	ErrUnknownScheme = errors.New("unknown secret scheme")
	ErrNotFound      = errors.New("secret not found")
)

// Ref is a parsed secret reference.
type Ref struct {
	Scheme string
	Value  string
}

func (r Ref) String() string { return r.Scheme + ":" + r.Value }

// ParseRef splits "scheme:value". The value must not be empty.
func ParseRef(s string) (Ref, error) {
	scheme, value, ok := strings.Cut(s, ":")
	if !ok || value == "" {
		return Ref{}, fmt.Errorf("%w: %q", ErrNotRef, s)
	}
	switch scheme {
	case SchemeEnv, SchemeFile, SchemePrompt:
		return Ref{Scheme: scheme, Value: value}, nil
	default:
		return Ref{}, fmt.Errorf("%w %q", ErrUnknownScheme, scheme)
	}
}

// IsRef reports whether s parses as a reference.
func IsRef(s string) bool {
	_, err := ParseRef(s)
	return err == nil
}

// Resolver turns a reference into its secret value.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// Source resolves the value part of one scheme.
type Source interface {
	Lookup(ctx context.Context, value string) (string, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, value string) (string, error)

func (f SourceFunc) Lookup(ctx context.Context, value string) (string, error) { return f(ctx, value) }

// Store dispatches references to a Source per scheme. Prompt answers are cached
// so a prompt is shown at most once; env and file references are read on every
// Resolve, so a long-lived Store sees rotated credentials.
type Store struct {
	mu      sync.Mutex
	sources map[string]Source
	cache   map[string]string
}

// NewStore returns a Store with env and file sources. Prompting is opt-in via Register.
func NewStore() *Store {
	s := &Store{
		sources: make(map[string]Source),
		cache:   make(map[string]string),
	}
	s.Register(SchemeEnv, EnvSource(os.LookupEnv))
	s.Register(SchemeFile, SourceFunc(readFile))
	return s
}

func (s *Store) Register(scheme string, src Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources[scheme] = src
}

func (s *Store) Resolve(ctx context.Context, raw string) (string, error) {
	ref, err := ParseRef(raw)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cacheable := ref.Scheme == SchemePrompt
	if v, ok := s.cache[ref.String()]; ok && cacheable {
		return v, nil
	}
	src, ok := s.sources[ref.Scheme]
	if !ok {
		return "", fmt.Errorf("%w %q: no source registered", ErrUnknownScheme, ref.Scheme)
	}
	v, err := src.Lookup(ctx, ref.Value)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", ref, err)
	}
	if cacheable {
		s.cache[ref.String()] = v
	}
	return v, nil
}

// EnvSource reads environment variables through lookup.
func EnvSource(lookup func(string) (string, bool)) Source {
	return SourceFunc(func(_ context.Context, name string) (string, error) {
		v, ok := lookup(name)
		if !ok {
			return "", fmt.Errorf("%w: environment variable %s is not set", ErrNotFound, name)
		}
		return v, nil
	})
}

func readFile(_ context.Context, path string) (string, error) {
	p, err := ExpandHome(path)
	if err != nil {
		return "", err
	}
	b, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, p)
		}
		return "", err
	}
	return string(b), nil
}

// ExpandHome replaces a leading "~/" with the user's home directory.
func ExpandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("expand %s: %w", path, err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

// DryRun checks reference syntax and returns a placeholder instead of the value.
type DryRun struct{}

func (DryRun) Resolve(_ context.Context, raw string) (string, error) {
	ref, err := ParseRef(raw)
	if err != nil {
		return "", err
	}
	return "<" + ref.String() + ">", nil
}
