package secrets

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

var ErrNoTerminal = errors.New("secret prompt needs an interactive terminal")

// PromptSource reads a secret from the controlling terminal with echo disabled.
type PromptSource struct {
	In  *os.File
	Out io.Writer
}

// NewPromptSource prompts on stderr and reads from stdin.
func NewPromptSource() *PromptSource {
	return &PromptSource{In: os.Stdin, Out: os.Stderr}
}

func (p *PromptSource) Lookup(ctx context.Context, label string) (string, error) {
	fd := int(p.In.Fd())
	if !term.IsTerminal(fd) {
		return "", ErrNoTerminal
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	fmt.Fprintf(p.Out, "%s: ", label)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(p.Out)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", label, err)
	}
	return string(b), nil
}
