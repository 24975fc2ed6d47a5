// Package transport defines the contract between the orchestrator and a remote
// execution channel.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTimeout is returned by Run when the command did not finish within its timeout.
// It marks a failed command, not a lost channel.
var ErrTimeout = errors.New("command timed out")

// ErrClosed is returned by Run after the session has been closed.
var ErrClosed = errors.New("session closed")

// Command is one remote invocation.
type Command struct {
	Script  string
	Stdin   []byte
	Timeout time.Duration
}

// Result is what the remote side reported for a finished command.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	Duration time.Duration
}

// Session runs commands over an already authenticated channel.
// A non-zero exit is reported through Result.ExitCode with a nil error.
// Errors are either ErrTimeout or an *Error describing a channel failure.
// Run must return promptly once Close has been called.
type Session interface {
	Run(ctx context.Context, cmd Command) (Result, error)
	Close() error
}

// Error is a connection, authentication or channel failure.
type Error struct {
	Op   string // dial, session, start, wait
	Addr string
	Err  error
}

func (e *Error) Error() string {
	if e.Addr == "" {
		return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("transport %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransportError reports whether err is (or wraps) an *Error.
func IsTransportError(err error) bool {
	var te *Error
	return errors.As(err, &te)
}
