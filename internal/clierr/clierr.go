// Package clierr maps command failures and run outcomes to process exit codes.
package clierr

import (
	"errors"
	"fmt"

	"github.com/andrej220/rdeploy/pkg/report"
)

// Code is the process exit code of rdeploy.
type Code int

const (
	ExitOK Code = iota
	ExitFailure
	ExitPartial
	ExitAborted
	ExitInvalid
)

var codeNames = map[Code]string{
	ExitOK:      "ok",
	ExitFailure: "failure",
	ExitPartial: "partial",
	ExitAborted: "aborted",
	ExitInvalid: "invalid",
}

func (c Code) String() string {
	if n, ok := codeNames[c]; ok {
		return n
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// Error attaches an exit code to a failed operation.
type Error struct {
	Code Code
	Op   string // what failed, e.g. "connect deploy@host:22"
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Err == nil:
		return e.Op
	case e.Op == "":
		return e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func Invalid(op string, err error) error { return &Error{Code: ExitInvalid, Op: op, Err: err} }
func Aborted(op string, err error) error { return &Error{Code: ExitAborted, Op: op, Err: err} }
func Failed(op string, err error) error  { return &Error{Code: ExitFailure, Op: op, Err: err} }

// ForReport is nil for a successful run and carries ExitPartial or ExitAborted
// otherwise.
func ForReport(rep *report.Report) error {
	switch rep.Status {
	case report.StatusSuccess:
		return nil
	case report.StatusPartial:
		return &Error{Code: ExitPartial, Op: fmt.Sprintf("run %s finished with %d failed step(s)", rep.RunID, len(rep.Failed()))}
	default:
		return &Error{Code: ExitAborted, Op: fmt.Sprintf("run %s aborted", rep.RunID)}
	}
}

// CodeOf returns the code carried by err. nil is ExitOK; any other error
// without a code, or with ExitOK, is ExitFailure.
func CodeOf(err error) Code {
	if err == nil {
		return ExitOK
	}
	var e *Error
	if errors.As(err, &e) && e.Code != ExitOK {
		return e.Code
	}
	return ExitFailure
}
