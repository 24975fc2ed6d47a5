package sshtransport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"

	"github.com/andrej220/rdeploy/internal/lg"
	"github.com/andrej220/rdeploy/pkg/transport"
)

// Run executes cmd in a new session. The step timeout is enforced here as well as
// through ctx so a hung remote command is killed rather than waited on.
func (c *Client) Run(ctx context.Context, cmd transport.Command) (transport.Result, error) {
	select {
	case <-c.closed:
		return transport.Result{}, &transport.Error{Op: "session", Addr: c.addr, Err: transport.ErrClosed}
	default:
	}
	if err := ctx.Err(); err != nil {
		return transport.Result{}, &transport.Error{Op: "session", Addr: c.addr, Err: err}
	}

	runCtx := ctx
	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	start := time.Now()
	// open session via circuit-breaker
	res, err := c.cb.Execute(func() (any, error) {
		return c.conn.NewSession()
	})
	if err != nil {
		return transport.Result{}, &transport.Error{Op: "session", Addr: c.addr, Err: err}
	}
	sess := res.(*ssh.Session)
	defer sess.Close()

	if len(cmd.Stdin) > 0 {
		sess.Stdin = bytes.NewReader(cmd.Stdin)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		return transport.Result{}, &transport.Error{Op: "session", Addr: c.addr, Err: err}
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		return transport.Result{}, &transport.Error{Op: "session", Addr: c.addr, Err: err}
	}

	if err := sess.Start(cmd.Script); err != nil {
		return transport.Result{}, &transport.Error{Op: "start", Addr: c.addr, Err: err}
	}

	outBuf := newCappedBuffer(c.maxOutput)
	errBuf := newCappedBuffer(c.maxOutput)
	done := make(chan error, 1)
	go func() {
		var g errgroup.Group
		g.Go(func() error { _, err := io.Copy(outBuf, stdout); return err })
		g.Go(func() error { _, err := io.Copy(errBuf, stderr); return err })
		copyErr := g.Wait()
		waitErr := sess.Wait()
		if waitErr == nil && copyErr != nil {
			waitErr = copyErr
		}
		done <- waitErr
	}()

	result := func() transport.Result {
		return transport.Result{
			Stdout:   outBuf.Bytes(),
			Stderr:   errBuf.Bytes(),
			Duration: time.Since(start),
		}
	}

	select {
	case werr := <-done:
		r := result()
		code, err := c.exitStatus(werr)
		r.ExitCode = code
		return r, err

	case <-runCtx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		_ = sess.Close()
		c.awaitExit(done)
		r := result()
		r.ExitCode = -1
		if ctx.Err() != nil {
			// the caller gave up, not the step
			return r, &transport.Error{Op: "wait", Addr: c.addr, Err: ctx.Err()}
		}
		c.logger.Warn("command timed out", lg.Duration("timeout", cmd.Timeout))
		return r, transport.ErrTimeout

	case <-c.closed:
		c.awaitExit(done)
		r := result()
		r.ExitCode = -1
		return r, &transport.Error{Op: "wait", Addr: c.addr, Err: transport.ErrClosed}
	}
}

func (c *Client) awaitExit(done <-chan error) {
	select {
	case <-done:
	case <-time.After(closeGrace):
		c.logger.Warn("session did not close in time")
	}
}

func (c *Client) exitStatus(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), nil
	}
	// ExitMissingError, io.EOF and friends all mean the channel went away
	return -1, &transport.Error{Op: "wait", Addr: c.addr, Err: err}
}

// cappedBuffer keeps the first max bytes written to it and discards the rest.
type cappedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func newCappedBuffer(max int) *cappedBuffer {
	return &cappedBuffer{max: max}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bytes.Clone(b.buf.Bytes())
}
