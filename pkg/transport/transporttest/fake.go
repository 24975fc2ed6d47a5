// Package transporttest provides a scripted transport.Session for tests.
package transporttest

import (
	"context"
	"sync"
	"time"

	"github.com/andrej220/rdeploy/pkg/transport"
)

// Response is what the fake answers for one call.
type Response struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Err      error
	// Delay simulates a slow command; it is cut short by the command timeout,
	// ctx or Close.
	Delay time.Duration
}

var _ transport.Session = (*Fake)(nil)

// Fake answers commands by exact script match. Responses queued for a script are
// consumed in order and the last one repeats.
type Fake struct {
	mu        sync.Mutex
	responses map[string][]Response
	Default   Response
	calls     []transport.Command
	closed    chan struct{}
	closeOnce sync.Once
}

func New() *Fake {
	return &Fake{
		responses: make(map[string][]Response),
		closed:    make(chan struct{}),
	}
}

// On queues responses for script.
func (f *Fake) On(script string, rs ...Response) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[script] = append(f.responses[script], rs...)
	return f
}

func (f *Fake) next(script string) Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := f.responses[script]
	switch len(q) {
	case 0:
		return f.Default
	case 1:
		return q[0]
	}
	f.responses[script] = q[1:]
	return q[0]
}

func (f *Fake) Run(ctx context.Context, cmd transport.Command) (transport.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	f.mu.Unlock()

	select {
	case <-f.closed:
		return transport.Result{}, &transport.Error{Op: "session", Addr: "fake", Err: transport.ErrClosed}
	default:
	}
	if err := ctx.Err(); err != nil {
		return transport.Result{}, &transport.Error{Op: "session", Addr: "fake", Err: err}
	}

	r := f.next(cmd.Script)
	start := time.Now()
	if r.Delay > 0 {
		var timeout <-chan time.Time
		if cmd.Timeout > 0 {
			t := time.NewTimer(cmd.Timeout)
			defer t.Stop()
			timeout = t.C
		}
		delay := time.NewTimer(r.Delay)
		defer delay.Stop()
		select {
		case <-delay.C:
		case <-timeout:
			return transport.Result{Duration: time.Since(start)}, transport.ErrTimeout
		case <-ctx.Done():
			return transport.Result{}, &transport.Error{Op: "wait", Addr: "fake", Err: ctx.Err()}
		case <-f.closed:
			return transport.Result{}, &transport.Error{Op: "wait", Addr: "fake", Err: transport.ErrClosed}
		}
	}
	if r.Err != nil {
		return transport.Result{Duration: time.Since(start)}, r.Err
	}
	return transport.Result{
		ExitCode: r.ExitCode,
		Stdout:   []byte(r.Stdout),
		Stderr:   []byte(r.Stderr),
		Duration: time.Since(start),
	}, nil
}

func (f *Fake) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

// Calls returns the commands received so far.
func (f *Fake) Calls() []transport.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transport.Command(nil), f.calls...)
}

// Scripts returns the scripts received so far, in order.
func (f *Fake) Scripts() []string {
	var out []string
	for _, c := range f.Calls() {
		out = append(out, c.Script)
	}
	return out
}

func (f *Fake) CallCount(script string) int {
	n := 0
	for _, s := range f.Scripts() {
		if s == script {
			n++
		}
	}
	return n
}
