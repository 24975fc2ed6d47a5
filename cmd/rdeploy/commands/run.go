package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/andrej220/rdeploy/internal/clierr"
	"github.com/andrej220/rdeploy/internal/lg"
	"github.com/andrej220/rdeploy/internal/persistence"
	"github.com/andrej220/rdeploy/pkg/config"
	"github.com/andrej220/rdeploy/pkg/config/filestore"
	"github.com/andrej220/rdeploy/pkg/orchestrator"
	"github.com/andrej220/rdeploy/pkg/report"
)

// watchDebounce collapses the burst of events one editor save produces.
const watchDebounce = 300 * time.Millisecond

type runOptions struct {
	host         string
	port         int
	user         string
	passwordRef  string
	keyRef       string
	knownHosts   string
	insecure     bool
	reportOut    string
	reportFormat string
	watch        bool
	verbose      bool
	quiet        bool
}

func newRunCmd(a *app) *cobra.Command {
	var o runOptions
	cmd := &cobra.Command{
		Use:   "run <plan.yaml>",
		Short: "Execute a plan on the target host",
		Long: "Execute every step of the plan in order over one SSH connection and print the report.\n\n" +
			"Exit codes: 0 success, 2 some steps failed, 3 aborted, 4 invalid plan, 1 other errors.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if o.watch {
				return a.watch(cmd, args[0], &o)
			}
			_, err := a.runOnce(cmd, args[0], &o)
			return err
		},
	}

	f := cmd.Flags()
	f.StringVar(&o.host, "host", "", "target host, overrides target.host")
	f.IntVar(&o.port, "port", 0, "target SSH port, overrides target.port")
	f.StringVarP(&o.user, "user", "u", "", "SSH user, overrides target.user")
	f.StringVar(&o.passwordRef, "password-ref", "", "password reference (env:NAME, file:PATH or prompt:LABEL)")
	f.StringVar(&o.keyRef, "key-ref", "", "private key reference (env:NAME, file:PATH)")
	f.StringVar(&o.knownHosts, "known-hosts", "", "known_hosts file, overrides target.known_hosts")
	f.BoolVar(&o.insecure, "insecure-ignore-host-key", false, "skip host key verification")
	f.StringVarP(&o.reportOut, "report-out", "o", "", "also write the report to this file (- for stdout, the summary then goes to stderr)")
	f.StringVar(&o.reportFormat, "report-format", "", "json or yaml, derived from --report-out by default")
	f.BoolVarP(&o.watch, "watch", "w", false, "run again whenever the plan file changes")
	f.BoolVarP(&o.verbose, "verbose", "v", false, "show output of successful steps too")
	f.BoolVarP(&o.quiet, "quiet", "q", false, "do not print progress lines")
	return cmd
}

func (o *runOptions) apply(t config.TargetSettings) (config.TargetSettings, error) {
	if o.host != "" {
		t.Host = o.host
	}
	if o.port != 0 {
		t.Port = o.port
	}
	if o.user != "" {
		t.User = o.user
	}
	if o.passwordRef != "" {
		t.PasswordRef = o.passwordRef
	}
	if o.keyRef != "" {
		t.KeyRef = o.keyRef
	}
	if o.knownHosts != "" {
		t.KnownHosts = o.knownHosts
	}
	if o.insecure {
		t.InsecureIgnoreHostKey = true
	}
	s := config.Settings{Target: t}
	if err := s.Validate(); err != nil {
		return t, clierr.Failed("target", err)
	}
	return t, nil
}

// runOnce builds, connects, executes and reports. The returned error carries
// the exit code for the report status.
func (a *app) runOnce(cmd *cobra.Command, planPath string, o *runOptions) (*report.Report, error) {
	ctx := a.context(cmd)
	p, err := a.buildPlan(ctx, planPath, a.secrets)
	if err != nil {
		return nil, err
	}

	target, err := o.apply(a.settings.Target)
	if err != nil {
		return nil, err
	}
	sshCfg, err := target.SSHConfig(ctx, a.secrets)
	if err != nil {
		return nil, fmt.Errorf("target %s: %w", target.Display(), err)
	}

	session, err := a.dial(ctx, sshCfg)
	if err != nil {
		return nil, clierr.Aborted("connect "+target.Display(), err)
	}
	defer session.Close()

	var observer orchestrator.Observer = orchestrator.NopObserver{}
	if !o.quiet {
		observer = &progress{out: cmd.ErrOrStderr(), total: p.Len()}
	}
	orch := orchestrator.New(orchestrator.Options{
		OutputCap: a.settings.Run.OutputCap,
		Backoff:   a.settings.Run.Retry.NewBackOff,
		Observer:  observer,
		Logger:    a.logger,
	})
	rep, err := orch.Execute(ctx, p, session, orchestrator.WithHost(target.Display()))
	if err != nil {
		return nil, clierr.Invalid("invalid plan", err)
	}

	// stdout stays machine readable when it carries the serialized report
	human := cmd.OutOrStdout()
	if o.reportOut == "-" {
		human = cmd.ErrOrStderr()
	}
	if err := (report.Renderer{Out: human, Verbose: o.verbose}).Render(rep); err != nil {
		return rep, err
	}
	if o.reportOut != "" {
		if err := persistence.WriteFileOrStream(rep, o.reportOut, o.reportFormat, cmd.OutOrStdout()); err != nil {
			return rep, fmt.Errorf("write report: %w", err)
		}
	}
	return rep, clierr.ForReport(rep)
}

// watch runs the plan, then again after every change to the plan file, until
// the command context is cancelled. The last run decides the exit code.
func (a *app) watch(cmd *cobra.Command, planPath string, o *runOptions) error {
	ctx := a.context(cmd)
	changes := make(chan struct{}, 1)
	if err := filestore.New(planPath).Watch(ctx, func() {
		select {
		case changes <- struct{}{}:
		default:
		}
	}); err != nil {
		return err
	}

	out := cmd.ErrOrStderr()
	_, last := a.runOnce(cmd, planPath, o)
	announce := func(err error) {
		if err != nil {
			fmt.Fprintln(out, "rdeploy:", err)
		}
		fmt.Fprintf(out, "watching %s, press Ctrl+C to stop\n", planPath)
	}
	announce(last)

	for {
		select {
		case <-ctx.Done():
			return last
		case <-changes:
		}
		if !debounce(ctx, changes, watchDebounce) {
			return last
		}
		a.logger.Info("plan changed, running again", lg.String("plan", planPath))
		_, last = a.runOnce(cmd, planPath, o)
		announce(last)
	}
}

// debounce waits until no change arrived for d. It returns false if ctx ended.
func debounce(ctx context.Context, changes <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-changes:
			if !t.Stop() {
				<-t.C
			}
			t.Reset(d)
		case <-t.C:
			return true
		}
	}
}
