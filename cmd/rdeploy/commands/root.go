package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/andrej220/rdeploy/internal/lg"
	"github.com/andrej220/rdeploy/pkg/config"
	"github.com/andrej220/rdeploy/pkg/secrets"
	"github.com/andrej220/rdeploy/pkg/transport"
	"github.com/andrej220/rdeploy/pkg/transport/sshtransport"
)

// Version is set at build time with -ldflags "-X .../commands.Version=...".
var Version = "0.0.0-dev"

const (
	serviceName       = "rdeploy"
	defaultConfigPath = "rdeploy.yaml"
)

type dialFunc func(ctx context.Context, cfg sshtransport.Config) (transport.Session, error)

func dialSSH(ctx context.Context, cfg sshtransport.Config) (transport.Session, error) {
	return sshtransport.Dial(ctx, cfg)
}

// app is the state shared by all subcommands once flags are parsed.
type app struct {
	configPath string
	logCfg     lg.Config

	logger   lg.Logger
	settings *config.Settings
	secrets  *secrets.Store
	dial     dialFunc
}

// NewRootCmd constructs the rdeploy root command.
func NewRootCmd() *cobra.Command {
	return newRootCmd(&app{dial: dialSSH})
}

func newRootCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rdeploy",
		Short: "Run deployment plans on a remote host over SSH",
		Long: "rdeploy executes an ordered plan of shell commands on one remote host, applies a\n" +
			"failure policy per step and prints a report of every step it ran.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}

	f := cmd.PersistentFlags()
	f.StringVarP(&a.configPath, "config", "c", defaultConfigPath, "settings file (optional unless set explicitly)")
	f.BoolVar(&a.logCfg.Debug, "debug", false, "enable debug logging")
	f.StringVar(&a.logCfg.Format, "log-format", "console", "json or console")
	f.StringVar(&a.logCfg.Level, "log-level", "warn", "minimum log level, ignored with --debug")

	cmd.AddCommand(newRunCmd(a))
	cmd.AddCommand(newValidateCmd(a))
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number of rdeploy",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "rdeploy version %s\n", Version)
		},
	})
	return cmd
}

func (a *app) init(cmd *cobra.Command) error {
	a.logCfg.ServiceName = serviceName
	if a.logCfg.Debug {
		a.logCfg.Level = ""
	}
	if a.logger == nil {
		a.logger = lg.New(&a.logCfg)
	}

	optional := !cmd.Flags().Changed("config")
	s, err := config.LoadFile(cmd.Context(), a.configPath, optional)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	a.settings = s

	if a.secrets == nil {
		a.secrets = secrets.NewStore()
		a.secrets.Register(secrets.SchemePrompt, secrets.NewPromptSource())
	}
	if a.dial == nil {
		a.dial = dialSSH
	}
	return nil
}

func (a *app) context(cmd *cobra.Command) context.Context {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return lg.Attach(ctx, a.logger)
}
