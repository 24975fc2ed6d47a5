package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/andrej220/rdeploy/pkg/report"
	"github.com/andrej220/rdeploy/pkg/secrets"
)

func newValidateCmd(a *app) *cobra.Command {
	var resolve bool
	cmd := &cobra.Command{
		Use:   "validate <plan.yaml>",
		Short: "Check a plan without connecting to the target",
		Long: "Parse and validate the plan and print its steps. Secret references are only checked\n" +
			"for syntax unless --resolve is given. Exits 4 when the plan is invalid.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := a.context(cmd)
			var resolver secrets.Resolver = secrets.DryRun{}
			if resolve {
				resolver = a.secrets
			}
			p, err := a.buildPlan(ctx, args[0], resolver)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s plan %s: %d step(s)\n", color.GreenString("✓"), p.Name(), p.Len())
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			for i, s := range p.Steps() {
				timeout := "-"
				if s.Timeout > 0 {
					timeout = s.Timeout.String()
				}
				fmt.Fprintf(tw, "  %d\t%s\t%s\t%s\t%s\n", i+1, s.Name, s.OnFailure, timeout, report.Preview(s.Display(), 60))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&resolve, "resolve", false, "resolve secret references (may prompt)")
	return cmd
}
