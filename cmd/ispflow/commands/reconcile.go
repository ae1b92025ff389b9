package commands

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/ispflow/pkg/reconcile"
)

func newReconcileCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Inspect or run reconciliation",
	}

	cmd.AddCommand(newReconcileFindingsCommand())
	cmd.AddCommand(newReconcileSweepCommand())
	return cmd
}

func newReconcileFindingsCommand() *cobra.Command {
	var since time.Duration

	cmd := &cobra.Command{
		Use:   "findings",
		Short: "List recent reconciliation findings from a running server",
		Example: `  # Findings of the last hour
  ispflow reconcile findings --since 1h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var from time.Time
			if since > 0 {
				from = time.Now().Add(-since)
			}
			res, err := newAPIClient().Findings(cmd.Context(), from)
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), res, func(w io.Writer) {
				printFindings(w, res.Findings)
			})
		},
	}

	cmd.Flags().DurationVar(&since, "since", 0, "only findings detected within this window")
	return cmd
}

func newReconcileSweepCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run every reconciliation check once against the local store",
		Long: `Open the configured store and run the hot checks (stuck allocations, stuck
revocations, orphaned runs) and the retention purge once.

Runs executing in a separate serve process are not visible to this command, so an
active run older than the orphan threshold is reported as orphaned. Prefer running it
while the service is stopped.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, err := loadConfig()
			if err != nil {
				return err
			}

			svc, err := newService(cmd.Context(), cfg, newSimulator(cfg).Set())
			if err != nil {
				return err
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = svc.Close(ctx)
			}()

			report, err := svc.ctrl.Sweep(cmd.Context())
			if err != nil {
				log.Warn().Err(err).Msg("Sweep finished with errors")
			}
			return printResult(cmd.OutOrStdout(), report, func(w io.Writer) {
				fmt.Fprintf(w, "Sweep took %s: %d finding(s), %d run(s) purged, %d item error(s)\n\n",
					report.Duration.Round(time.Millisecond), len(report.Findings), report.Purged, report.ItemErrors)
				printFindings(w, report.Findings)
			})
		},
	}
	return cmd
}

func printFindings(w io.Writer, findings []reconcile.Finding) {
	if len(findings) == 0 {
		fmt.Fprintln(w, "No findings")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DETECTED\tKIND\tSUBJECT\tAGE\tACTION\tDETAIL")
	for _, f := range findings {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			f.DetectedAt.Format(time.RFC3339), f.Kind, f.SubjectID, f.Age.Round(time.Second), f.Action, f.Detail)
	}
	_ = tw.Flush()
}
