package commands

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/openfroyo/ispflow/pkg/lifecycle"
)

func newMetricsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "Show the metrics snapshot of a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := newAPIClient().Snapshot(cmd.Context())
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), snap, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "STATE\tRESOURCES")
				for _, st := range lifecycle.States {
					fmt.Fprintf(tw, "%s\t%d\n", st, snap.ResourcesByState[string(st)])
				}
				_ = tw.Flush()
				fmt.Fprintln(w)

				fmt.Fprintf(w, "Allocation: %d observed, %.2fs total\n", snap.AllocationDuration.Count, snap.AllocationDuration.Sum)
				fmt.Fprintf(w, "Revocation: %d observed, %.2fs total\n", snap.RevocationDuration.Count, snap.RevocationDuration.Sum)
				fmt.Fprintf(w, "Runs in flight: %d\n\n", snap.RunsInFlight)

				names := make([]string, 0, len(snap.Workflows))
				for name := range snap.Workflows {
					names = append(names, name)
				}
				sort.Strings(names)
				tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "WORKFLOW\tSTARTED\tCOMPLETED\tCOMPENSATED\tFAILED_COMPENSATION")
				for _, name := range names {
					c := snap.Workflows[name]
					fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\n", name, c.Started, c.Completed, c.Compensated, c.FailedCompensation)
				}
				_ = tw.Flush()
			})
		},
	}
}
