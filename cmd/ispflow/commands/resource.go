package commands

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newResourceCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resource <resource-id>",
		Short: "Show a managed resource and its lifecycle history",
		Example: `  # Show the delegated prefix allocated for a subscriber
  ispflow resource pfx-S1`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := newAPIClient().Lifecycle(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), res, func(w io.Writer) {
				r := res.Resource
				fmt.Fprintf(w, "Resource:   %s (%s)\n", r.ID, r.Kind)
				fmt.Fprintf(w, "Subscriber: %s/%s\n", r.TenantID, r.SubscriberID)
				fmt.Fprintf(w, "State:      %s since %s\n", r.State, r.StateEnteredAt.Format(time.RFC3339))
				if r.ExternalRef != "" {
					fmt.Fprintf(w, "External:   %s\n", r.ExternalRef)
				}
				fmt.Fprintln(w)

				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "AT\tFROM\tTO\tACTOR\tREASON")
				for _, t := range res.History {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", t.At.Format(time.RFC3339), t.From, t.To, t.Actor, t.Reason)
				}
				_ = tw.Flush()
			})
		},
	}
}
