package commands

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/ispflow/pkg/api"
)

const pollInterval = 500 * time.Millisecond

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Inspect and control workflow runs",
	}

	cmd.AddCommand(newRunGetCommand())
	cmd.AddCommand(newRunCancelCommand())
	cmd.AddCommand(newRunResumeCommand())
	return cmd
}

func newRunGetCommand() *cobra.Command {
	var (
		wait    bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "get <run-id>",
		Short: "Show a run and its step history",
		Example: `  ispflow run get 6f1c2a0e-...
  ispflow run get 6f1c2a0e-... --wait --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient()

			var (
				run *api.RunResponse
				err error
			)
			if wait {
				run, err = waitForRun(cmd.Context(), client, args[0], timeout)
			} else {
				run, err = client.Run(cmd.Context(), args[0])
			}
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), run, func(w io.Writer) { printRun(w, run) })
		},
	}

	cmd.Flags().BoolVar(&wait, "wait", false, "wait until the run is terminal")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "how long --wait polls")
	return cmd
}

func newRunCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Request cancellation of a run",
		Long: `Request cancellation of an active run. The run stops at the next step boundary
and compensates every step that succeeded.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newAPIClient().Cancel(cmd.Context(), args[0]); err != nil {
				return err
			}
			res := map[string]interface{}{"run_id": args[0], "cancel_requested": true}
			return printResult(cmd.OutOrStdout(), res, func(w io.Writer) {
				fmt.Fprintf(w, "Cancellation requested for run %s\n", args[0])
			})
		},
	}
}

func newRunResumeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Resume an interrupted run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := newAPIClient().Resume(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), res, func(w io.Writer) {
				fmt.Fprintf(w, "Run %s resumed (%s)\n", res.RunID, res.Phase)
			})
		},
	}
}

// waitForRun polls until the run reaches a terminal phase or timeout passes.
func waitForRun(ctx context.Context, client *api.Client, runID string, timeout time.Duration) (*api.RunResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		run, err := client.Run(ctx, runID)
		if err != nil {
			return nil, err
		}
		if run.Phase.IsTerminal() {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("run %s still %s: %w", runID, run.Phase, ctx.Err())
		case <-ticker.C:
		}
	}
}

func printRun(w io.Writer, run *api.RunResponse) {
	fmt.Fprintf(w, "Run:      %s\n", run.ID)
	fmt.Fprintf(w, "Workflow: %s\n", run.Workflow)
	fmt.Fprintf(w, "Target:   %s/%s\n", run.TenantID, run.TargetID)
	fmt.Fprintf(w, "Phase:    %s\n", run.Phase)
	if run.LastError != nil {
		fmt.Fprintf(w, "Error:    %s %s: %s\n", run.LastError.Step, run.LastError.Code, run.LastError.Reason)
	}
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STEP\tSTATUS\tRETRIES\tERROR")
	for _, st := range run.Steps {
		msg := ""
		if st.Error != nil {
			msg = st.Error.Message
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", st.Name, st.Status, st.RetryCount, msg)
	}
	_ = tw.Flush()
}
