package commands

import (
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/ispflow/pkg/engine"
)

func newStartCommand() *cobra.Command {
	var (
		tenantID string
		targetID string
		token    string
		vars     map[string]string
		wait     bool
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "start <workflow>",
		Short: "Start a provisioning or deprovisioning run",
		Long: `Start a workflow run on a running server.

The run context is built from --set key=value pairs. Provision needs at least a plan
and an ONT serial; deprovision reads the references recorded by the provision run.`,
		Example: `  # Provision a subscriber
  ispflow start provision --tenant T1 --target S1 \
    --set plan=fiber-500 --set ont_serial=ALCL0001 --set pon_port=olt1/1/1

  # Start with an idempotency token and wait for the outcome
  ispflow start provision --tenant T1 --target S1 --token order-1234 \
    --set plan=fiber-500 --set ont_serial=ALCL0001 --wait`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client := newAPIClient()

			runCtx := engine.Payload{}
			for k, v := range vars {
				runCtx[k] = v
			}

			log.Debug().
				Str("workflow", args[0]).
				Str("tenant_id", tenantID).
				Str("target_id", targetID).
				Msg("Starting run")

			started, err := client.Start(ctx, engine.StartRequest{
				Workflow:         args[0],
				TenantID:         tenantID,
				TargetID:         targetID,
				Context:          runCtx,
				IdempotencyToken: token,
			})
			if err != nil {
				return err
			}

			if !wait {
				return printResult(cmd.OutOrStdout(), started, func(w io.Writer) {
					fmt.Fprintf(w, "Run %s %s\n", started.RunID, started.Phase)
				})
			}

			run, err := waitForRun(ctx, client, started.RunID, timeout)
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), run, func(w io.Writer) { printRun(w, run) })
		},
	}

	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant ID")
	cmd.Flags().StringVar(&targetID, "target", "", "target (subscriber) ID")
	cmd.Flags().StringVar(&token, "token", "", "idempotency token")
	cmd.Flags().StringToStringVar(&vars, "set", nil, "run context values (key=value)")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait until the run is terminal")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "how long --wait polls")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("target")

	return cmd
}
