package commands

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/ispflow/pkg/config"
)

func newServeCommand() *cobra.Command {
	var (
		addr   string
		resume bool
		watch  bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the provisioning service",
		Long: `Run the saga engine, the IPv6 prefix reconciler, the metrics emitter and the
HTTP API in one process.

External collaborators are in-memory simulators. Per-operation latencies can be
configured under collaborators.latency to exercise timeouts and cancellation.

When started with a config file the file is watched and reconciliation thresholds
are applied without a restart.`,
		Example: `  # Serve with defaults (SQLite in the working directory, :8080)
  ispflow serve

  # Serve with a CUE config and a different listener
  ispflow serve -c /etc/ispflow/ispflow.cue --addr :9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			loader, cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.HTTP.Addr = addr
			}

			svc, err := newService(ctx, cfg, newSimulator(cfg).Set())
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownGrace+5*time.Second)
				defer cancel()
				if err := svc.Close(shutdownCtx); err != nil {
					log.Error().Err(err).Msg("Shutdown finished with errors")
				}
			}()

			if resume {
				n, err := svc.resumeActive(ctx)
				if err != nil {
					return err
				}
				if n > 0 {
					log.Info().Int("runs", n).Msg("Resumed interrupted runs")
				}
			}

			var watcher *config.Watcher
			if watch && configPath != "" {
				watcher = config.NewWatcher(configPath, loader, cfg, config.WithWatchLogger(svc.tel.Component("config")))
			}

			log.Info().
				Str("addr", cfg.HTTP.Addr).
				Str("store", cfg.Store.Path).
				Str("locking", cfg.Locking.Backend).
				Int("workers", cfg.Engine.Workers).
				Msg("Starting ispflow")

			return svc.Run(ctx, watcher)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "API listen address (overrides http.addr)")
	cmd.Flags().BoolVar(&resume, "resume", true, "resume runs left active by a previous process")
	cmd.Flags().BoolVar(&watch, "watch", true, "reload reconciliation thresholds when the config file changes")

	return cmd
}
