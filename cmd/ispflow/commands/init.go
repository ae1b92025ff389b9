package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/ispflow/pkg/config"
	"github.com/openfroyo/ispflow/pkg/stores"
)

func newInitCommand() *cobra.Command {
	var (
		dataDir string
		force   bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize an ispflow workspace",
		Long: `Write a default configuration file and create the SQLite execution log and the
run archive in the data directory.

The generated YAML lists every setting with its default value.`,
		Example: `  # Initialize in ./data with ./ispflow.yaml
  ispflow init

  # Initialize with a custom config path and data directory
  ispflow init --config /etc/ispflow/ispflow.yaml --data-dir /var/lib/ispflow`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if path == "" {
				path = "./ispflow.yaml"
			}

			log.Info().
				Str("config", path).
				Str("data_dir", dataDir).
				Msg("Initializing workspace")

			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("config file %s already exists (use --force to overwrite)", path)
			}

			if err := os.MkdirAll(dataDir, 0o700); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", dataDir, err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "✓ Created directory: %s\n", dataDir)

			cfg := config.Default()
			cfg.Store.Path = filepath.Join(dataDir, "ispflow.db")
			cfg.Store.ArchivePath = filepath.Join(dataDir, "ispflow-archive.db")

			store, err := stores.Open(cmd.Context(), cfg.Store.Config)
			if err != nil {
				return fmt.Errorf("failed to initialize store: %w", err)
			}
			if err := store.Close(); err != nil {
				return err
			}
			fmt.Fprintf(out, "✓ Initialized SQLite database: %s\n", cfg.Store.Path)

			archive, err := stores.OpenBoltArchive(cfg.Store.ArchivePath)
			if err != nil {
				return fmt.Errorf("failed to initialize archive: %w", err)
			}
			if err := archive.Close(); err != nil {
				return err
			}
			fmt.Fprintf(out, "✓ Initialized run archive: %s\n", cfg.Store.ArchivePath)

			raw, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("failed to encode config: %w", err)
			}
			content := append([]byte("# ispflow configuration\n\n"), raw...)
			if dir := filepath.Dir(path); dir != "." {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("failed to create directory %s: %w", dir, err)
				}
			}
			if err := os.WriteFile(path, content, 0o600); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
			fmt.Fprintf(out, "✓ Created config file: %s\n", path)

			fmt.Fprintf(out, "\nStart the service with: ispflow serve --config %s\n", path)
			return nil
		},
	}

	cmd.Flags().StringVar(&dataDir, "data-dir", "./data", "directory for the database and archive")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")

	return cmd
}
