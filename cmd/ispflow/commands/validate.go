package commands

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/ispflow/pkg/config"
)

type validateResult struct {
	Path   string                   `json:"path"`
	Valid  bool                     `json:"valid"`
	Errors []config.ValidationError `json:"errors,omitempty"`
}

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [path]",
		Short: "Validate a configuration file",
		Long: `Validate a YAML or CUE configuration file.

This command checks:
  - YAML or CUE syntax validity
  - Conformance to the built-in CUE schema (CUE files)
  - Unknown keys
  - Value bounds such as worker counts and positive thresholds`,
		Example: `  # Validate the file given with --config
  ispflow validate -c ispflow.cue

  # Validate a specific file and print the errors as JSON
  ispflow validate --json ./ispflow.yaml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if len(args) > 0 {
				path = args[0]
			}
			if path == "" {
				return errors.New("no configuration file given")
			}

			log.Debug().Str("path", path).Msg("Validating configuration")

			loader, err := config.NewLoader()
			if err != nil {
				return err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", path, err)
			}

			res := validateResult{Path: path, Valid: true}
			_, err = loader.Parse(path, data)
			if err != nil {
				var verrs config.ValidationErrors
				if !errors.As(err, &verrs) {
					return err
				}
				res.Valid = false
				res.Errors = verrs
			}

			if err := printResult(cmd.OutOrStdout(), res, func(w io.Writer) {
				if res.Valid {
					fmt.Fprintf(w, "✓ %s is valid\n", path)
					return
				}
				fmt.Fprintf(w, "✗ %s has %d error(s):\n", path, len(res.Errors))
				for _, e := range res.Errors {
					fmt.Fprintf(w, "  %s\n", e.String())
				}
			}); err != nil {
				return err
			}
			if !res.Valid {
				return fmt.Errorf("configuration %s is invalid", path)
			}
			return nil
		},
	}

	return cmd
}
