package migrate

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tinyland-inc/guestbridge/pkg/migrate"
)

func NewMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Migrate configuration between formats",
		Example: `  guestbridge migrate to-dhall
  guestbridge migrate to-dhall --dry-run`,
	}

	cmd.AddCommand(newToDhallCommand())
	return cmd
}

func newToDhallCommand() *cobra.Command {
	var opts migrate.ToDhallOptions

	cmd := &cobra.Command{
		Use:   "to-dhall",
		Short: "Convert JSON config to Dhall format",
		Args:  cobra.NoArgs,
		Example: `  guestbridge migrate to-dhall
  guestbridge migrate to-dhall --dry-run
  guestbridge migrate to-dhall --config ~/.guestbridge/config.json
  guestbridge migrate to-dhall --output ~/.guestbridge/config.dhall --force`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			result, err := migrate.RunToDhall(opts)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if opts.DryRun {
				fmt.Fprint(out, result.Output)
			} else {
				fmt.Fprintf(out, "Dhall config written to %s\n", result.OutputPath)
			}
			if len(result.Warnings) > 0 {
				fmt.Fprintln(out, "\nWarnings:")
				for _, w := range result.Warnings {
					fmt.Fprintf(out, "  - %s\n", w)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.ConfigPath, "config", "",
		"JSON config file path (default: ~/.guestbridge/config.json)")
	cmd.Flags().StringVar(&opts.OutputPath, "output", "",
		"Dhall output file path (default: same dir as input, .dhall extension)")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false,
		"Print generated Dhall without writing")
	cmd.Flags().BoolVar(&opts.Force, "force", false,
		"Overwrite existing output file")

	return cmd
}
