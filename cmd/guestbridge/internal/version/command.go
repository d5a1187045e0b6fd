package version

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tinyland-inc/guestbridge/cmd/guestbridge/internal"
)

func NewVersionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "version",
		Aliases: []string{"v"},
		Short:   "Show version information",
		Args:    cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			build, goVer := internal.FormatBuildInfo()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s guestbridge %s\n", internal.Logo, internal.FormatVersion())
			if build != "" {
				fmt.Fprintf(out, "  Build: %s\n", build)
			}
			fmt.Fprintf(out, "  Go: %s\n", goVer)
		},
	}

	return cmd
}
