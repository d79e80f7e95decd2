package version

import (
	"os"

	"github.com/jangala-dev/uartx-dispatch/internal/cli/feedback"
	v "github.com/jangala-dev/uartx-dispatch/internal/version"
	"github.com/spf13/cobra"
)

// NewCommand created a new `version` command
func NewCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Short:   "Shows version number of uartx.",
		Long:    "Shows the version number of uartx which is installed on your system.",
		Example: "  " + os.Args[0] + " version",
		Args:    cobra.NoArgs,
		Run:     run,
	}
}

func run(cmd *cobra.Command, args []string) {
	feedback.PrintResult(v.VersionInfo)
}
