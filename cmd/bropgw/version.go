package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/neboloop/bropgw/internal/config"
)

// VersionCmd prints the build and the identity reported to CDP clients.
func VersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "bropgw %s (%s, %s/%s)\n", Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
			fmt.Fprintf(out, "reports %s, protocol %s\n", config.DefaultBrowserVersion, config.DefaultProtocolVersion)
		},
	}
}
