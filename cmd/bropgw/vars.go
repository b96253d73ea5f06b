package cli

import (
	"github.com/spf13/cobra"
)

// Shared CLI flags
var (
	cfgFile      string
	nativeAddr   string
	cdpAddr      string
	upstreamAddr string
	logLevel     string
	logFormat    string
	quiet        bool
)

// Version is stamped at build time with -ldflags "-X ...cli.Version=...".
var Version = "dev"

// SetupRootCmd configures the root command with all subcommands and flags.
func SetupRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "bropgw",
		Short: "BROP gateway - multiplexes one browser extension across BROP and CDP clients",
		Long: `bropgw bridges native BROP clients and Chrome DevTools Protocol tools to a
single browser extension connection.

Just type 'bropgw' to start the gateway with the default listeners.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd)
		},
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: built-in settings)")
	rootCmd.PersistentFlags().StringVar(&nativeAddr, "native-addr", "", "listen address for native BROP clients")
	rootCmd.PersistentFlags().StringVar(&cdpAddr, "cdp-addr", "", "listen address for CDP clients and discovery")
	rootCmd.PersistentFlags().StringVar(&upstreamAddr, "upstream-addr", "", "listen address for the browser extension")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (console, json)")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress all log output")

	rootCmd.AddCommand(ServeCmd())
	rootCmd.AddCommand(VersionCmd())

	return rootCmd
}
