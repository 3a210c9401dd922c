// Command btfwsim is a thin smoke-test harness that wires the framework
// aggregate to the in-memory mock SAL and drives it from a handful of
// cobra subcommands. It exists to exercise component wiring end to end,
// not to talk to real hardware; see cmd/blim in the reference tooling
// for the shape this was grounded on.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version      = "dev"
	logLevelFlag string
)

var rootCmd = &cobra.Command{
	Use:   "btfwsim",
	Short: "Bluetooth framework wiring smoke test",
	Long: `btfwsim drives a framework.Framework instance against the in-memory
mock SAL: enable the adapter, start scanning or advertising, and
replay a Lua simulation script against the mock stack.

It is a demonstration harness, not a production Bluetooth host.`,
	Version: version,
}

func init() {
	rootCmd.SilenceErrors = true
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "info", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(enableCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(advertiseCmd)
	rootCmd.AddCommand(scriptCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err)
		os.Exit(1)
	}
}
