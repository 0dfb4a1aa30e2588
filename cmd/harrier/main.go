// Harrier runs AML detection over tenant transaction graphs, either as a
// long-lived worker with an ops HTTP server or as a one-shot run.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "harrier",
		Short:         "Anti-money-laundering detection over transaction graphs",
		Version:       fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, BuildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "YAML config file (defaults and HARRIER_ env vars apply without it)")
	root.AddCommand(newServeCmd(), newRunCmd())
	return root
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "harrier:", err)
		os.Exit(1)
	}
}
