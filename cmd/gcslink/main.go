package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/danmuck/gcslink/internal/observability"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "gcslink",
		Short:         "Ground station link engine",
		Long:          "gcslink decodes vehicle telemetry from UDP, serial and replay links, tracks sessions and loss, and serves a status API.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			observability.InitLogger("gcslink")
		},
	}
	root.AddCommand(newServeCmd(), newReplayCmd(), newPortsCmd())
	return root
}
