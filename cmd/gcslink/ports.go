package main

import (
	"github.com/spf13/cobra"

	"github.com/danmuck/gcslink/internal/link"
)

func newPortsCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "ports",
		Short: "List serial ports available for links",
		RunE: func(cmd *cobra.Command, args []string) error {
			ports, err := link.Ports()
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), format, map[string][]string{"ports": ports})
		},
	}
	cmd.Flags().StringVarP(&format, "output", "o", "yaml", "output format: yaml|json")
	return cmd
}
