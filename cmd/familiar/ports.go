package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/familiar-prop/familiar/internal/transport"
)

func newPortsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "List serial ports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ports, err := transport.ListSerialPorts()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(ports) == 0 {
				_, _ = fmt.Fprintln(out, "no serial ports found")
				return nil
			}
			for _, port := range ports {
				_, _ = fmt.Fprintln(out, port)
			}

			return nil
		},
	}
}
