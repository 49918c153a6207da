package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/familiar-prop/familiar/internal/app"
)

func newNodesCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "nodes",
		Short: "Connect, print the radio's node directory and disconnect",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := connectRuntime(cmd.Context(), flags, func(o *app.Overrides) { o.NoJournal = true })
			if err != nil {
				return err
			}
			defer closeRuntime(cmd.ErrOrStderr(), rt)

			out := cmd.OutOrStdout()
			if info, ok := rt.Client.DeviceInfo(); ok {
				_, _ = fmt.Fprintf(out, "Radio %s, firmware %s, %s\n\n", info.NodeID, orDash(info.FirmwareVersion), orDash(info.HardwareModel))
			}

			return writeNodes(out, rt.Client.Nodes(), time.Now())
		},
	}
}
