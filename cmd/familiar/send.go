package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/familiar-prop/familiar/internal/domain"
)

func newSendCmd(flags *rootFlags) *cobra.Command {
	var to string
	cmd := &cobra.Command{
		Use:   "send <text>...",
		Short: "Connect and send a text message",
		Long: `Sends text on the configured channel. Without --to the message is a
broadcast; --to takes a node id such as !1234abcd.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")
			if _, err := domain.ParseDestination(to); err != nil {
				return err
			}

			rt, err := connectRuntime(cmd.Context(), flags, nil)
			if err != nil {
				return err
			}
			defer closeRuntime(cmd.ErrOrStderr(), rt)

			msg, err := rt.Client.SendText(cmd.Context(), text, to)
			if err != nil {
				return err
			}
			if rt.MessageRepo != nil {
				if _, err := rt.MessageRepo.Insert(cmd.Context(), msg); err != nil {
					_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "journal message: %v\n", err)
				}
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "sent packet %d to %s\n", msg.PacketID, msg.ToID)

			return nil
		},
	}
	cmd.Flags().StringVarP(&to, "to", "t", "", "Destination node id (default broadcast)")

	return cmd
}
