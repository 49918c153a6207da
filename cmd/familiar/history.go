package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/familiar-prop/familiar/internal/app"
	"github.com/familiar-prop/familiar/internal/persistence"
)

func newHistoryCmd(flags *rootFlags) *cobra.Command {
	var (
		limit    int
		clearAll bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print the latest journaled messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := openRuntime(cmd.Context(), flags, false, nil)
			if err != nil {
				return err
			}
			defer closeRuntime(cmd.ErrOrStderr(), rt)
			if rt.MessageRepo == nil {
				return errors.New("message journal is disabled in config")
			}

			out := cmd.OutOrStdout()
			if clearAll {
				if err := persistence.ClearJournal(cmd.Context(), rt.DB); err != nil {
					return err
				}
				_, _ = fmt.Fprintln(out, "journal cleared")
				return nil
			}

			msgs, err := rt.MessageRepo.ListRecent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(msgs) == 0 {
				_, _ = fmt.Fprintln(out, "no messages")
				return nil
			}
			for _, msg := range msgs {
				writeMessage(out, msg, nil)
			}

			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", app.HistoryLimit, "Number of messages to show")
	cmd.Flags().BoolVar(&clearAll, "clear", false, "Delete every journaled message")

	return cmd
}
