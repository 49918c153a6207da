package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/familiar-prop/familiar/internal/app"
	"github.com/familiar-prop/familiar/internal/domain"
)

func newRunCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Keep the radio connected and answer commands until interrupted",
		Long: `Connects to the radio, reconnects after failures and routes received text.

Text starting with the command prefix is a command: "ping" answers "pong" and
"status" answers with the number of known nodes. Other text is logged.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := openRuntime(cmd.Context(), flags, true, nil)
			if err != nil {
				return err
			}
			defer closeRuntime(cmd.ErrOrStderr(), rt)

			logger := rt.LogManager.Logger("service")
			svc := rt.NewService(nil, logAnnouncer{logger: logger})
			if err := svc.Run(cmd.Context()); err != nil {
				return fmt.Errorf("run service: %w", err)
			}

			return nil
		},
	}
}

// logAnnouncer stands in for a speech backend.
type logAnnouncer struct {
	logger *slog.Logger
}

var _ app.Announcer = logAnnouncer{}

func (a logAnnouncer) Announce(_ context.Context, msg domain.Message) {
	a.logger.Info("mesh message", "from", msg.FromID, "channel", msg.Channel, "text", msg.Text)
}
