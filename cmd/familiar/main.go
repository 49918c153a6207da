// Familiar - Meshtastic radio controller
//
// Keeps a serial-attached Meshtastic radio connected, answers mesh commands
// and journals text traffic.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		slog.Error("familiar failed", "error", err)
		os.Exit(1)
	}
}
