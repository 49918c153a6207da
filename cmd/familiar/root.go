package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/familiar-prop/familiar/internal/app"
	"github.com/familiar-prop/familiar/internal/logging"
	"github.com/familiar-prop/familiar/internal/platform"
)

type rootFlags struct {
	configFile string
	portName   string
	baudRate   int
	logLevel   string
}

func (f *rootFlags) overrides() app.Overrides {
	return app.Overrides{
		ConfigFile: f.configFile,
		SerialPort: f.portName,
		SerialBaud: f.baudRate,
		LogLevel:   f.logLevel,
	}
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:   app.Name,
		Short: "Meshtastic radio controller",
		Long: `Familiar keeps a Meshtastic radio attached over USB serial connected,
answers mesh commands and journals text traffic.

Connection:
  --port /dev/ttyUSB0 [--baud 115200]

Settings not given on the command line come from the JSON config file in the
user config directory (or --config).

Meshtastic: ` + app.MeshtasticURL,
		Version:       app.BuildVersionWithDate(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&flags.configFile, "config", "c", "", "Config file path")
	root.PersistentFlags().StringVarP(&flags.portName, "port", "p", "", "Serial port device")
	root.PersistentFlags().IntVarP(&flags.baudRate, "baud", "b", 0, "Baud rate")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	root.AddCommand(
		newRunCmd(flags),
		newNodesCmd(flags),
		newSendCmd(flags),
		newHistoryCmd(flags),
		newMonitorCmd(flags),
		newPortsCmd(),
	)

	return root
}

// session is a runtime plus the port lock held while it may talk to the radio.
type session struct {
	*app.Runtime
	lock platform.PortLock
}

// openRuntime initializes the runtime with logs on stderr. With lockPort set
// it also takes the serial port lock so two familiar processes never share
// one radio.
func openRuntime(ctx context.Context, flags *rootFlags, lockPort bool, mutate func(*app.Overrides)) (*session, error) {
	overrides := flags.overrides()
	if mutate != nil {
		mutate(&overrides)
	}

	rt, err := app.Initialize(ctx, logging.NewManager(os.Stderr), overrides)
	if err != nil {
		return nil, fmt.Errorf("initialize runtime: %w", err)
	}

	s := &session{Runtime: rt}
	if lockPort {
		lock, err := platform.AcquirePortLock(app.Name, rt.Config.Meshtastic.SerialPort)
		if err != nil {
			_ = rt.Close()
			return nil, err
		}
		s.lock = lock
	}

	return s, nil
}

// connectRuntime opens a locked runtime and connects to the radio once.
func connectRuntime(ctx context.Context, flags *rootFlags, mutate func(*app.Overrides)) (*session, error) {
	s, err := openRuntime(ctx, flags, true, mutate)
	if err != nil {
		return nil, err
	}
	if err := s.Client.Connect(ctx); err != nil {
		closeRuntime(io.Discard, s)
		return nil, err
	}

	return s, nil
}

func closeRuntime(w io.Writer, s *session) {
	if err := s.Close(); err != nil {
		_, _ = fmt.Fprintf(w, "close runtime: %v\n", err)
	}
	if s.lock != nil {
		if err := s.lock.Release(); err != nil {
			_, _ = fmt.Fprintf(w, "release port lock: %v\n", err)
		}
	}
}
