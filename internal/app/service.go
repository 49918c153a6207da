package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/familiar-prop/familiar/internal/bus"
	"github.com/familiar-prop/familiar/internal/config"
	"github.com/familiar-prop/familiar/internal/connectors"
	"github.com/familiar-prop/familiar/internal/domain"
	"github.com/familiar-prop/familiar/internal/persistence"
)

// Radio is the part of the mesh client the service drives.
type Radio interface {
	Connect(ctx context.Context) error
	Disconnect()
	IsConnected() bool
	SendText(ctx context.Context, text, destination string) (domain.Message, error)
	SendHeartbeat(ctx context.Context) error
	Nodes() []domain.Node
	DeviceInfo() (domain.DeviceInfo, bool)
}

// Command is a received text that starts with the command prefix.
type Command struct {
	// Name is the lowercased first word without the prefix.
	Name    string
	Args    string
	Message domain.Message
}

// CommandHandler observes every command, built-in or not.
type CommandHandler interface {
	HandleCommand(ctx context.Context, cmd Command)
}

// Announcer receives ordinary (non-command) text, e.g. to speak it aloud.
type Announcer interface {
	Announce(ctx context.Context, msg domain.Message)
}

type ServiceDeps struct {
	Radio     Radio
	Bus       bus.MessageBus
	Journal   domain.MessageRepository
	Writer    *persistence.WriterQueue
	Commands  CommandHandler
	Announcer Announcer
}

// Service keeps the radio connected and routes received text.
type Service struct {
	logger *slog.Logger
	cfg    config.MeshtasticConfig
	deps   ServiceDeps
}

func NewService(logger *slog.Logger, cfg config.MeshtasticConfig, deps ServiceDeps) *Service {
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{logger: logger, cfg: cfg, deps: deps}
}

// Run blocks until ctx is done. While disabled it returns immediately.
func (s *Service) Run(ctx context.Context) error {
	if !s.cfg.Enabled {
		s.logger.Info("meshtastic is disabled")
		return nil
	}
	if s.deps.Radio == nil || s.deps.Bus == nil {
		return fmt.Errorf("service requires a radio and a bus")
	}

	received := s.deps.Bus.Subscribe(connectors.TopicMessageReceived)
	sent := s.deps.Bus.Subscribe(connectors.TopicMessageSent)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.consume(ctx, received, s.handleReceived)
	}()
	go func() {
		defer wg.Done()
		s.consume(ctx, sent, func(_ context.Context, msg domain.Message) {
			s.journal(msg)
		})
	}()

	s.logger.Info("service started", "port", s.cfg.SerialPort, "channel", s.cfg.Channel)
	s.supervise(ctx)

	// Unsubscribing closes the subscriptions, consumers drain what is left.
	s.deps.Bus.Unsubscribe(received, connectors.TopicMessageReceived)
	s.deps.Bus.Unsubscribe(sent, connectors.TopicMessageSent)
	wg.Wait()
	s.deps.Radio.Disconnect()
	s.logger.Info("service stopped")

	return nil
}

func (s *Service) supervise(ctx context.Context) {
	delay := s.cfg.ReconnectDelay()
	if delay <= 0 {
		delay = config.DefaultReconnectDelay * time.Second
	}
	var heartbeat <-chan time.Time
	if interval := s.cfg.HeartbeatInterval(); interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		heartbeat = ticker.C
	}

	check := time.NewTimer(0)
	defer check.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat:
			if !s.deps.Radio.IsConnected() {
				continue
			}
			if err := s.deps.Radio.SendHeartbeat(ctx); err != nil {
				s.logger.Warn("heartbeat failed", "error", err)
			}
		case <-check.C:
			if !s.deps.Radio.IsConnected() {
				s.connect(ctx)
			}
			check.Reset(delay)
		}
	}
}

func (s *Service) connect(ctx context.Context) {
	s.logger.Info("connecting to radio", "port", s.cfg.SerialPort)
	if err := s.deps.Radio.Connect(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("radio connection failed", "error", err, "retry_in", s.cfg.ReconnectDelay())
		return
	}

	info, ok := s.deps.Radio.DeviceInfo()
	if !ok {
		return
	}
	s.logger.Info("radio connected", "node", info.NodeID, "firmware", info.FirmwareVersion, "hardware", info.HardwareModel)
	if info.FirmwareVersion == "" {
		return
	}
	ok, err := CheckFirmware(info.FirmwareVersion, s.cfg.MinFirmwareVersion)
	switch {
	case err != nil:
		s.logger.Warn("cannot check firmware version", "error", err)
	case !ok:
		s.logger.Warn("radio firmware is older than supported",
			"firmware", info.FirmwareVersion, "minimum", s.cfg.MinFirmwareVersion, "download", FirmwareReleaseURL)
	}
}

// consume runs until sub is closed.
func (s *Service) consume(ctx context.Context, sub bus.Subscription, handle func(context.Context, domain.Message)) {
	for raw := range sub {
		msg, ok := raw.(domain.Message)
		if !ok {
			continue
		}
		handle(ctx, msg)
	}
}

func (s *Service) handleReceived(ctx context.Context, msg domain.Message) {
	s.journal(msg)

	text := strings.TrimSpace(msg.Text)
	if text == "" || ctx.Err() != nil {
		return
	}
	prefix := s.cfg.CommandPrefix
	if prefix == "" {
		prefix = config.DefaultCommandPrefix
	}
	if !strings.HasPrefix(text, prefix) {
		if s.deps.Announcer != nil {
			s.deps.Announcer.Announce(ctx, msg)
		}
		return
	}

	cmd := ParseCommand(strings.TrimPrefix(text, prefix))
	cmd.Message = msg
	s.logger.Info("command received", "command", cmd.Name, "from", msg.FromID)
	if s.deps.Commands != nil {
		s.deps.Commands.HandleCommand(ctx, cmd)
	}

	reply, ok := s.builtinReply(cmd)
	if !ok {
		return
	}
	if _, err := s.deps.Radio.SendText(ctx, reply, msg.FromID); err != nil {
		s.logger.Warn("command reply failed", "command", cmd.Name, "to", msg.FromID, "error", err)
	}
}

func (s *Service) builtinReply(cmd Command) (string, bool) {
	switch cmd.Name {
	case "ping":
		return PingReply, true
	case "status":
		return fmt.Sprintf(StatusReplyFormat, len(s.deps.Radio.Nodes())), true
	default:
		return "", false
	}
}

func (s *Service) journal(msg domain.Message) {
	if s.deps.Journal == nil || s.deps.Writer == nil {
		return
	}
	repo := s.deps.Journal
	s.deps.Writer.Enqueue("journal message", func(ctx context.Context) error {
		_, err := repo.Insert(ctx, msg)
		return err
	})
}

// ParseCommand splits "name args..." and lowercases the name.
func ParseCommand(body string) Command {
	body = strings.TrimSpace(body)
	name, args, _ := strings.Cut(body, " ")

	return Command{
		Name: strings.ToLower(strings.TrimSpace(name)),
		Args: strings.TrimSpace(args),
	}
}
