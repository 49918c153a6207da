package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/familiar-prop/familiar/internal/bus"
	"github.com/familiar-prop/familiar/internal/config"
	"github.com/familiar-prop/familiar/internal/connectors"
	"github.com/familiar-prop/familiar/internal/logging"
	"github.com/familiar-prop/familiar/internal/mesh"
	"github.com/familiar-prop/familiar/internal/persistence"
	"github.com/familiar-prop/familiar/internal/radio"
	"github.com/familiar-prop/familiar/internal/transport"
)

// Overrides are command line values that win over the config file.
type Overrides struct {
	ConfigFile string
	SerialPort string
	SerialBaud int
	LogLevel   string
	// NoJournal skips opening the message journal.
	NoJournal bool
}

func (o Overrides) apply(cfg *config.AppConfig) {
	if v := strings.TrimSpace(o.SerialPort); v != "" {
		cfg.Meshtastic.SerialPort = v
	}
	if o.SerialBaud > 0 {
		cfg.Meshtastic.SerialBaud = o.SerialBaud
	}
	if v := strings.TrimSpace(o.LogLevel); v != "" {
		cfg.Logging.Level = v
	}
	if o.NoJournal {
		cfg.Journal.Enabled = false
	}
}

// Runtime owns every long-lived component of the process.
type Runtime struct {
	Ctx    context.Context
	cancel context.CancelFunc

	Paths  Paths
	Config config.AppConfig

	LogManager  *logging.Manager
	Bus         *bus.PubSubBus
	DB          *sql.DB
	MessageRepo *persistence.MessageRepo
	WriterQueue *persistence.WriterQueue

	Connection *radio.Connection
	Client     *mesh.Client

	connStatusMu    sync.RWMutex
	connStatus      connectors.ConnectionStatus
	connStatusKnown bool
}

func Initialize(parent context.Context, logMgr *logging.Manager, overrides Overrides) (*Runtime, error) {
	paths, err := ResolvePaths(overrides.ConfigFile)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(paths.ConfigFile)
	if err != nil {
		return nil, err
	}
	overrides.apply(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	ctx, cancel := context.WithCancel(parent)
	rt := &Runtime{
		Ctx:    ctx,
		cancel: cancel,
		Paths:  paths,
		Config: cfg,
	}

	if err := logMgr.Configure(cfg.Logging, paths.LogFile); err != nil {
		cancel()
		return nil, fmt.Errorf("configure logging: %w", err)
	}
	rt.LogManager = logMgr
	slog.Info("starting familiar", "version", BuildVersionWithDate(), "config", paths.ConfigFile)

	if cfg.Journal.Enabled {
		db, err := persistence.Open(ctx, paths.JournalPath(cfg.Journal.Path))
		if err != nil {
			_ = rt.Close()
			return nil, err
		}
		rt.DB = db
		rt.MessageRepo = persistence.NewMessageRepo(db)
		rt.WriterQueue = persistence.NewWriterQueue(logMgr.Logger("persistence"), WriterQueueSize)
		rt.WriterQueue.Start(ctx)
	}

	b := bus.New(logMgr.Logger("bus"))
	rt.Bus = b
	rt.setConnStatus(InitialConnectionStatus(cfg.Meshtastic))
	connSub := b.Subscribe(connectors.TopicConnStatus)
	go rt.captureConnStatus(connSub)

	dialer := transport.NewSerialDialer(cfg.Meshtastic.SerialPort, cfg.Meshtastic.SerialBaud)
	conn, err := radio.NewConnection(logMgr.Logger("radio"), dialer, radio.Options{
		HandshakeTimeout: cfg.Meshtastic.ConfigTimeout(),
	})
	if err != nil {
		_ = rt.Close()
		return nil, fmt.Errorf("initialize radio connection: %w", err)
	}
	rt.Connection = conn
	rt.Client = mesh.NewClient(logMgr.Logger("mesh"), b, conn, mesh.Options{
		Channel:      cfg.Meshtastic.Channel,
		AllowedNodes: cfg.Meshtastic.AllowedNodes,
	})

	return rt, nil
}

// NewService builds the message routing service over this runtime.
func (r *Runtime) NewService(commands CommandHandler, announcer Announcer) *Service {
	deps := ServiceDeps{
		Radio:     r.Client,
		Bus:       r.Bus,
		Writer:    r.WriterQueue,
		Commands:  commands,
		Announcer: announcer,
	}
	if r.MessageRepo != nil {
		deps.Journal = r.MessageRepo
	}

	return NewService(r.LogManager.Logger("service"), r.Config.Meshtastic, deps)
}

// captureConnStatus drains sub until the bus closes it.
func (r *Runtime) captureConnStatus(sub bus.Subscription) {
	for raw := range sub {
		status, ok := raw.(connectors.ConnectionStatus)
		if !ok {
			continue
		}
		r.setConnStatus(status)
	}
}

func (r *Runtime) setConnStatus(status connectors.ConnectionStatus) {
	r.connStatusMu.Lock()
	r.connStatus = status
	r.connStatusKnown = true
	r.connStatusMu.Unlock()
}

func (r *Runtime) CurrentConnStatus() (connectors.ConnectionStatus, bool) {
	r.connStatusMu.RLock()
	status := r.connStatus
	known := r.connStatusKnown
	r.connStatusMu.RUnlock()

	return status, known
}

// Close stops the radio and releases the journal. It is safe on a partly
// initialized runtime.
func (r *Runtime) Close() error {
	if r.Client != nil {
		r.Client.Disconnect()
		r.Client.Close()
	}
	if r.cancel != nil {
		r.cancel()
	}
	if r.WriterQueue != nil {
		<-r.WriterQueue.Done()
	}
	if r.Bus != nil {
		r.Bus.Close()
	}
	if r.DB != nil {
		_ = r.DB.Close()
	}
	if r.LogManager != nil {
		_ = r.LogManager.Close()
	}

	return nil
}
