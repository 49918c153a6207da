package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/familiar-prop/familiar/internal/domain"
)

const (
	DefaultSerialPort         = "/dev/ttyUSB0"
	DefaultSerialBaud         = 115200
	DefaultReconnectDelay     = 5
	DefaultConfigTimeoutMs    = 10000
	DefaultCommandPrefix      = "!"
	DefaultMinFirmwareVersion = "2.3.0"
	DefaultJournalFile        = "journal.db"
)

// MeshtasticConfig holds the radio and message routing settings.
type MeshtasticConfig struct {
	Enabled               bool     `json:"enabled"`
	SerialPort            string   `json:"serial_port"`
	SerialBaud            int      `json:"serial_baud"`
	NodeName              string   `json:"node_name"`
	Channel               uint32   `json:"channel"`
	AllowedNodes          []string `json:"allowed_nodes"`
	ReconnectDelaySeconds int      `json:"reconnect_delay_seconds"`
	ConfigTimeoutMs       int      `json:"config_timeout_ms"`
	HeartbeatIntervalMs   int      `json:"heartbeat_interval_ms"`
	CommandPrefix         string   `json:"command_prefix"`
	MinFirmwareVersion    string   `json:"min_firmware_version"`
}

// LoggingConfig defines runtime logging behavior.
type LoggingConfig struct {
	Level     string `json:"level"`
	LogToFile bool   `json:"log_to_file"`
}

// JournalConfig controls the message journal. An empty path means the
// default location in the user config dir.
type JournalConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// AppConfig is the root persisted application configuration.
type AppConfig struct {
	Meshtastic MeshtasticConfig `json:"meshtastic"`
	Logging    LoggingConfig    `json:"logging"`
	Journal    JournalConfig    `json:"journal"`
}

func Default() AppConfig {
	return AppConfig{
		Meshtastic: MeshtasticConfig{
			Enabled:               true,
			SerialPort:            DefaultSerialPort,
			SerialBaud:            DefaultSerialBaud,
			NodeName:              "",
			Channel:               0,
			AllowedNodes:          nil,
			ReconnectDelaySeconds: DefaultReconnectDelay,
			ConfigTimeoutMs:       DefaultConfigTimeoutMs,
			HeartbeatIntervalMs:   0,
			CommandPrefix:         DefaultCommandPrefix,
			MinFirmwareVersion:    DefaultMinFirmwareVersion,
		},
		Logging: LoggingConfig{
			Level:     "info",
			LogToFile: false,
		},
		Journal: JournalConfig{
			Enabled: true,
			Path:    "",
		},
	}
}

func Load(path string) (AppConfig, error) {
	cfg := Default()
	cleanPath := filepath.Clean(path)
	// #nosec G304 -- path comes from the --config flag or the user config dir.
	raw, err := os.ReadFile(cleanPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}

		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	if err := json.Unmarshal(raw, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("decode config json: %w", err)
	}

	cfg.FillMissingDefaults()

	return cfg, nil
}

func (c *AppConfig) FillMissingDefaults() {
	m := &c.Meshtastic
	if strings.TrimSpace(m.SerialPort) == "" {
		m.SerialPort = DefaultSerialPort
	}
	if m.SerialBaud <= 0 {
		m.SerialBaud = DefaultSerialBaud
	}
	if m.ReconnectDelaySeconds <= 0 {
		m.ReconnectDelaySeconds = DefaultReconnectDelay
	}
	if m.ConfigTimeoutMs <= 0 {
		m.ConfigTimeoutMs = DefaultConfigTimeoutMs
	}
	if m.HeartbeatIntervalMs < 0 {
		m.HeartbeatIntervalMs = 0
	}
	if m.CommandPrefix == "" {
		m.CommandPrefix = DefaultCommandPrefix
	}
	if strings.TrimSpace(m.MinFirmwareVersion) == "" {
		m.MinFirmwareVersion = DefaultMinFirmwareVersion
	}
	m.AllowedNodes = normalizeAllowedNodes(m.AllowedNodes)
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

func normalizeAllowedNodes(nodes []string) []string {
	if len(nodes) == 0 {
		return nil
	}
	out := make([]string, 0, len(nodes))
	seen := make(map[string]struct{}, len(nodes))
	for _, node := range nodes {
		v := strings.TrimSpace(node)
		if v == "" {
			continue
		}
		// Unparsable entries are kept for Validate to report.
		if canonical, err := domain.CanonicalNodeID(v); err == nil {
			v = canonical
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}

	return out
}

func (c AppConfig) Validate() error {
	if strings.TrimSpace(c.Meshtastic.SerialPort) == "" {
		return errors.New("serial port is required")
	}
	if c.Meshtastic.SerialBaud <= 0 {
		return errors.New("serial baud must be positive")
	}
	if strings.TrimSpace(c.Meshtastic.CommandPrefix) == "" {
		return errors.New("command prefix must not be blank")
	}
	for _, node := range c.Meshtastic.AllowedNodes {
		if _, err := domain.ParseNodeID(node); err != nil {
			return fmt.Errorf("allowed_nodes: %w", err)
		}
	}
	switch strings.ToLower(strings.TrimSpace(c.Logging.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("unknown log level: %s", c.Logging.Level)
	}

	return nil
}

// ReconnectDelay is the pause between connection attempts.
func (m MeshtasticConfig) ReconnectDelay() time.Duration {
	return time.Duration(m.ReconnectDelaySeconds) * time.Second
}

// ConfigTimeout bounds the configuration handshake.
func (m MeshtasticConfig) ConfigTimeout() time.Duration {
	return time.Duration(m.ConfigTimeoutMs) * time.Millisecond
}

// HeartbeatInterval is zero when heartbeats are disabled.
func (m MeshtasticConfig) HeartbeatInterval() time.Duration {
	return time.Duration(m.HeartbeatIntervalMs) * time.Millisecond
}

func Save(path string, cfg AppConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, raw, 0o600); err != nil {
		return fmt.Errorf("write temp config: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp config: %w", err)
	}

	return nil
}
