package app

import (
	"strings"

	"github.com/familiar-prop/familiar/internal/config"
	"github.com/familiar-prop/familiar/internal/connectors"
	"github.com/familiar-prop/familiar/internal/transport"
)

// ConnectionTarget is the serial port the radio is expected on.
func ConnectionTarget(cfg config.MeshtasticConfig) string {
	return strings.TrimSpace(cfg.SerialPort)
}

// InitialConnectionStatus is the status reported before the first
// transition of the connection.
func InitialConnectionStatus(cfg config.MeshtasticConfig) connectors.ConnectionStatus {
	status := connectors.ConnectionStatus{
		State:         connectors.ConnectionStateDisconnected,
		TransportName: transport.SerialTransportName,
		Target:        ConnectionTarget(cfg),
	}
	if cfg.Enabled && status.Target != "" {
		status.State = connectors.ConnectionStateConnecting
	}

	return status
}
