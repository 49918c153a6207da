package connectors

import "time"

// ConnectionState mirrors the radio connection lifecycle for subscribers.
type ConnectionState string

const (
	ConnectionStateDisconnected  ConnectionState = "disconnected"
	ConnectionStateConnecting    ConnectionState = "connecting"
	ConnectionStateConfiguring   ConnectionState = "configuring"
	ConnectionStateConnected     ConnectionState = "connected"
	ConnectionStateDisconnecting ConnectionState = "disconnecting"
	ConnectionStateFailed        ConnectionState = "failed"
)

// ConnectionStatus is published on every connection state transition.
type ConnectionStatus struct {
	State         ConnectionState
	Previous      ConnectionState
	Err           string
	TransportName string
	Target        string
	Timestamp     time.Time
}

// RawFrame carries frame diagnostics for debug output.
type RawFrame struct {
	Hex string
	Len int
}
