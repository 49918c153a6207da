package radio

import "fmt"

// ConnectionState is the lifecycle state of a Connection.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConfiguring
	StateConnected
	StateDisconnecting
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConfiguring:
		return "configuring"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// CanSend reports whether outbound messages are accepted in this state.
func (s ConnectionState) CanSend() bool {
	return s == StateConfiguring || s == StateConnected
}

// StateChange is emitted on every transition. Err carries the failure
// reason when New is StateFailed.
type StateChange struct {
	Old ConnectionState
	New ConnectionState
	Err error
}
