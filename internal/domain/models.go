package domain

import "time"

type MessageDirection int

const (
	MessageDirectionIn MessageDirection = iota + 1
	MessageDirectionOut
)

func (d MessageDirection) String() string {
	switch d {
	case MessageDirectionIn:
		return "in"
	case MessageDirectionOut:
		return "out"
	default:
		return "unknown"
	}
}

type Position struct {
	Latitude  float64
	Longitude float64
	Altitude  int32
}

// Node is the application view of a mesh node. Telemetry pointers stay nil
// until the node reported them.
type Node struct {
	NodeID             string
	Num                uint32
	LongName           string
	ShortName          string
	HardwareModel      string
	LastHeardAt        time.Time
	BatteryLevel       *uint32
	Voltage            *float64
	ChannelUtilization *float64
	AirUtilTx          *float64
	UptimeSeconds      *uint32
	SNR                *float64
	RSSI               *int
	Position           *Position
	HopsAway           *uint32
	ViaMQTT            bool
	IsFavorite         bool
	UpdatedAt          time.Time
}

func (n Node) SignalQuality() SignalQuality {
	if n.SNR == nil || n.RSSI == nil {
		return SignalUnknown
	}

	return DetermineSignalQuality(float32(*n.SNR), *n.RSSI)
}

// Message is a text message received from or sent to the mesh.
type Message struct {
	LocalID        int64
	PacketID       uint32
	Direction      MessageDirection
	FromID         string
	FromNum        uint32
	ToID           string
	ToNum          uint32
	Channel        uint32
	Text           string
	At             time.Time
	SNR            *float64
	RSSI           *int
	HopLimit       uint32
	HopStart       uint32
	SenderPosition *Position
}

// IsBroadcast reports whether the message was addressed to every node.
func (m Message) IsBroadcast() bool {
	return m.ToNum == BroadcastNum
}

type ChannelInfo struct {
	Index int
	Title string
	Role  string
}

// DeviceInfo describes the attached radio.
type DeviceInfo struct {
	NodeID          string
	Num             uint32
	FirmwareVersion string
	HardwareModel   string
}
