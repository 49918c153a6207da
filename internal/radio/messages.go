package radio

import (
	"unicode/utf8"

	pb "github.com/meshnet-gophers/meshtastic-go/meshtastic"
	"google.golang.org/protobuf/proto"
)

// BroadcastNodeNum addresses every node on the mesh.
const BroadcastNodeNum = ^uint32(0)

// DefaultHopLimit is the hop budget for packets originated here.
const DefaultHopLimit = 3

// PositionScale is the number of LatitudeI/LongitudeI units per degree.
const PositionScale = 1e7

func NewWantConfig(id uint32) *pb.ToRadio {
	return &pb.ToRadio{PayloadVariant: &pb.ToRadio_WantConfigId{WantConfigId: id}}
}

func NewHeartbeat() *pb.ToRadio {
	return &pb.ToRadio{PayloadVariant: &pb.ToRadio_Heartbeat{Heartbeat: &pb.Heartbeat{}}}
}

func NewDisconnect() *pb.ToRadio {
	return &pb.ToRadio{PayloadVariant: &pb.ToRadio_Disconnect{Disconnect: true}}
}

// NewPacketMessage wraps an outbound packet.
func NewPacketMessage(packet *pb.MeshPacket) *pb.ToRadio {
	return &pb.ToRadio{PayloadVariant: &pb.ToRadio_Packet{Packet: packet}}
}

// NewTextPacket builds a text message packet. The id is left for the codec
// to assign.
func NewTextPacket(text string, dest uint32, channel uint32, wantAck bool) *pb.MeshPacket {
	return &pb.MeshPacket{
		To:       dest,
		Channel:  channel,
		WantAck:  wantAck,
		HopLimit: DefaultHopLimit,
		Priority: pb.MeshPacket_DEFAULT,
		PayloadVariant: &pb.MeshPacket_Decoded{Decoded: &pb.Data{
			Portnum: pb.PortNum_TEXT_MESSAGE_APP,
			Payload: []byte(text),
		}},
	}
}

// ExtractText returns the text carried by a TEXT_MESSAGE_APP packet.
func ExtractText(packet *pb.MeshPacket) (string, bool) {
	data := decodedOn(packet, pb.PortNum_TEXT_MESSAGE_APP)
	if data == nil || !utf8.Valid(data.GetPayload()) {
		return "", false
	}

	return string(data.GetPayload()), true
}

// ExtractTelemetry decodes a TELEMETRY_APP payload.
func ExtractTelemetry(packet *pb.MeshPacket) (*pb.Telemetry, bool) {
	telemetry := &pb.Telemetry{}
	if !unmarshalOn(packet, pb.PortNum_TELEMETRY_APP, telemetry) {
		return nil, false
	}

	return telemetry, true
}

// ExtractPosition decodes a POSITION_APP payload.
func ExtractPosition(packet *pb.MeshPacket) (*pb.Position, bool) {
	position := &pb.Position{}
	if !unmarshalOn(packet, pb.PortNum_POSITION_APP, position) {
		return nil, false
	}

	return position, true
}

// ExtractUser decodes a NODEINFO_APP payload.
func ExtractUser(packet *pb.MeshPacket) (*pb.User, bool) {
	user := &pb.User{}
	if !unmarshalOn(packet, pb.PortNum_NODEINFO_APP, user) {
		return nil, false
	}

	return user, true
}

// Latitude converts the fixed-point latitude of pos to degrees.
func Latitude(pos *pb.Position) float64 {
	return float64(pos.GetLatitudeI()) / PositionScale
}

// Longitude converts the fixed-point longitude of pos to degrees.
func Longitude(pos *pb.Position) float64 {
	return float64(pos.GetLongitudeI()) / PositionScale
}

// ChannelName is the configured channel name, empty for the preset default.
func ChannelName(ch *pb.Channel) string {
	return ch.GetSettings().GetName()
}

func unmarshalOn(packet *pb.MeshPacket, port pb.PortNum, out proto.Message) bool {
	data := decodedOn(packet, port)
	if data == nil {
		return false
	}

	return proto.Unmarshal(data.GetPayload(), out) == nil
}

func decodedOn(packet *pb.MeshPacket, port pb.PortNum) *pb.Data {
	data := packet.GetDecoded()
	if data == nil || data.GetPortnum() != port {
		return nil
	}

	return data
}
