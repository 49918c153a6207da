package radio

import (
	"testing"

	pb "github.com/meshnet-gophers/meshtastic-go/meshtastic"
	"google.golang.org/protobuf/proto"
)

func mustMarshal(t *testing.T, msg proto.Message) []byte {
	t.Helper()
	raw, err := proto.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal %T: %v", msg, err)
	}

	return raw
}

func TestNewTextPacket(t *testing.T) {
	packet := NewTextPacket("hello mesh", 0x1234, 2, true)

	if packet.GetTo() != 0x1234 || packet.GetChannel() != 2 || !packet.GetWantAck() {
		t.Fatalf("unexpected header: %v", packet)
	}
	if packet.GetId() != 0 {
		t.Fatalf("expected id to be left for the codec, got %d", packet.GetId())
	}
	if packet.GetDecoded().GetPortnum() != pb.PortNum_TEXT_MESSAGE_APP {
		t.Fatalf("expected text port, got %v", packet.GetDecoded())
	}
	if text, ok := ExtractText(packet); !ok || text != "hello mesh" {
		t.Fatalf("unexpected text: %q ok=%v", text, ok)
	}
}

func TestExtractTextRejectsOtherPorts(t *testing.T) {
	tests := []struct {
		name   string
		packet *pb.MeshPacket
	}{
		{name: "nil packet"},
		{name: "encrypted", packet: &pb.MeshPacket{PayloadVariant: &pb.MeshPacket_Encrypted{Encrypted: []byte{1, 2, 3}}}},
		{name: "position port", packet: &pb.MeshPacket{PayloadVariant: &pb.MeshPacket_Decoded{Decoded: &pb.Data{Portnum: pb.PortNum_POSITION_APP, Payload: []byte("x")}}}},
		{name: "invalid utf8", packet: &pb.MeshPacket{PayloadVariant: &pb.MeshPacket_Decoded{Decoded: &pb.Data{Portnum: pb.PortNum_TEXT_MESSAGE_APP, Payload: []byte{0xff, 0xfe}}}}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if text, ok := ExtractText(tc.packet); ok {
				t.Fatalf("expected no text, got %q", text)
			}
		})
	}
}

func TestExtractTelemetry(t *testing.T) {
	payload := mustMarshal(t, &pb.Telemetry{
		Time:    10,
		Variant: &pb.Telemetry_DeviceMetrics{DeviceMetrics: &pb.DeviceMetrics{BatteryLevel: proto.Uint32(88)}},
	})
	data := &pb.Data{Portnum: pb.PortNum_TELEMETRY_APP, Payload: payload}
	packet := &pb.MeshPacket{PayloadVariant: &pb.MeshPacket_Decoded{Decoded: data}}

	telemetry, ok := ExtractTelemetry(packet)
	if !ok {
		t.Fatalf("expected telemetry")
	}
	if telemetry.GetDeviceMetrics().GetBatteryLevel() != 88 {
		t.Fatalf("unexpected telemetry: %v", telemetry)
	}

	data.Portnum = pb.PortNum_TEXT_MESSAGE_APP
	if _, ok := ExtractTelemetry(packet); ok {
		t.Fatalf("expected wrong port to be rejected")
	}
}

func TestExtractPositionAndUser(t *testing.T) {
	posPacket := &pb.MeshPacket{PayloadVariant: &pb.MeshPacket_Decoded{Decoded: &pb.Data{
		Portnum: pb.PortNum_POSITION_APP,
		Payload: mustMarshal(t, &pb.Position{LatitudeI: proto.Int32(515000000), LongitudeI: proto.Int32(-1000000)}),
	}}}
	pos, ok := ExtractPosition(posPacket)
	if !ok || pos.GetLatitudeI() != 515000000 || pos.GetLongitudeI() != -1000000 {
		t.Fatalf("unexpected position: %v ok=%v", pos, ok)
	}
	if Latitude(pos) != 51.5 || Longitude(pos) != -0.1 {
		t.Fatalf("unexpected degrees: %v %v", Latitude(pos), Longitude(pos))
	}

	userPacket := &pb.MeshPacket{PayloadVariant: &pb.MeshPacket_Decoded{Decoded: &pb.Data{
		Portnum: pb.PortNum_NODEINFO_APP,
		Payload: mustMarshal(t, &pb.User{LongName: "Charlie", ShortName: "CH"}),
	}}}
	user, ok := ExtractUser(userPacket)
	if !ok || user.GetLongName() != "Charlie" || user.GetShortName() != "CH" {
		t.Fatalf("unexpected user: %v ok=%v", user, ok)
	}

	broken := &pb.MeshPacket{PayloadVariant: &pb.MeshPacket_Decoded{Decoded: &pb.Data{
		Portnum: pb.PortNum_NODEINFO_APP,
		Payload: []byte{0x0A, 0x05},
	}}}
	if _, ok := ExtractUser(broken); ok {
		t.Fatalf("expected undecodable user payload to be rejected")
	}
}

func TestChannelName(t *testing.T) {
	if got := ChannelName(&pb.Channel{Settings: &pb.ChannelSettings{Name: "ops"}}); got != "ops" {
		t.Fatalf("unexpected channel name %q", got)
	}
	if got := ChannelName(&pb.Channel{Index: 1}); got != "" {
		t.Fatalf("expected empty name without settings, got %q", got)
	}
}

func TestRequestBuilders(t *testing.T) {
	if msg := NewWantConfig(9); msg.GetWantConfigId() != 9 {
		t.Fatalf("unexpected want_config: %v", msg)
	}
	if msg := NewHeartbeat(); msg.GetHeartbeat() == nil {
		t.Fatalf("unexpected heartbeat: %v", msg)
	}
	if msg := NewDisconnect(); !msg.GetDisconnect() {
		t.Fatalf("unexpected disconnect: %v", msg)
	}
	packet := NewTextPacket("x", 1, 0, false)
	if msg := NewPacketMessage(packet); msg.GetPacket() != packet {
		t.Fatalf("unexpected packet message: %v", msg)
	}
}
