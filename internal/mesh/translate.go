package mesh

import (
	"time"

	pb "github.com/meshnet-gophers/meshtastic-go/meshtastic"

	"github.com/familiar-prop/familiar/internal/domain"
	"github.com/familiar-prop/familiar/internal/radio"
)

// NodeFromInfo converts a device node database entry.
func NodeFromInfo(info *pb.NodeInfo) domain.Node {
	node := domain.Node{
		NodeID:     domain.FormatNodeID(info.GetNum()),
		Num:        info.GetNum(),
		ViaMQTT:    info.GetViaMqtt(),
		IsFavorite: info.GetIsFavorite(),
		HopsAway:   cloneUint32(info.HopsAway),
		Position:   positionFromProto(info.GetPosition()),
	}
	if user := info.GetUser(); user != nil {
		node.LongName = user.GetLongName()
		node.ShortName = user.GetShortName()
		node.HardwareModel = user.GetHwModel().String()
	}
	if info.GetLastHeard() > 0 {
		node.LastHeardAt = time.Unix(int64(info.GetLastHeard()), 0).UTC()
	}
	if info.GetSnr() != 0 {
		node.SNR = float64Ptr(float64(info.GetSnr()))
	}
	if dm := info.GetDeviceMetrics(); dm != nil {
		node.BatteryLevel = cloneUint32(dm.BatteryLevel)
		node.Voltage = float32To64(dm.Voltage)
		node.ChannelUtilization = float32To64(dm.ChannelUtilization)
		node.AirUtilTx = float32To64(dm.AirUtilTx)
		node.UptimeSeconds = cloneUint32(dm.UptimeSeconds)
	}

	return node
}

// MessageFromPacket builds the received message shape for a text packet.
// sender is the sender's directory entry, if known.
func MessageFromPacket(packet *pb.MeshPacket, text string, sender *pb.NodeInfo, now time.Time) domain.Message {
	msg := domain.Message{
		PacketID:  packet.GetId(),
		Direction: domain.MessageDirectionIn,
		FromID:    domain.FormatNodeID(packet.GetFrom()),
		FromNum:   packet.GetFrom(),
		ToID:      domain.FormatDestination(packet.GetTo()),
		ToNum:     packet.GetTo(),
		Channel:   packet.GetChannel(),
		Text:      text,
		At:        now.UTC(),
		HopLimit:  packet.GetHopLimit(),
		HopStart:  packet.GetHopStart(),
	}
	// 0 dB is a valid reading on a received packet.
	if radio.HasRxMetrics(packet) {
		msg.SNR = float64Ptr(float64(packet.GetRxSnr()))
		if packet.GetRxRssi() != 0 {
			rssi := int(packet.GetRxRssi())
			msg.RSSI = &rssi
		}
	}
	if sender != nil {
		msg.SenderPosition = positionFromProto(sender.GetPosition())
	}

	return msg
}

func ChannelFromProto(ch *pb.Channel) domain.ChannelInfo {
	return domain.ChannelInfo{
		Index: int(ch.GetIndex()),
		Title: radio.ChannelName(ch),
		Role:  ch.GetRole().String(),
	}
}

// positionFromProto only reports positions with a nonzero latitude.
func positionFromProto(pos *pb.Position) *domain.Position {
	if pos.GetLatitudeI() == 0 {
		return nil
	}

	return &domain.Position{
		Latitude:  radio.Latitude(pos),
		Longitude: radio.Longitude(pos),
		Altitude:  pos.GetAltitude(),
	}
}

func packetHeardAt(packet *pb.MeshPacket, now time.Time) time.Time {
	if packet.GetRxTime() > 0 {
		return time.Unix(int64(packet.GetRxTime()), 0).UTC()
	}

	return now.UTC()
}

func float64Ptr(v float64) *float64 {
	return &v
}

func float32To64(v *float32) *float64 {
	if v == nil {
		return nil
	}

	return float64Ptr(float64(*v))
}

func cloneUint32(v *uint32) *uint32 {
	if v == nil {
		return nil
	}
	out := *v

	return &out
}
