package radio

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	pb "github.com/meshnet-gophers/meshtastic-go/meshtastic"
	"google.golang.org/protobuf/proto"
)

var errNilMessage = errors.New("message is nil")

// MessageCodec converts between frame payloads and schema messages and
// hands out packet ids for outbound packets.
type MessageCodec struct {
	logger   *slog.Logger
	packetID atomic.Uint32
	warnOnce sync.Once
}

func NewMessageCodec(logger *slog.Logger) (*MessageCodec, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var seedRaw [4]byte
	if _, err := rand.Read(seedRaw[:]); err != nil {
		return nil, fmt.Errorf("seed packet id: %w", err)
	}
	c := &MessageCodec{logger: logger}
	c.packetID.Store(binary.BigEndian.Uint32(seedRaw[:]))

	return c, nil
}

// Encode serializes msg. A packet without an id is encoded with the next
// packet id; msg itself is left untouched.
func (c *MessageCodec) Encode(msg *pb.ToRadio) ([]byte, error) {
	if msg == nil {
		return nil, errNilMessage
	}
	if variant, ok := msg.GetPayloadVariant().(*pb.ToRadio_Packet); ok {
		if variant.Packet == nil {
			return nil, fmt.Errorf("packet message: %w", errNilMessage)
		}
		if variant.Packet.GetId() == 0 {
			packet := proto.Clone(variant.Packet).(*pb.MeshPacket)
			packet.Id = c.NextPacketID()
			msg = &pb.ToRadio{PayloadVariant: &pb.ToRadio_Packet{Packet: packet}}
		}
	}

	payload, err := proto.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal toradio: %w", err)
	}

	return payload, nil
}

// Decode parses a frame payload. Malformed payloads yield ok=false; the
// first one is logged at warn level, the rest at debug.
func (c *MessageCodec) Decode(payload []byte) (*pb.FromRadio, bool) {
	msg := &pb.FromRadio{}
	if err := proto.Unmarshal(payload, msg); err != nil {
		logged := false
		c.warnOnce.Do(func() {
			c.logger.Warn("undecodable payload", "len", len(payload), "error", err)
			logged = true
		})
		if !logged {
			c.logger.Debug("undecodable payload", "len", len(payload), "error", err)
		}

		return nil, false
	}

	return msg, true
}

// NextPacketID returns a nonzero packet id.
func (c *MessageCodec) NextPacketID() uint32 {
	for {
		id := c.packetID.Add(1)
		if id != 0 {
			return id
		}
	}
}
