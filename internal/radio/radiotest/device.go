// Package radiotest provides an in-memory Meshtastic device speaking the
// serial API over net.Pipe, for tests of code built on radio.Connection.
package radiotest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	pb "github.com/meshnet-gophers/meshtastic-go/meshtastic"
	"google.golang.org/protobuf/proto"

	"github.com/familiar-prop/familiar/internal/transport"
)

// ReadTimeout emulates the serial port read timeout on the host side.
const ReadTimeout = 20 * time.Millisecond

// Device is a fake radio. It implements transport.Dialer; every Open starts
// a new session on a fresh pipe.
type Device struct {
	mu            sync.Mutex
	conn          net.Conn
	writer        *transport.FrameWriter
	openErr       error
	autoConfigure bool
	opens         int

	myInfo   *pb.MyNodeInfo
	nodes    []*pb.NodeInfo
	channels []*pb.Channel
	metadata *pb.DeviceMetadata

	received chan *pb.ToRadio
}

func NewDevice() *Device {
	return &Device{
		autoConfigure: true,
		myInfo:        &pb.MyNodeInfo{MyNodeNum: 0x0A0B0C0D},
		metadata:      &pb.DeviceMetadata{FirmwareVersion: "2.5.6.fake", HwModel: pb.HardwareModel_TBEAM},
		channels:      []*pb.Channel{{Index: 0, Role: pb.Channel_PRIMARY}},
		received:      make(chan *pb.ToRadio, 256),
	}
}

func (d *Device) Name() string { return "fake" }
func (d *Device) Target() string { return "fake0" }

func (d *Device) Open(ctx context.Context) (transport.Port, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.opens++
	if d.openErr != nil {
		return nil, d.openErr
	}
	host, dev := net.Pipe()
	d.conn = dev
	d.writer = transport.NewFrameWriter(dev)
	go d.serve(dev)

	return &timeoutConn{Conn: host}, nil
}

// SetOpenError makes subsequent Open calls fail with err. Nil clears it.
func (d *Device) SetOpenError(err error) {
	d.mu.Lock()
	d.openErr = err
	d.mu.Unlock()
}

// SetAutoConfigure controls whether want_config requests are answered.
func (d *Device) SetAutoConfigure(enabled bool) {
	d.mu.Lock()
	d.autoConfigure = enabled
	d.mu.Unlock()
}

// SetNodes sets the node database pushed during configuration.
func (d *Device) SetNodes(nodes ...*pb.NodeInfo) {
	d.mu.Lock()
	d.nodes = nodes
	d.mu.Unlock()
}

func (d *Device) SetChannels(channels ...*pb.Channel) {
	d.mu.Lock()
	d.channels = channels
	d.mu.Unlock()
}

func (d *Device) SetMetadata(md *pb.DeviceMetadata) {
	d.mu.Lock()
	d.metadata = md
	d.mu.Unlock()
}

func (d *Device) Opens() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.opens
}

// Push sends msg to the host.
func (d *Device) Push(msg *pb.FromRadio) error {
	payload, err := proto.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal fromradio: %w", err)
	}

	return d.PushPayload(payload)
}

// PushPayload frames payload and sends it to the host.
func (d *Device) PushPayload(payload []byte) error {
	d.mu.Lock()
	writer := d.writer
	d.mu.Unlock()
	if writer == nil {
		return errors.New("device not open")
	}

	return writer.WriteFrame(context.Background(), payload)
}

// PushRaw writes bytes to the host without framing.
func (d *Device) PushRaw(raw []byte) error {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		return errors.New("device not open")
	}
	_, err := conn.Write(raw)

	return err
}

// Unplug closes the device end of the current session.
func (d *Device) Unplug() {
	d.mu.Lock()
	conn := d.conn
	d.conn, d.writer = nil, nil
	d.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// Next returns the next message received from the host.
func (d *Device) Next(timeout time.Duration) (*pb.ToRadio, error) {
	select {
	case msg := <-d.received:
		return msg, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("no message from host within %s", timeout)
	}
}

// WaitFor skips host messages until one matching match arrives.
func (d *Device) WaitFor(match func(*pb.ToRadio) bool, timeout time.Duration) (*pb.ToRadio, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("no matching message from host within %s", timeout)
		}
		msg, err := d.Next(remaining)
		if err != nil {
			return nil, fmt.Errorf("no matching message from host within %s", timeout)
		}
		if match(msg) {
			return msg, nil
		}
	}
}

func IsWantConfig(msg *pb.ToRadio) bool {
	_, ok := msg.GetPayloadVariant().(*pb.ToRadio_WantConfigId)
	return ok
}

func IsHeartbeat(msg *pb.ToRadio) bool {
	_, ok := msg.GetPayloadVariant().(*pb.ToRadio_Heartbeat)
	return ok
}

func IsPacket(msg *pb.ToRadio) bool {
	_, ok := msg.GetPayloadVariant().(*pb.ToRadio_Packet)
	return ok
}

// ConfigPush returns the messages a device sends in reply to want_config.
func (d *Device) ConfigPush(id uint32) []*pb.FromRadio {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []*pb.FromRadio
	if d.myInfo != nil {
		out = append(out, &pb.FromRadio{PayloadVariant: &pb.FromRadio_MyInfo{MyInfo: d.myInfo}})
	}
	if d.metadata != nil {
		out = append(out, &pb.FromRadio{PayloadVariant: &pb.FromRadio_Metadata{Metadata: d.metadata}})
	}
	for _, node := range d.nodes {
		out = append(out, &pb.FromRadio{PayloadVariant: &pb.FromRadio_NodeInfo{NodeInfo: node}})
	}
	for _, ch := range d.channels {
		out = append(out, &pb.FromRadio{PayloadVariant: &pb.FromRadio_Channel{Channel: ch}})
	}
	out = append(out, &pb.FromRadio{PayloadVariant: &pb.FromRadio_ConfigCompleteId{ConfigCompleteId: id}})

	return out
}

func (d *Device) serve(conn net.Conn) {
	reader := transport.NewFrameReader(conn, nil)
	for {
		payload, err := reader.ReadFrame(context.Background())
		if err != nil {
			if errors.Is(err, transport.ErrNoFrame) {
				continue
			}
			return
		}
		msg := &pb.ToRadio{}
		if err := proto.Unmarshal(payload, msg); err != nil {
			continue
		}

		select {
		case d.received <- msg:
		default:
		}

		if !IsWantConfig(msg) {
			continue
		}
		d.mu.Lock()
		auto := d.autoConfigure
		d.mu.Unlock()
		if !auto {
			continue
		}
		// Answer from a separate goroutine so the host can keep writing.
		go func(id uint32) {
			for _, reply := range d.ConfigPush(id) {
				if err := d.Push(reply); err != nil {
					return
				}
			}
		}(msg.GetWantConfigId())
	}
}

// timeoutConn turns read deadline expiry into an empty read, like a serial
// port with a read timeout.
type timeoutConn struct {
	net.Conn
}

func (c *timeoutConn) Read(p []byte) (int, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(ReadTimeout)); err != nil {
		return 0, err
	}
	n, err := c.Conn.Read(p)
	if err != nil && errors.Is(err, os.ErrDeadlineExceeded) {
		return n, nil
	}

	return n, err
}
