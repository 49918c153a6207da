package radio

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	pb "github.com/meshnet-gophers/meshtastic-go/meshtastic"
	"google.golang.org/protobuf/proto"

	"github.com/familiar-prop/familiar/internal/radio/radiotest"
	"github.com/familiar-prop/familiar/internal/transport"
)

const testWait = 2 * time.Second

func newTestConnection(t *testing.T, dev *radiotest.Device, opts Options) *Connection {
	t.Helper()
	conn, err := NewConnection(testLogger(), dev, opts)
	if err != nil {
		t.Fatalf("new connection: %v", err)
	}
	t.Cleanup(conn.Disconnect)

	return conn
}

func connectOrFail(t *testing.T, conn *Connection, dev *radiotest.Device) {
	t.Helper()
	if !conn.Connect(context.Background()) {
		t.Fatalf("connect failed: state=%s err=%v", conn.State(), conn.LastError())
	}
	if _, err := dev.WaitFor(radiotest.IsWantConfig, testWait); err != nil {
		t.Fatalf("want_config: %v", err)
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testWait)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type stateRecorder struct {
	mu      sync.Mutex
	changes []StateChange
}

func recordStates(conn *Connection) *stateRecorder {
	r := &stateRecorder{}
	conn.OnStateChange(func(change StateChange) {
		r.mu.Lock()
		r.changes = append(r.changes, change)
		r.mu.Unlock()
	})

	return r
}

func (r *stateRecorder) states() []ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]ConnectionState, 0, len(r.changes))
	for _, change := range r.changes {
		out = append(out, change.New)
	}

	return out
}

func TestConnectHandshakeSuccess(t *testing.T) {
	dev := radiotest.NewDevice()
	dev.SetNodes(
		&pb.NodeInfo{Num: 0x11, User: &pb.User{LongName: "Alpha"}},
		&pb.NodeInfo{Num: 0x22, User: &pb.User{LongName: "Bravo"}},
	)
	conn := newTestConnection(t, dev, Options{})
	rec := recordStates(conn)

	connectOrFail(t, conn, dev)

	if conn.State() != StateConnected {
		t.Fatalf("expected connected, got %s", conn.State())
	}
	want := []ConnectionState{StateConnecting, StateConfiguring, StateConnected}
	got := rec.states()
	if len(got) != len(want) {
		t.Fatalf("unexpected transitions: %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected transitions: got %v want %v", got, want)
		}
	}

	nodes := conn.Nodes()
	if len(nodes) != 2 || nodes[0x22].GetUser().GetLongName() != "Bravo" {
		t.Fatalf("unexpected nodes: %v", nodes)
	}
	info, ok := conn.MyNodeInfo()
	if !ok || info.GetMyNodeNum() != 0x0A0B0C0D {
		t.Fatalf("unexpected my info: %v ok=%v", info, ok)
	}
	md, ok := conn.Metadata()
	if !ok || md.GetFirmwareVersion() != "2.5.6.fake" {
		t.Fatalf("unexpected metadata: %v ok=%v", md, ok)
	}
	if channels := conn.Channels(); len(channels) != 1 || channels[0].GetRole() != pb.Channel_PRIMARY {
		t.Fatalf("unexpected channels: %v", channels)
	}
}

func TestConnectHandshakeTimeout(t *testing.T) {
	dev := radiotest.NewDevice()
	dev.SetAutoConfigure(false)
	conn := newTestConnection(t, dev, Options{HandshakeTimeout: 100 * time.Millisecond})

	start := time.Now()
	if conn.Connect(context.Background()) {
		t.Fatalf("expected connect to fail")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("connect took too long: %s", elapsed)
	}
	if conn.State() != StateFailed {
		t.Fatalf("expected failed, got %s", conn.State())
	}
	if !errors.Is(conn.LastError(), errHandshakeTimeout) {
		t.Fatalf("expected handshake timeout, got %v", conn.LastError())
	}
}

func TestConnectCancelledDuringHandshake(t *testing.T) {
	dev := radiotest.NewDevice()
	dev.SetAutoConfigure(false)
	conn := newTestConnection(t, dev, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	if conn.Connect(ctx) {
		t.Fatalf("expected connect to fail")
	}
	if conn.State() != StateFailed {
		t.Fatalf("expected failed, got %s", conn.State())
	}
	if !errors.Is(conn.LastError(), errHandshakeCancelled) {
		t.Fatalf("expected handshake cancelled, got %v", conn.LastError())
	}
}

func TestConnectOpenFailure(t *testing.T) {
	dev := radiotest.NewDevice()
	dev.SetOpenError(errors.New("no such device"))
	conn := newTestConnection(t, dev, Options{})

	if conn.Connect(context.Background()) {
		t.Fatalf("expected connect to fail")
	}
	if conn.State() != StateFailed {
		t.Fatalf("expected failed, got %s", conn.State())
	}
	if err := conn.Send(context.Background(), NewHeartbeat()); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}

	conn.Disconnect()
	if conn.State() != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", conn.State())
	}
}

func TestConnectOnlyFromDisconnected(t *testing.T) {
	dev := radiotest.NewDevice()
	conn := newTestConnection(t, dev, Options{})
	connectOrFail(t, conn, dev)

	if conn.Connect(context.Background()) {
		t.Fatalf("expected second connect to be rejected")
	}
	if conn.State() != StateConnected {
		t.Fatalf("expected state to stay connected, got %s", conn.State())
	}
	if dev.Opens() != 1 {
		t.Fatalf("expected a single open, got %d", dev.Opens())
	}
}

func TestReconnectAfterDisconnect(t *testing.T) {
	dev := radiotest.NewDevice()
	dev.SetNodes(&pb.NodeInfo{Num: 0x11})
	conn := newTestConnection(t, dev, Options{})
	connectOrFail(t, conn, dev)

	conn.Disconnect()
	if len(conn.Nodes()) != 0 {
		t.Fatalf("expected directory to be cleared on disconnect")
	}
	if _, ok := conn.MyNodeInfo(); ok {
		t.Fatalf("expected my info to be cleared on disconnect")
	}

	connectOrFail(t, conn, dev)
	if len(conn.Nodes()) != 1 {
		t.Fatalf("expected directory to be rebuilt, got %d nodes", len(conn.Nodes()))
	}
}

func TestRebootTriggersReconfiguration(t *testing.T) {
	dev := radiotest.NewDevice()
	conn := newTestConnection(t, dev, Options{RebootSettleDelay: 10 * time.Millisecond})
	connectOrFail(t, conn, dev)
	rec := recordStates(conn)

	if err := dev.Push(&pb.FromRadio{PayloadVariant: &pb.FromRadio_Rebooted{Rebooted: true}}); err != nil {
		t.Fatalf("push rebooted: %v", err)
	}

	if _, err := dev.WaitFor(radiotest.IsWantConfig, testWait); err != nil {
		t.Fatalf("expected a new want_config: %v", err)
	}
	eventually(t, "connected after reboot", func() bool { return conn.State() == StateConnected })

	got := rec.states()
	if len(got) < 2 || got[0] != StateConfiguring || got[len(got)-1] != StateConnected {
		t.Fatalf("unexpected transitions after reboot: %v", got)
	}
	if dev.Opens() != 1 {
		t.Fatalf("expected the transport to stay open, got %d opens", dev.Opens())
	}
}

func TestRebootWhileConfiguringIsIgnored(t *testing.T) {
	dev := radiotest.NewDevice()
	dev.SetAutoConfigure(false)
	conn := newTestConnection(t, dev, Options{HandshakeTimeout: 300 * time.Millisecond})

	go func() {
		if _, err := dev.WaitFor(radiotest.IsWantConfig, testWait); err != nil {
			return
		}
		_ = dev.Push(&pb.FromRadio{PayloadVariant: &pb.FromRadio_Rebooted{Rebooted: true}})
	}()

	if conn.Connect(context.Background()) {
		t.Fatalf("expected connect to time out")
	}
	if conn.State() != StateFailed {
		t.Fatalf("expected failed, got %s", conn.State())
	}
}

func TestConfigCompleteWithWrongIDIsIgnored(t *testing.T) {
	dev := radiotest.NewDevice()
	dev.SetAutoConfigure(false)
	conn := newTestConnection(t, dev, Options{HandshakeTimeout: 300 * time.Millisecond})

	go func() {
		msg, err := dev.WaitFor(radiotest.IsWantConfig, testWait)
		if err != nil {
			return
		}
		_ = dev.Push(&pb.FromRadio{PayloadVariant: &pb.FromRadio_ConfigCompleteId{ConfigCompleteId: msg.GetWantConfigId() + 1}})
	}()

	if conn.Connect(context.Background()) {
		t.Fatalf("expected connect to fail on mismatched id")
	}
}

func TestTransportErrorFailsSession(t *testing.T) {
	dev := radiotest.NewDevice()
	conn := newTestConnection(t, dev, Options{})
	connectOrFail(t, conn, dev)

	dev.Unplug()

	eventually(t, "failed state", func() bool { return conn.State() == StateFailed })
	if conn.LastError() == nil {
		t.Fatalf("expected failure reason")
	}

	conn.Disconnect()
	if conn.State() != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", conn.State())
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	dev := radiotest.NewDevice()
	conn := newTestConnection(t, dev, Options{})

	conn.Disconnect()
	conn.Disconnect()
	if conn.State() != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", conn.State())
	}

	connectOrFail(t, conn, dev)
	rec := recordStates(conn)
	conn.Disconnect()
	conn.Disconnect()

	got := rec.states()
	if len(got) != 2 || got[0] != StateDisconnecting || got[1] != StateDisconnected {
		t.Fatalf("unexpected transitions: %v", got)
	}
	if err := conn.Send(context.Background(), NewHeartbeat()); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestSendText(t *testing.T) {
	dev := radiotest.NewDevice()
	conn := newTestConnection(t, dev, Options{})
	connectOrFail(t, conn, dev)

	id, err := conn.SendText(context.Background(), "hello", 0x1234, 1, true)
	if err != nil {
		t.Fatalf("send text: %v", err)
	}
	msg, err := dev.WaitFor(radiotest.IsPacket, testWait)
	if err != nil {
		t.Fatalf("wait packet: %v", err)
	}
	p := msg.GetPacket()
	if p.GetId() != id || p.GetTo() != 0x1234 || p.GetChannel() != 1 || !p.GetWantAck() {
		t.Fatalf("unexpected packet: %v", p)
	}
	if text, ok := ExtractText(p); !ok || text != "hello" {
		t.Fatalf("unexpected text %q", text)
	}
}

func TestSendRejectsOversizedPayload(t *testing.T) {
	dev := radiotest.NewDevice()
	conn := newTestConnection(t, dev, Options{})
	connectOrFail(t, conn, dev)

	_, err := conn.SendText(context.Background(), strings.Repeat("x", 600), BroadcastNodeNum, 0, false)
	if !errors.Is(err, transport.ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
	if conn.State() != StateConnected {
		t.Fatalf("expected to stay connected, got %s", conn.State())
	}
}

func TestConcurrentSends(t *testing.T) {
	dev := radiotest.NewDevice()
	conn := newTestConnection(t, dev, Options{})
	connectOrFail(t, conn, dev)

	const senders = 10
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := conn.SendHeartbeat(context.Background()); err != nil {
				t.Errorf("send heartbeat: %v", err)
			}
		}()
	}
	wg.Wait()

	for i := 0; i < senders; i++ {
		if _, err := dev.WaitFor(radiotest.IsHeartbeat, testWait); err != nil {
			t.Fatalf("heartbeat %d: %v", i, err)
		}
	}
}

func TestNoiseOnTheWireIsSkipped(t *testing.T) {
	dev := radiotest.NewDevice()
	conn := newTestConnection(t, dev, Options{})
	connectOrFail(t, conn, dev)

	if err := dev.PushRaw([]byte{0x00, 0x94, 0x11, 0x94, 0xC3, 0x00, 0x00, 0x42}); err != nil {
		t.Fatalf("push noise: %v", err)
	}
	if err := dev.PushPayload([]byte{0x12, 0x09}); err != nil {
		t.Fatalf("push undecodable: %v", err)
	}
	if err := dev.Push(&pb.FromRadio{PayloadVariant: &pb.FromRadio_NodeInfo{NodeInfo: &pb.NodeInfo{Num: 0x77}}}); err != nil {
		t.Fatalf("push node: %v", err)
	}

	eventually(t, "node after noise", func() bool {
		_, ok := conn.Node(0x77)
		return ok
	})
	if conn.State() != StateConnected {
		t.Fatalf("expected connected, got %s", conn.State())
	}
}

func TestPacketUpdatesKnownNodeOnly(t *testing.T) {
	dev := radiotest.NewDevice()
	dev.SetNodes(&pb.NodeInfo{
		Num:           0x1234,
		User:          &pb.User{LongName: "Delta"},
		Snr:           1,
		LastHeard:     100,
		DeviceMetrics: &pb.DeviceMetrics{BatteryLevel: proto.Uint32(70)},
		Position:      &pb.Position{LatitudeI: proto.Int32(10)},
	})
	conn := newTestConnection(t, dev, Options{})
	connectOrFail(t, conn, dev)

	for _, from := range []uint32{0x1234, 0x9999} {
		err := dev.Push(&pb.FromRadio{PayloadVariant: &pb.FromRadio_Packet{Packet: &pb.MeshPacket{
			From: from, To: BroadcastNodeNum, RxTime: 5000, RxSnr: 3.5,
		}}})
		if err != nil {
			t.Fatalf("push packet: %v", err)
		}
	}

	eventually(t, "last heard update", func() bool {
		node, ok := conn.Node(0x1234)
		return ok && node.GetLastHeard() == 5000
	})
	node, _ := conn.Node(0x1234)
	if node.GetSnr() != 3.5 {
		t.Fatalf("expected snr update, got %v", node.GetSnr())
	}
	if node.GetUser().GetLongName() != "Delta" || node.GetDeviceMetrics().GetBatteryLevel() != 70 || node.GetPosition().GetLatitudeI() != 10 {
		t.Fatalf("expected other fields preserved: %v", node)
	}
	if _, ok := conn.Node(0x9999); ok {
		t.Fatalf("unknown sender must not be added by a packet")
	}

	err := dev.Push(&pb.FromRadio{PayloadVariant: &pb.FromRadio_NodeInfo{NodeInfo: &pb.NodeInfo{
		Num: 0x1234, User: &pb.User{LongName: "Echo"},
	}}})
	if err != nil {
		t.Fatalf("push node info: %v", err)
	}
	eventually(t, "node replaced", func() bool {
		node, ok := conn.Node(0x1234)
		return ok && node.GetUser().GetLongName() == "Echo"
	})
	node, _ = conn.Node(0x1234)
	if node.GetDeviceMetrics() != nil || node.GetPosition() != nil || node.GetLastHeard() != 0 {
		t.Fatalf("expected full replacement, got %v", node)
	}
}

func TestPacketWithZeroSNRUpdatesNode(t *testing.T) {
	dev := radiotest.NewDevice()
	dev.SetNodes(&pb.NodeInfo{Num: 0x1234, Snr: 6.25})
	conn := newTestConnection(t, dev, Options{})
	connectOrFail(t, conn, dev)

	err := dev.Push(&pb.FromRadio{PayloadVariant: &pb.FromRadio_Packet{Packet: &pb.MeshPacket{
		From: 0x1234, To: BroadcastNodeNum, RxTime: 6000, RxSnr: 0, RxRssi: -90,
	}}})
	if err != nil {
		t.Fatalf("push packet: %v", err)
	}

	eventually(t, "last heard update", func() bool {
		node, ok := conn.Node(0x1234)
		return ok && node.GetLastHeard() == 6000
	})
	node, _ := conn.Node(0x1234)
	if node.GetSnr() != 0 {
		t.Fatalf("expected 0 dB reading to be stored, got %v", node.GetSnr())
	}
}

func TestHasRxMetrics(t *testing.T) {
	tests := []struct {
		name   string
		packet *pb.MeshPacket
		want   bool
	}{
		{name: "nil"},
		{name: "locally generated", packet: &pb.MeshPacket{From: 1}},
		{name: "zero snr with rssi", packet: &pb.MeshPacket{RxRssi: -100}, want: true},
		{name: "rx time only", packet: &pb.MeshPacket{RxTime: 10}, want: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := HasRxMetrics(tc.packet); got != tc.want {
				t.Fatalf("got %v want %v", got, tc.want)
			}
		})
	}
}

func TestChannelsAreSparseExtended(t *testing.T) {
	dev := radiotest.NewDevice()
	conn := newTestConnection(t, dev, Options{})
	connectOrFail(t, conn, dev)

	err := dev.Push(&pb.FromRadio{PayloadVariant: &pb.FromRadio_Channel{Channel: &pb.Channel{
		Index: 3, Role: pb.Channel_SECONDARY, Settings: &pb.ChannelSettings{Name: "ops"},
	}}})
	if err != nil {
		t.Fatalf("push channel: %v", err)
	}

	eventually(t, "channel 3", func() bool { return len(conn.Channels()) == 4 })
	channels := conn.Channels()
	if ChannelName(channels[3]) != "ops" || channels[1].GetRole() != pb.Channel_DISABLED || channels[1].GetIndex() != 1 {
		t.Fatalf("unexpected channels: %v", channels)
	}
}

func TestRawFrameObserver(t *testing.T) {
	dev := radiotest.NewDevice()
	conn := newTestConnection(t, dev, Options{})

	var mu sync.Mutex
	var in, out int
	conn.OnRawFrame(func(frame RawFrame) {
		mu.Lock()
		defer mu.Unlock()
		if frame.Direction == FrameIn {
			in++
		} else {
			out++
		}
	})
	connectOrFail(t, conn, dev)

	mu.Lock()
	defer mu.Unlock()
	if out != 1 || in == 0 {
		t.Fatalf("unexpected raw frame counts: in=%d out=%d", in, out)
	}
}
