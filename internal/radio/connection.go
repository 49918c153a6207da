package radio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	mathrand "math/rand/v2"
	"sync"
	"time"

	pb "github.com/meshnet-gophers/meshtastic-go/meshtastic"
	"google.golang.org/protobuf/proto"

	"github.com/familiar-prop/familiar/internal/transport"
)

var (
	// ErrNotConnected is returned by Send when no session can carry the message.
	ErrNotConnected = errors.New("radio not connected")

	errHandshakeTimeout   = errors.New("configuration handshake timed out")
	errHandshakeCancelled = errors.New("configuration handshake cancelled")
)

const (
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultRebootSettleDelay = 500 * time.Millisecond
	DefaultStopTimeout       = 2 * time.Second
)

// Options tunes session timing. Zero values fall back to the defaults.
type Options struct {
	HandshakeTimeout  time.Duration
	RebootSettleDelay time.Duration
	StopTimeout       time.Duration
}

func (o Options) withDefaults() Options {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.RebootSettleDelay <= 0 {
		o.RebootSettleDelay = DefaultRebootSettleDelay
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = DefaultStopTimeout
	}

	return o
}

// FrameDirection tells inbound and outbound raw frames apart.
type FrameDirection int

const (
	FrameIn FrameDirection = iota
	FrameOut
)

// RawFrame is a frame payload as it crossed the wire.
type RawFrame struct {
	Direction FrameDirection
	Payload   []byte
}

// Connection owns one serial session with a radio: it opens the port, runs
// the configuration handshake, reads and dispatches frames on a background
// goroutine and reconfigures after a device reboot.
//
// Connect must not be called concurrently. Send is safe for concurrent use.
// State listeners run while transitions are serialized and must not call
// Connect or Disconnect.
type Connection struct {
	logger     *slog.Logger
	dialer     transport.Dialer
	opts       Options
	codec      *MessageCodec
	dispatcher *Dispatcher

	// emitMu keeps state notifications in transition order.
	emitMu sync.Mutex

	mu            sync.Mutex
	state         ConnectionState
	lastErr       error
	session       uint64
	port          transport.Port
	writer        *transport.FrameWriter
	sessionCtx    context.Context
	sessionCancel context.CancelFunc
	readerDone    chan struct{}
	pending       *pendingConfig
	myInfo        *pb.MyNodeInfo
	nodes         map[uint32]*pb.NodeInfo
	channels      []*pb.Channel
	metadata      *pb.DeviceMetadata

	stateListeners listeners[StateChange]
	rawListeners   listeners[RawFrame]
}

func NewConnection(logger *slog.Logger, dialer transport.Dialer, opts Options) (*Connection, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dialer == nil {
		return nil, errors.New("dialer is required")
	}
	logger = logger.With("transport", dialer.Name(), "target", dialer.Target())

	codec, err := NewMessageCodec(logger)
	if err != nil {
		return nil, err
	}

	c := &Connection{
		logger:     logger,
		dialer:     dialer,
		opts:       opts.withDefaults(),
		codec:      codec,
		dispatcher: NewDispatcher(logger),
		nodes:      make(map[uint32]*pb.NodeInfo),
	}
	// Registered first so the snapshot is current when other listeners run.
	c.dispatcher.OnMyInfo(c.handleMyInfo)
	c.dispatcher.OnNodeInfo(c.handleNodeInfo)
	c.dispatcher.OnChannel(c.handleChannel)
	c.dispatcher.OnMetadata(c.handleMetadata)
	c.dispatcher.OnPacket(c.handlePacket)
	c.dispatcher.OnConfigComplete(c.handleConfigComplete)
	c.dispatcher.OnRebooted(c.handleRebooted)
	c.dispatcher.OnLogRecord(c.handleLogRecord)

	return c, nil
}

// Dispatcher exposes the typed notification streams of this connection.
func (c *Connection) Dispatcher() *Dispatcher {
	return c.dispatcher
}

// Transport returns the dialer this connection opens its port with.
func (c *Connection) Transport() transport.Dialer {
	return c.dialer
}

func (c *Connection) OnStateChange(fn func(StateChange)) func() {
	return c.stateListeners.add(fn)
}

// OnRawFrame observes every frame payload read from or written to the radio.
func (c *Connection) OnRawFrame(fn func(RawFrame)) func() {
	return c.rawListeners.add(fn)
}

// Connect opens the transport and runs the configuration handshake. It is
// only valid from StateDisconnected and returns true once the state reached
// StateConnected. On failure the state is StateFailed and the caller is
// expected to Disconnect before trying again.
func (c *Connection) Connect(ctx context.Context) bool {
	if !c.transition(StateConnecting, nil, func(cur ConnectionState) bool {
		return cur == StateDisconnected
	}) {
		c.logger.Warn("connect ignored", "state", c.State().String())
		return false
	}

	c.logger.Info("opening transport")
	port, err := c.dialer.Open(ctx)
	if err != nil {
		c.logger.Error("open transport failed", "error", err)
		c.transition(StateFailed, fmt.Errorf("open transport: %w", err), func(cur ConnectionState) bool {
			return cur == StateConnecting
		})
		return false
	}

	var (
		sess       uint64
		sessionCtx context.Context
		reader     = transport.NewFrameReader(port, c.logger)
	)
	started := c.transition(StateConfiguring, nil, func(cur ConnectionState) bool {
		if cur != StateConnecting {
			return false
		}
		c.session++
		sess = c.session
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		c.port = port
		c.writer = transport.NewFrameWriter(port)
		c.sessionCtx, c.sessionCancel, c.readerDone = ctx, cancel, done
		c.resetSnapshotLocked()
		sessionCtx = ctx
		go c.readLoop(ctx, sess, reader, done)

		return true
	})
	if !started {
		// Disconnect won the race while the port was opening.
		_ = port.Close()
		return false
	}

	return c.handshake(ctx, sessionCtx, sess)
}

// handshake requests the configuration push and waits for the matching
// config-complete. Timeout and ctx cancellation both end in StateFailed.
func (c *Connection) handshake(ctx, sessionCtx context.Context, sess uint64) bool {
	id := newConfigID()
	pending := newPendingConfig(id)

	c.mu.Lock()
	if c.session != sess {
		c.mu.Unlock()
		return false
	}
	c.pending = pending
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.pending == pending {
			c.pending = nil
		}
		c.mu.Unlock()
	}()

	waitCtx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	defer cancel()

	c.logger.Info("requesting configuration", "config_id", id)
	if err := c.Send(waitCtx, NewWantConfig(id)); err != nil {
		c.failSession(sess, fmt.Errorf("send want_config: %w", err))
		return false
	}

	select {
	case <-pending.done:
		ok := c.transition(StateConnected, nil, func(cur ConnectionState) bool {
			return c.session == sess && cur == StateConfiguring
		})
		if ok {
			c.logger.Info("configuration complete", "config_id", id, "nodes", len(c.Nodes()))
		}
		return ok
	case <-sessionCtx.Done():
		return false
	case <-waitCtx.Done():
		if sessionCtx.Err() != nil {
			return false
		}
		reason := errHandshakeTimeout
		if ctx.Err() != nil {
			reason = errHandshakeCancelled
		}
		c.logger.Error("configuration handshake failed", "config_id", id, "error", reason)
		c.failSession(sess, reason)

		return false
	}
}

// Send encodes msg and writes it as one frame. It is legal while
// configuring or connected.
func (c *Connection) Send(ctx context.Context, msg *pb.ToRadio) error {
	if msg == nil {
		return errNilMessage
	}

	c.mu.Lock()
	writer := c.writer
	state := c.state
	c.mu.Unlock()
	if writer == nil || !state.CanSend() {
		return ErrNotConnected
	}

	payload, err := c.codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode %T: %w", msg.GetPayloadVariant(), err)
	}
	if err := writer.WriteFrame(ctx, payload); err != nil {
		return err
	}
	c.rawListeners.emit(c.logger, "raw_frame", RawFrame{Direction: FrameOut, Payload: payload})

	return nil
}

// SendText sends a text packet and returns the packet id it was sent with.
func (c *Connection) SendText(ctx context.Context, text string, dest, channel uint32, wantAck bool) (uint32, error) {
	packet := NewTextPacket(text, dest, channel, wantAck)
	packet.Id = c.codec.NextPacketID()
	if err := c.Send(ctx, NewPacketMessage(packet)); err != nil {
		return 0, err
	}

	return packet.GetId(), nil
}

// SendHeartbeat keeps the serial API session alive.
func (c *Connection) SendHeartbeat(ctx context.Context) error {
	return c.Send(ctx, NewHeartbeat())
}

// Disconnect stops the reader, closes the transport and always ends in
// StateDisconnected. Calling it again is a no-op.
func (c *Connection) Disconnect() {
	var (
		cancel context.CancelFunc
		done   chan struct{}
		port   transport.Port
	)
	if !c.transition(StateDisconnecting, nil, func(cur ConnectionState) bool {
		if cur == StateDisconnected || cur == StateDisconnecting {
			return false
		}
		cancel, done, port = c.sessionCancel, c.readerDone, c.port
		c.session++
		c.sessionCtx, c.sessionCancel, c.readerDone = nil, nil, nil
		c.port, c.writer, c.pending = nil, nil, nil

		return true
	}) {
		return
	}

	if cancel != nil {
		cancel()
	}
	if done != nil {
		timer := time.NewTimer(c.opts.StopTimeout)
		select {
		case <-done:
		case <-timer.C:
			c.logger.Warn("reader did not stop in time", "timeout", c.opts.StopTimeout)
		}
		timer.Stop()
	}
	if port != nil {
		if err := port.Close(); err != nil {
			c.logger.Warn("close transport failed", "error", err)
		}
	}

	c.transition(StateDisconnected, nil, func(ConnectionState) bool {
		c.resetSnapshotLocked()
		return true
	})
	c.logger.Info("disconnected")
}

func (c *Connection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// LastError is the reason for the most recent transition to StateFailed.
func (c *Connection) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.lastErr
}

func (c *Connection) MyNodeInfo() (*pb.MyNodeInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.myInfo == nil {
		return nil, false
	}

	return clone(c.myInfo), true
}

// Nodes returns a copy of the node database pushed by the device.
func (c *Connection) Nodes() map[uint32]*pb.NodeInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[uint32]*pb.NodeInfo, len(c.nodes))
	for num, node := range c.nodes {
		out[num] = clone(node)
	}

	return out
}

func (c *Connection) Node(num uint32) (*pb.NodeInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	node, ok := c.nodes[num]
	if !ok {
		return nil, false
	}

	return clone(node), true
}

// Channels returns channel definitions indexed by slot.
func (c *Connection) Channels() []*pb.Channel {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*pb.Channel, len(c.channels))
	for i, ch := range c.channels {
		out[i] = clone(ch)
	}

	return out
}

func (c *Connection) Metadata() (*pb.DeviceMetadata, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.metadata == nil {
		return nil, false
	}

	return clone(c.metadata), true
}

// transition moves to the next state when guard accepts the current one.
// guard runs under c.mu and may update session fields.
func (c *Connection) transition(next ConnectionState, reason error, guard func(cur ConnectionState) bool) bool {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	prev := c.state
	if !guard(prev) {
		c.mu.Unlock()
		return false
	}
	c.state = next
	if next == StateFailed {
		c.lastErr = reason
	}
	c.mu.Unlock()

	c.logger.Debug("connection state changed", "from", prev.String(), "to", next.String())
	c.stateListeners.emit(c.logger, "state_change", StateChange{Old: prev, New: next, Err: reason})

	return true
}

// failSession marks sess failed unless it was already superseded or is
// being torn down.
func (c *Connection) failSession(sess uint64, reason error) {
	c.transition(StateFailed, reason, func(cur ConnectionState) bool {
		if c.session != sess {
			return false
		}
		switch cur {
		case StateDisconnecting, StateDisconnected, StateFailed:
			return false
		default:
			return true
		}
	})
}

func (c *Connection) readLoop(ctx context.Context, sess uint64, reader *transport.FrameReader, done chan struct{}) {
	defer close(done)
	c.logger.Debug("reader started")

	for {
		payload, err := reader.ReadFrame(ctx)
		if err != nil {
			if errors.Is(err, transport.ErrNoFrame) {
				continue
			}
			if ctx.Err() != nil {
				c.logger.Debug("reader stopped")
				return
			}
			c.logger.Error("transport read failed", "error", err)
			c.failSession(sess, fmt.Errorf("read frame: %w", err))
			return
		}

		c.rawListeners.emit(c.logger, "raw_frame", RawFrame{Direction: FrameIn, Payload: payload})
		msg, ok := c.codec.Decode(payload)
		if !ok {
			continue
		}
		c.dispatcher.Dispatch(msg)
	}
}

func (c *Connection) handleMyInfo(info *pb.MyNodeInfo) {
	if info == nil {
		return
	}
	c.mu.Lock()
	c.myInfo = clone(info)
	c.mu.Unlock()

	c.logger.Info("my node info", "node_num", info.GetMyNodeNum())
}

func (c *Connection) handleNodeInfo(node *pb.NodeInfo) {
	if node == nil {
		return
	}
	c.mu.Lock()
	c.nodes[node.GetNum()] = clone(node)
	c.mu.Unlock()
}

func (c *Connection) handleChannel(ch *pb.Channel) {
	if ch == nil || ch.GetIndex() < 0 {
		return
	}
	idx := int(ch.GetIndex())

	c.mu.Lock()
	defer c.mu.Unlock()

	for len(c.channels) <= idx {
		// #nosec G115 -- bounded by idx which came from an int32.
		c.channels = append(c.channels, &pb.Channel{Index: int32(len(c.channels))})
	}
	c.channels[idx] = clone(ch)
}

func (c *Connection) handleMetadata(md *pb.DeviceMetadata) {
	if md == nil {
		return
	}
	c.mu.Lock()
	c.metadata = clone(md)
	c.mu.Unlock()

	c.logger.Info("device metadata", "firmware", md.GetFirmwareVersion(), "hw_model", md.GetHwModel().String())
}

// handlePacket refreshes last heard and SNR of a known sender only. SNR is
// taken from packets that went over the air, where 0 dB is a real reading.
func (c *Connection) handlePacket(packet *pb.MeshPacket) {
	if packet == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	node, ok := c.nodes[packet.GetFrom()]
	if !ok {
		return
	}
	node.LastHeard = packetTime(packet.GetRxTime())
	if HasRxMetrics(packet) {
		node.Snr = packet.GetRxSnr()
	}
}

func (c *Connection) handleConfigComplete(id uint32) {
	c.mu.Lock()
	pending := c.pending
	c.mu.Unlock()

	if pending == nil || pending.id != id {
		c.logger.Debug("config complete for unknown request", "config_id", id)
		return
	}
	pending.resolve()
}

// handleRebooted re-runs the handshake on a separate goroutine after the
// device lost its configuration state. The transport stays open.
func (c *Connection) handleRebooted() {
	var (
		sess       uint64
		sessionCtx context.Context
	)
	ok := c.transition(StateConfiguring, nil, func(cur ConnectionState) bool {
		if cur != StateConnected {
			return false
		}
		sess, sessionCtx = c.session, c.sessionCtx
		return true
	})
	if !ok {
		c.logger.Debug("device rebooted outside of connected state", "state", c.State().String())
		return
	}
	c.logger.Warn("device rebooted, reconfiguring", "settle_delay", c.opts.RebootSettleDelay)

	go func() {
		timer := time.NewTimer(c.opts.RebootSettleDelay)
		defer timer.Stop()
		select {
		case <-sessionCtx.Done():
			return
		case <-timer.C:
		}
		c.handshake(sessionCtx, sessionCtx, sess)
	}()
}

func (c *Connection) handleLogRecord(rec *pb.LogRecord) {
	if rec == nil {
		return
	}
	c.logger.Debug("device log", "source", rec.GetSource(), "level", rec.GetLevel().String(), "message", rec.GetMessage())
}

func (c *Connection) resetSnapshotLocked() {
	c.myInfo = nil
	c.nodes = make(map[uint32]*pb.NodeInfo)
	c.channels = nil
	c.metadata = nil
}

// pendingConfig correlates one want_config request with its
// config-complete reply.
type pendingConfig struct {
	id   uint32
	done chan struct{}
	once sync.Once
}

func newPendingConfig(id uint32) *pendingConfig {
	return &pendingConfig{id: id, done: make(chan struct{})}
}

func (p *pendingConfig) resolve() {
	p.once.Do(func() { close(p.done) })
}

// newConfigID returns a random id in [1, MaxInt32].
func newConfigID() uint32 {
	// #nosec G404 -- correlation id, not a secret.
	return uint32(mathrand.Int32N(math.MaxInt32)) + 1
}

// HasRxMetrics reports whether packet carries receive metadata, i.e. it was
// heard over the air rather than generated by the attached radio.
func HasRxMetrics(packet *pb.MeshPacket) bool {
	return packet.GetRxTime() != 0 || packet.GetRxRssi() != 0
}

// clone deep-copies a schema message so snapshots never share state with
// the reader.
func clone[T proto.Message](m T) T {
	return proto.Clone(m).(T)
}

func packetTime(rxTime uint32) uint32 {
	if rxTime != 0 {
		return rxTime
	}
	// #nosec G115 -- unix seconds fit uint32 until 2106.
	return uint32(time.Now().Unix())
}
