package mesh

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	pb "github.com/meshnet-gophers/meshtastic-go/meshtastic"

	"github.com/familiar-prop/familiar/internal/bus"
	"github.com/familiar-prop/familiar/internal/connectors"
	"github.com/familiar-prop/familiar/internal/domain"
	"github.com/familiar-prop/familiar/internal/radio"
)

var ErrConnectFailed = errors.New("radio connect failed")

type Options struct {
	// Channel is the channel index outgoing text is sent on.
	Channel uint32
	// AllowedNodes restricts received text to these senders when non-empty.
	AllowedNodes []string
}

// Client is the application boundary of the radio: it keeps the node
// directory, filters received text and publishes events on the bus.
type Client struct {
	logger  *slog.Logger
	bus     bus.MessageBus
	conn    *radio.Connection
	channel uint32
	allowed map[string]struct{}
	// restricted is set once any allow-list entry was given, valid or not.
	restricted bool
	nodes   *domain.NodeStore
	detach  []func()
	now     func() time.Time
}

func NewClient(logger *slog.Logger, b bus.MessageBus, conn *radio.Connection, opts Options) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		logger:  logger,
		bus:     b,
		conn:    conn,
		channel: opts.Channel,
		allowed: make(map[string]struct{}, len(opts.AllowedNodes)),
		nodes:   domain.NewNodeStore(),
		now:     time.Now,
	}
	for _, id := range opts.AllowedNodes {
		if strings.TrimSpace(id) == "" {
			continue
		}
		c.restricted = true
		canonical, err := domain.CanonicalNodeID(id)
		if err != nil {
			logger.Warn("ignoring invalid allowed node", "node", id, "error", err)
			continue
		}
		c.allowed[canonical] = struct{}{}
	}

	dispatcher := conn.Dispatcher()
	c.detach = append(c.detach,
		conn.OnStateChange(c.handleStateChange),
		conn.OnRawFrame(c.handleRawFrame),
		dispatcher.OnNodeInfo(c.handleNodeInfo),
		dispatcher.OnPacket(c.handlePacket),
	)

	return c
}

// Close detaches the client from its connection.
func (c *Client) Close() {
	for _, detach := range c.detach {
		detach()
	}
	c.detach = nil
}

// Connect brings the radio to the connected state. A failed attempt is torn
// down before returning so Connect can simply be called again.
func (c *Client) Connect(ctx context.Context) error {
	switch c.conn.State() {
	case radio.StateConnected:
		return nil
	case radio.StateFailed:
		c.conn.Disconnect()
	}

	if c.conn.Connect(ctx) {
		c.logger.Info("connected to radio", "nodes", c.nodes.Len())
		return nil
	}

	cause := c.conn.LastError()
	c.conn.Disconnect()
	if cause == nil {
		return ErrConnectFailed
	}

	return fmt.Errorf("%w: %w", ErrConnectFailed, cause)
}

func (c *Client) Disconnect() {
	c.conn.Disconnect()
}

// SendText sends text on the configured channel. An empty destination or
// "broadcast" addresses every node.
func (c *Client) SendText(ctx context.Context, text, destination string) (domain.Message, error) {
	if strings.TrimSpace(text) == "" {
		return domain.Message{}, errors.New("message text is empty")
	}
	dest, err := domain.ParseDestination(destination)
	if err != nil {
		return domain.Message{}, err
	}
	if c.conn.State() != radio.StateConnected {
		return domain.Message{}, radio.ErrNotConnected
	}

	packetID, err := c.conn.SendText(ctx, text, dest, c.channel, false)
	if err != nil {
		return domain.Message{}, fmt.Errorf("send text: %w", err)
	}

	msg := domain.Message{
		PacketID:  packetID,
		Direction: domain.MessageDirectionOut,
		ToID:      domain.FormatDestination(dest),
		ToNum:     dest,
		Channel:   c.channel,
		Text:      text,
		At:        c.now().UTC(),
	}
	if num, ok := c.MyNodeNum(); ok {
		msg.FromNum = num
		msg.FromID = domain.FormatNodeID(num)
	}
	c.logger.Debug("sent text", "to", msg.ToID, "packet_id", packetID)
	c.bus.Publish(connectors.TopicMessageSent, msg)

	return msg, nil
}

// SendRaw sends an arbitrary message to the radio.
func (c *Client) SendRaw(ctx context.Context, msg *pb.ToRadio) error {
	return c.conn.Send(ctx, msg)
}

// SendHeartbeat keeps the serial session alive on the radio side.
func (c *Client) SendHeartbeat(ctx context.Context) error {
	return c.conn.SendHeartbeat(ctx)
}

func (c *Client) State() radio.ConnectionState {
	return c.conn.State()
}

func (c *Client) IsConnected() bool {
	return c.conn.State() == radio.StateConnected
}

func (c *Client) MyNodeNum() (uint32, bool) {
	info, ok := c.conn.MyNodeInfo()
	if !ok {
		return 0, false
	}

	return info.GetMyNodeNum(), true
}

// Nodes returns the node directory, most recently heard first.
func (c *Client) Nodes() []domain.Node {
	return c.nodes.SnapshotSorted()
}

func (c *Client) Node(nodeID string) (domain.Node, bool) {
	return c.nodes.Get(domain.NormalizeNodeID(nodeID))
}

func (c *Client) NodeStore() *domain.NodeStore {
	return c.nodes
}

func (c *Client) Channels() []domain.ChannelInfo {
	channels := c.conn.Channels()
	out := make([]domain.ChannelInfo, 0, len(channels))
	for _, ch := range channels {
		out = append(out, ChannelFromProto(ch))
	}

	return out
}

func (c *Client) DeviceInfo() (domain.DeviceInfo, bool) {
	info, ok := c.conn.MyNodeInfo()
	if !ok {
		return domain.DeviceInfo{}, false
	}
	out := domain.DeviceInfo{
		NodeID: domain.FormatNodeID(info.GetMyNodeNum()),
		Num:    info.GetMyNodeNum(),
	}
	if md, ok := c.conn.Metadata(); ok {
		out.FirmwareVersion = md.GetFirmwareVersion()
		out.HardwareModel = md.GetHwModel().String()
	}

	return out, true
}

// Allowed reports whether text from nodeID passes the allow-list.
func (c *Client) Allowed(nodeID string) bool {
	if !c.restricted {
		return true
	}
	canonical, err := domain.CanonicalNodeID(nodeID)
	if err != nil {
		return false
	}
	_, ok := c.allowed[canonical]

	return ok
}

func (c *Client) handleStateChange(change radio.StateChange) {
	dialer := c.conn.Transport()
	status := connectors.ConnectionStatus{
		State:         connectors.ConnectionState(change.New.String()),
		Previous:      connectors.ConnectionState(change.Old.String()),
		TransportName: dialer.Name(),
		Target:        dialer.Target(),
		Timestamp:     c.now(),
	}
	if change.Err != nil {
		status.Err = change.Err.Error()
	}
	c.bus.Publish(connectors.TopicConnStatus, status)

	switch change.New {
	case radio.StateConnected:
		c.refreshDirectory()
	case radio.StateDisconnected:
		c.nodes.Reset()
	}
}

// refreshDirectory repopulates the directory from the connection snapshot.
func (c *Client) refreshDirectory() {
	infos := c.conn.Nodes()
	nodes := make([]domain.Node, 0, len(infos))
	for _, info := range infos {
		nodes = append(nodes, NodeFromInfo(info))
	}
	c.nodes.ReplaceAll(nodes)
	c.logger.Debug("node directory populated", "count", len(nodes))

	if info, ok := c.DeviceInfo(); ok {
		c.bus.Publish(connectors.TopicDeviceInfo, info)
	}
	c.bus.Publish(connectors.TopicChannels, c.Channels())
}

func (c *Client) handleNodeInfo(info *pb.NodeInfo) {
	if info == nil {
		return
	}
	node := NodeFromInfo(info)
	c.nodes.Replace(node)
	c.bus.Publish(connectors.TopicNodeUpdated, node)
}

func (c *Client) handlePacket(packet *pb.MeshPacket) {
	if packet == nil {
		return
	}
	now := c.now()
	fromID := domain.FormatNodeID(packet.GetFrom())

	var snr *float64
	var rssi *int
	if radio.HasRxMetrics(packet) {
		snr = float64Ptr(float64(packet.GetRxSnr()))
		if packet.GetRxRssi() != 0 {
			v := int(packet.GetRxRssi())
			rssi = &v
		}
	}
	if node, ok := c.nodes.Touch(fromID, packetHeardAt(packet, now), snr, rssi); ok {
		c.bus.Publish(connectors.TopicNodeUpdated, node)
	}

	decoded := packet.GetDecoded()
	if decoded == nil {
		return
	}
	switch decoded.GetPortnum() {
	case pb.PortNum_TEXT_MESSAGE_APP:
		c.handleText(packet, fromID, now)
	case pb.PortNum_TELEMETRY_APP:
		if telemetry, ok := radio.ExtractTelemetry(packet); ok && telemetry.GetDeviceMetrics() != nil {
			c.logger.Debug("telemetry received", "from", fromID)
		}
	case pb.PortNum_POSITION_APP:
		if pos, ok := radio.ExtractPosition(packet); ok {
			c.logger.Debug("position received", "from", fromID, "lat", radio.Latitude(pos), "lon", radio.Longitude(pos))
		}
	case pb.PortNum_NODEINFO_APP:
		if user, ok := radio.ExtractUser(packet); ok {
			c.logger.Debug("user info received", "from", fromID, "long_name", user.GetLongName())
		}
	default:
		c.logger.Debug("packet received", "from", fromID, "port", decoded.GetPortnum().String())
	}
}

func (c *Client) handleText(packet *pb.MeshPacket, fromID string, now time.Time) {
	text, ok := radio.ExtractText(packet)
	if !ok {
		return
	}
	if !c.Allowed(fromID) {
		c.logger.Debug("ignoring message from non-allowed node", "from", fromID)
		return
	}

	var sender *pb.NodeInfo
	if info, ok := c.conn.Node(packet.GetFrom()); ok {
		sender = info
	}
	msg := MessageFromPacket(packet, text, sender, now)
	c.logger.Info("message received", "from", msg.FromID, "to", msg.ToID, "channel", msg.Channel)
	c.bus.Publish(connectors.TopicMessageReceived, msg)
}

func (c *Client) handleRawFrame(frame radio.RawFrame) {
	topic := connectors.TopicRawFrameIn
	if frame.Direction == radio.FrameOut {
		topic = connectors.TopicRawFrameOut
	}
	c.bus.Publish(topic, connectors.RawFrame{
		Hex: strings.ToUpper(hex.EncodeToString(frame.Payload)),
		Len: len(frame.Payload),
	})
}
