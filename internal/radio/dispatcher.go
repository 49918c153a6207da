package radio

import (
	"fmt"
	"log/slog"
	"sync"

	pb "github.com/meshnet-gophers/meshtastic-go/meshtastic"
)

// Dispatcher routes each decoded FromRadio to the listeners registered for
// its variant. Listeners run synchronously on the dispatching goroutine in
// registration order and must hand long work off themselves. A panicking
// listener is logged and does not stop the others.
type Dispatcher struct {
	logger *slog.Logger

	packet         listeners[*pb.MeshPacket]
	nodeInfo       listeners[*pb.NodeInfo]
	myInfo         listeners[*pb.MyNodeInfo]
	config         listeners[*pb.Config]
	moduleConfig   listeners[*pb.ModuleConfig]
	channel        listeners[*pb.Channel]
	configComplete listeners[uint32]
	rebooted       listeners[struct{}]
	metadata       listeners[*pb.DeviceMetadata]
	logRecord      listeners[*pb.LogRecord]
	queueStatus    listeners[*pb.QueueStatus]
}

func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}

	return &Dispatcher{logger: logger}
}

// Every On* method returns a func that removes the listener.

func (d *Dispatcher) OnPacket(fn func(*pb.MeshPacket)) func() { return d.packet.add(fn) }

func (d *Dispatcher) OnNodeInfo(fn func(*pb.NodeInfo)) func() { return d.nodeInfo.add(fn) }

func (d *Dispatcher) OnMyInfo(fn func(*pb.MyNodeInfo)) func() { return d.myInfo.add(fn) }

func (d *Dispatcher) OnConfig(fn func(*pb.Config)) func() { return d.config.add(fn) }

func (d *Dispatcher) OnModuleConfig(fn func(*pb.ModuleConfig)) func() { return d.moduleConfig.add(fn) }

func (d *Dispatcher) OnChannel(fn func(*pb.Channel)) func() { return d.channel.add(fn) }

func (d *Dispatcher) OnConfigComplete(fn func(id uint32)) func() { return d.configComplete.add(fn) }

func (d *Dispatcher) OnRebooted(fn func()) func() {
	return d.rebooted.add(func(struct{}) { fn() })
}

func (d *Dispatcher) OnMetadata(fn func(*pb.DeviceMetadata)) func() { return d.metadata.add(fn) }

func (d *Dispatcher) OnLogRecord(fn func(*pb.LogRecord)) func() { return d.logRecord.add(fn) }

func (d *Dispatcher) OnQueueStatus(fn func(*pb.QueueStatus)) func() {
	return d.queueStatus.add(fn)
}

// Dispatch invokes the listeners of the populated variant.
func (d *Dispatcher) Dispatch(msg *pb.FromRadio) {
	if msg == nil {
		d.logger.Warn("dispatch of nil message")
		return
	}

	switch v := msg.GetPayloadVariant().(type) {
	case *pb.FromRadio_Packet:
		d.packet.emit(d.logger, "packet", v.Packet)
	case *pb.FromRadio_NodeInfo:
		d.nodeInfo.emit(d.logger, "node_info", v.NodeInfo)
	case *pb.FromRadio_MyInfo:
		d.myInfo.emit(d.logger, "my_info", v.MyInfo)
	case *pb.FromRadio_Config:
		d.config.emit(d.logger, "config", v.Config)
	case *pb.FromRadio_ModuleConfig:
		d.moduleConfig.emit(d.logger, "module_config", v.ModuleConfig)
	case *pb.FromRadio_Channel:
		d.channel.emit(d.logger, "channel", v.Channel)
	case *pb.FromRadio_ConfigCompleteId:
		d.configComplete.emit(d.logger, "config_complete", v.ConfigCompleteId)
	case *pb.FromRadio_Rebooted:
		if !v.Rebooted {
			d.logger.Debug("rebooted variant with false flag")
			return
		}
		d.rebooted.emit(d.logger, "rebooted", struct{}{})
	case *pb.FromRadio_Metadata:
		d.metadata.emit(d.logger, "metadata", v.Metadata)
	case *pb.FromRadio_LogRecord:
		d.logRecord.emit(d.logger, "log_record", v.LogRecord)
	case *pb.FromRadio_QueueStatus:
		d.queueStatus.emit(d.logger, "queue_status", v.QueueStatus)
	case nil:
		d.logger.Warn("fromradio without payload", "id", msg.GetId())
	default:
		d.logger.Debug("unhandled fromradio variant", "type", fmt.Sprintf("%T", v), "id", msg.GetId())
	}
}

type listener[T any] struct {
	id uint64
	fn func(T)
}

type listeners[T any] struct {
	mu     sync.Mutex
	nextID uint64
	items  []listener[T]
}

func (l *listeners[T]) add(fn func(T)) func() {
	if fn == nil {
		return func() {}
	}

	l.mu.Lock()
	l.nextID++
	id := l.nextID
	l.items = append(l.items, listener[T]{id: id, fn: fn})
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { l.remove(id) })
	}
}

func (l *listeners[T]) remove(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, item := range l.items {
		if item.id == id {
			l.items = append(l.items[:i:i], l.items[i+1:]...)
			return
		}
	}
}

func (l *listeners[T]) emit(logger *slog.Logger, event string, v T) {
	l.mu.Lock()
	items := l.items
	l.mu.Unlock()

	for _, item := range items {
		invokeListener(logger, event, item.fn, v)
	}
}

func invokeListener[T any](logger *slog.Logger, event string, fn func(T), v T) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("event listener panicked", "event", event, "panic", r)
		}
	}()

	fn(v)
}
