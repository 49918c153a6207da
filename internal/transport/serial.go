package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.bug.st/serial"
)

const (
	// DefaultSerialBaud is the Meshtastic serial API baud rate.
	DefaultSerialBaud = 115200
	// SerialTransportName is the Name of every SerialDialer.
	SerialTransportName = "serial"

	defaultSerialReadTimeout = 300 * time.Millisecond
)

// SerialDialer opens a Meshtastic radio on a serial device.
type SerialDialer struct {
	portName    string
	baudRate    int
	readTimeout time.Duration
}

func NewSerialDialer(portName string, baudRate int) *SerialDialer {
	if baudRate <= 0 {
		baudRate = DefaultSerialBaud
	}

	return &SerialDialer{
		portName:    portName,
		baudRate:    baudRate,
		readTimeout: defaultSerialReadTimeout,
	}
}

func (d *SerialDialer) Name() string {
	return SerialTransportName
}

func (d *SerialDialer) Target() string {
	return d.portName
}

func (d *SerialDialer) Open(ctx context.Context) (Port, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.portName == "" {
		return nil, errors.New("serial port is empty")
	}

	logger := transportLogger(d.Name(), "port", d.portName, "baud", d.baudRate)
	port, err := serial.Open(d.portName, &serial.Mode{
		BaudRate: d.baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("open serial port %q: %w", d.portName, err)
	}
	// Reads return (0, nil) after the timeout so the reader can observe
	// cancellation while the line is idle.
	if err := port.SetReadTimeout(d.readTimeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("set serial read timeout: %w", err)
	}
	logger.Info("serial port opened")

	return &serialPort{Port: port}, nil
}

// serialPort adds Flush on top of the driver so FrameWriter can wait for
// the output buffer to drain.
type serialPort struct {
	serial.Port
}

func (p *serialPort) Flush() error {
	if d, ok := p.Port.(interface{ Drain() error }); ok {
		return d.Drain()
	}

	return nil
}

// ListSerialPorts returns the serial devices visible to the OS.
func ListSerialPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("list serial ports: %w", err)
	}

	return ports, nil
}
