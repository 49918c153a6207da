package transport

import (
	"context"
	"io"
)

// Port is an open byte stream to the radio.
type Port interface {
	io.Reader
	io.Writer
	io.Closer
}

// Dialer opens a Port to a radio device.
type Dialer interface {
	Name() string
	Target() string
	Open(ctx context.Context) (Port, error)
}

type flusher interface {
	Flush() error
}
