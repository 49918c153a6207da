package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

const (
	frameMagic1 = 0x94
	frameMagic2 = 0xC3

	// FrameHeaderSize is the magic marker plus the big-endian payload length.
	FrameHeaderSize = 4
	// MaxPayloadSize is the largest payload a single frame may carry.
	MaxPayloadSize = 512

	maxSyncAttempts = 1024
)

var (
	// ErrNoFrame means the stream did not yield a valid frame on this call.
	// It is a "try again" signal, the next call resumes synchronization.
	ErrNoFrame = errors.New("no frame")
	// ErrPayloadTooLarge is returned when a payload exceeds MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("payload too large")
)

// EncodeFrame wraps payload into a magic+length envelope.
func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(payload), MaxPayloadSize)
	}

	frame := make([]byte, FrameHeaderSize+len(payload))
	frame[0] = frameMagic1
	frame[1] = frameMagic2
	// #nosec G115 -- length is bounded by MaxPayloadSize above.
	binary.BigEndian.PutUint16(frame[2:4], uint16(len(payload)))
	copy(frame[FrameHeaderSize:], payload)

	return frame, nil
}

// FrameWriter serializes frame writes so concurrent senders never interleave
// partial frames on the wire.
type FrameWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// WriteFrame writes one frame and flushes the underlying stream when it
// supports flushing. Oversized payloads are rejected before anything is written.
func (fw *FrameWriter) WriteFrame(ctx context.Context, payload []byte) error {
	frame, err := EncodeFrame(payload)
	if err != nil {
		return err
	}

	fw.mu.Lock()
	defer fw.mu.Unlock()

	if err := writeFull(ctx, fw.w, frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	if f, ok := fw.w.(flusher); ok {
		if err := f.Flush(); err != nil {
			return fmt.Errorf("flush frame: %w", err)
		}
	}

	return nil
}

// FrameReader pulls frames out of a byte stream, recovering from misalignment.
// It is not safe for concurrent use; one reader goroutine owns it.
type FrameReader struct {
	r      io.Reader
	logger *slog.Logger
	one    [1]byte

	// pending is set while the last byte consumed was a first marker byte,
	// so a header split by a read timeout is still recognized.
	pending bool
}

func NewFrameReader(r io.Reader, logger *slog.Logger) *FrameReader {
	if logger == nil {
		logger = slog.Default()
	}

	return &FrameReader{r: r, logger: logger}
}

// ReadFrame returns the payload of the next valid frame.
//
// Every protocol-level failure (sync cap reached, bad length, short payload,
// idle read timeout) is reported as ErrNoFrame. Any other error comes from the
// stream itself or from ctx and should end the session.
func (fr *FrameReader) ReadFrame(ctx context.Context) ([]byte, error) {
	if err := fr.syncToHeader(ctx); err != nil {
		return nil, err
	}

	var lenBuf [2]byte
	if err := fr.readFull(ctx, lenBuf[:]); err != nil {
		return nil, fr.shortRead("frame length", err)
	}
	ln := int(binary.BigEndian.Uint16(lenBuf[:]))
	if ln <= 0 || ln > MaxPayloadSize {
		fr.logger.Warn("invalid frame length", "length", ln)
		return nil, fmt.Errorf("%w: invalid length %d", ErrNoFrame, ln)
	}

	payload := make([]byte, ln)
	if err := fr.readFull(ctx, payload); err != nil {
		return nil, fr.shortRead("frame payload", err)
	}
	fr.logger.Debug("read frame", "len", ln)

	return payload, nil
}

func (fr *FrameReader) syncToHeader(ctx context.Context) error {
	for attempts := 0; attempts < maxSyncAttempts; attempts++ {
		if !fr.pending {
			b, err := fr.readByte(ctx)
			if err != nil {
				return err
			}
			if b != frameMagic1 {
				continue
			}
			fr.pending = true
		}

		b, err := fr.readByte(ctx)
		if err != nil {
			return err
		}
		switch b {
		case frameMagic2:
			fr.pending = false
			return nil
		case frameMagic1:
			// Still a candidate first marker.
		default:
			fr.pending = false
		}
	}
	fr.logger.Warn("failed to sync to frame header", "attempts", maxSyncAttempts)

	return fmt.Errorf("%w: no header after %d attempts", ErrNoFrame, maxSyncAttempts)
}

// readByte reads a single byte. A zero-byte read without error is a read
// timeout on the serial port and maps to ErrNoFrame.
func (fr *FrameReader) readByte(ctx context.Context) (byte, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n, err := fr.r.Read(fr.one[:])
	if n == 1 {
		return fr.one[0], nil
	}
	if err != nil {
		return 0, err
	}

	return 0, fmt.Errorf("%w: idle", ErrNoFrame)
}

func (fr *FrameReader) readFull(ctx context.Context, buf []byte) error {
	read := 0
	for read < len(buf) {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := fr.r.Read(buf[read:])
		read += n
		if read == len(buf) {
			return nil
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return errReadTimeout
		}
	}

	return nil
}

var errReadTimeout = errors.New("read timeout")

// shortRead maps a truncated header or payload to ErrNoFrame. Cancellation
// and hard stream errors are passed through, end of stream mid-frame is not.
func (fr *FrameReader) shortRead(what string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, errReadTimeout) {
		fr.logger.Debug("short read", "what", what, "error", err)
		return fmt.Errorf("%w: short %s", ErrNoFrame, what)
	}

	return fmt.Errorf("read %s: %w", what, err)
}

func writeFull(ctx context.Context, w io.Writer, buf []byte) error {
	written := 0
	for written < len(buf) {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := w.Write(buf[written:])
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		written += n
	}

	return nil
}
