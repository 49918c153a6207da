package platform

import (
	"errors"
	"strings"
)

// ErrPortInUse indicates another familiar process already owns the serial port.
var ErrPortInUse = errors.New("serial port already in use by another familiar process")

// ErrPortLockUnsupported indicates the current platform has no lock backend.
var ErrPortLockUnsupported = errors.New("port lock unsupported")

// PortLock is an acquired advisory lock on one serial port.
type PortLock interface {
	Release() error
}

// AcquirePortLock takes the process-wide lock for port under the appID
// namespace. It fails with ErrPortInUse while another process holds it.
func AcquirePortLock(appID, port string) (PortLock, error) {
	return acquirePortLock(
		normalizeLockComponent(appID, "app"),
		normalizeLockComponent(port, "port"),
	)
}

func normalizeLockComponent(raw, fallback string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}

	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
		case r == '-' || r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}

	normalized := strings.Trim(b.String(), "_-.")
	if normalized == "" {
		return fallback
	}

	return normalized
}
