package bench

import "errors"

var (
	// ErrNotConnected is returned when an operation requires an open device.
	ErrNotConnected = errors.New("not connected")

	// ErrConnLost marks a connectivity loss rather than a transient read
	// failure. Callers react by re-initializing the device handle.
	ErrConnLost = errors.New("connection lost")

	// ErrStale is returned when no fresh sample has arrived for a channel
	// within the staleness window. Transient by classification.
	ErrStale = errors.New("stale sample")
)

// IsConnLost reports whether err indicates a lost device link.
func IsConnLost(err error) bool {
	return errors.Is(err, ErrConnLost)
}
