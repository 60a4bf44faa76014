package protocol

import (
	"io"
	"time"
)

// Port is the interface for low-level byte communication with the servo bus.
// This abstraction allows for testing with mock implementations.
type Port interface {
	io.ReadWriteCloser

	// SetReadTimeout sets the read timeout duration.
	SetReadTimeout(timeout time.Duration) error

	// Flush discards any buffered input data.
	Flush() error
}
