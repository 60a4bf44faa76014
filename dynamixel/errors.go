package dynamixel

import (
	"errors"
	"fmt"

	"github.com/OSUrobotics/dynamixel-control/protocol"
)

// Sentinel errors for common failure modes.
var (
	ErrSessionClosed = errors.New("session is closed")
	ErrUnknownDevice = errors.New("unknown device")
	ErrReadOnlyField = errors.New("field is read-only")
)

// ConfigError reports an invalid setup: unknown model, malformed register
// map or bad calibration. It is fatal at setup and never retried.
type ConfigError struct {
	Field  string // What was being configured (e.g., "model", "calibration")
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid %s: %s: %v", e.Field, e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// DuplicateIDError is returned when registering an ID that is already present.
type DuplicateIDError struct {
	ID int
}

func (e *DuplicateIDError) Error() string {
	return fmt.Sprintf("device %d is already registered", e.ID)
}

// UnknownFieldError is returned when a field is absent from a device's register map.
type UnknownFieldError struct {
	ID    int
	Model Model
	Field Field
}

func (e *UnknownFieldError) Error() string {
	return fmt.Sprintf("device %d (%s) has no field %q", e.ID, e.Model, e.Field)
}

// UnsupportedWidthError is returned for register widths other than 1, 2 or 4 bytes.
type UnsupportedWidthError struct {
	Field Field
	Width int
}

func (e *UnsupportedWidthError) Error() string {
	return fmt.Sprintf("field %q: unsupported width %d (want 1, 2 or 4)", e.Field, e.Width)
}

// ValueRangeError is returned when a value does not fit in its register.
type ValueRangeError struct {
	Field Field
	Width int
	Value int
}

func (e *ValueRangeError) Error() string {
	return fmt.Sprintf("field %q: value %d does not fit in %d bytes", e.Field, e.Value, e.Width)
}

// DuplicateFieldError is returned when a device already has a pending field
// in a transaction buffer. Bulk transactions carry one field per device.
type DuplicateFieldError struct {
	ID      int
	Field   Field
	Pending Field
}

func (e *DuplicateFieldError) Error() string {
	return fmt.Sprintf("device %d: cannot add %q, %q is already pending", e.ID, e.Field, e.Pending)
}

// CommError represents a whole-transaction communication failure.
// It is recoverable: callers may retry or run a recovery sequence.
type CommError struct {
	Op  string // Operation that failed (e.g., "bulk_write", "bulk_read")
	Err error  // Underlying error
}

func (e *CommError) Error() string {
	return fmt.Sprintf("communication error during %s: %v", e.Op, e.Err)
}

func (e *CommError) Unwrap() error {
	return e.Err
}

// MissingDeviceError reports a device that stayed silent in an otherwise
// successful read.
type MissingDeviceError struct {
	ID int
	Op string
}

func (e *MissingDeviceError) Error() string {
	return fmt.Sprintf("device %d did not respond to %s", e.ID, e.Op)
}

func (e *MissingDeviceError) Unwrap() error {
	return protocol.ErrNoResponse
}

// DeviceError represents an error reported by a specific device.
type DeviceError struct {
	ID     int                  // Device ID
	Op     string               // Operation that failed
	Status protocol.StatusError // Status flags from device (if applicable)
	Err    error                // Underlying error (if applicable)
}

func (e *DeviceError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("device %d %s failed: %s", e.ID, e.Op, e.Status.Error())
	}
	if e.Err != nil {
		return fmt.Sprintf("device %d %s failed: %v", e.ID, e.Op, e.Err)
	}
	return fmt.Sprintf("device %d %s failed", e.ID, e.Op)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

// IsCommError returns true if the error chain contains a CommError.
func IsCommError(err error) bool {
	var commErr *CommError
	return errors.As(err, &commErr)
}

// IsMissingDevice returns true if the error chain contains a MissingDeviceError.
func IsMissingDevice(err error) bool {
	var missing *MissingDeviceError
	return errors.As(err, &missing)
}

// GetDeviceError extracts a DeviceError from an error chain, if present.
func GetDeviceError(err error) (*DeviceError, bool) {
	var devErr *DeviceError
	if errors.As(err, &devErr) {
		return devErr, true
	}
	return nil, false
}

func unknownDevice(id int) error {
	return fmt.Errorf("%w: %d", ErrUnknownDevice, id)
}
