package protocol

import (
	"errors"
	"fmt"
)

// Sentinel errors for common failure modes.
var (
	ErrTimeout       = errors.New("communication timeout")
	ErrNoResponse    = errors.New("no response from device")
	ErrInvalidPacket = errors.New("invalid packet format")
	ErrCRC           = errors.New("crc mismatch")
	ErrPortClosed    = errors.New("port is closed")
	ErrInvalidID     = errors.New("invalid device ID")
)

// StatusError is the error byte of a status packet. Bit 7 is the hardware
// alert flag; the low seven bits carry the error number.
type StatusError byte

// Error numbers reported in the low bits of the status error byte.
const (
	ErrNumResultFail  StatusError = 0x01
	ErrNumInstruction StatusError = 0x02
	ErrNumCRC         StatusError = 0x03
	ErrNumDataRange   StatusError = 0x04
	ErrNumDataLength  StatusError = 0x05
	ErrNumDataLimit   StatusError = 0x06
	ErrNumAccess      StatusError = 0x07

	AlertBit StatusError = 0x80
)

func (e StatusError) Error() string {
	if e == 0 {
		return "no error"
	}

	var msg string
	switch e.Number() {
	case 0:
		msg = "ok"
	case ErrNumResultFail:
		msg = "result fail"
	case ErrNumInstruction:
		msg = "instruction error"
	case ErrNumCRC:
		msg = "crc error"
	case ErrNumDataRange:
		msg = "data range error"
	case ErrNumDataLength:
		msg = "data length error"
	case ErrNumDataLimit:
		msg = "data limit error"
	case ErrNumAccess:
		msg = "access error"
	default:
		msg = fmt.Sprintf("error 0x%02X", byte(e.Number()))
	}

	if e.Alert() {
		return fmt.Sprintf("device status error: %s (hardware alert)", msg)
	}
	return fmt.Sprintf("device status error: %s", msg)
}

// Number returns the error number without the alert flag.
func (e StatusError) Number() StatusError {
	return e &^ AlertBit
}

// Alert reports whether the device raised its hardware alert flag.
func (e StatusError) Alert() bool {
	return e&AlertBit != 0
}

// HasError returns true if the instruction was rejected. A bare hardware
// alert does not invalidate the returned data.
func (e StatusError) HasError() bool {
	return e.Number() != 0
}
