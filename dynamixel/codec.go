package dynamixel

import (
	"encoding/binary"
	"fmt"
)

// EncodeValue packs value into width little-endian bytes. Negative values are
// stored in two's complement. Values must fit the width either as signed or
// as unsigned integers.
func EncodeValue(field Field, width int, value int) ([]byte, error) {
	if !validWidth(width) {
		return nil, &UnsupportedWidthError{Field: field, Width: width}
	}
	bits := uint(8 * width)
	if v := int64(value); v < -(int64(1)<<(bits-1)) || v > int64(1)<<bits-1 {
		return nil, &ValueRangeError{Field: field, Width: width, Value: value}
	}

	buf := make([]byte, width)
	switch width {
	case 1:
		buf[0] = byte(value)
	case 2:
		binary.LittleEndian.PutUint16(buf, uint16(value))
	case 4:
		binary.LittleEndian.PutUint32(buf, uint32(value))
	}
	return buf, nil
}

// DecodeValue unpacks a register payload according to its signedness.
func DecodeValue(field Field, reg Register, data []byte) (int, error) {
	if len(data) != reg.Width {
		return 0, fmt.Errorf("field %q: expected %d bytes, got %d", field, reg.Width, len(data))
	}

	var raw int
	switch reg.Width {
	case 1:
		raw = int(data[0])
		if reg.Signed {
			raw = int(int8(data[0]))
		}
	case 2:
		v := binary.LittleEndian.Uint16(data)
		raw = int(v)
		if reg.Signed {
			raw = int(int16(v))
		}
	case 4:
		v := binary.LittleEndian.Uint32(data)
		raw = int(v)
		if reg.Signed {
			raw = int(int32(v))
		}
	default:
		return 0, &UnsupportedWidthError{Field: field, Width: reg.Width}
	}

	return decodeSignMagnitude(raw, reg.SignBit), nil
}

// Sign-magnitude encoding helpers

func decodeSignMagnitude(value, signBit int) int {
	if signBit == 0 {
		return value
	}

	signMask := 1 << signBit
	if value&signMask != 0 {
		return -(value & (signMask - 1))
	}
	return value
}

func encodeSignMagnitude(value, signBit int) int {
	if signBit == 0 {
		return value
	}

	if value < 0 {
		signMask := 1 << signBit
		return (-value) | signMask
	}
	return value
}
