// Package protocol implements the Dynamixel Protocol 2.0 packet layer: framing,
// CRC, byte stuffing and the bulk instructions used to address many devices in
// a single bus exchange.
package protocol

import (
	"encoding/binary"
	"fmt"
)

// Protocol 2.0 instruction codes.
const (
	InstPing      byte = 0x01
	InstReboot    byte = 0x08
	InstStatus    byte = 0x55
	InstBulkRead  byte = 0x92
	InstBulkWrite byte = 0x93
)

// Special ID values.
const (
	BroadcastID = 0xFE
	MaxDeviceID = 0xFC
)

var header = [4]byte{0xFF, 0xFF, 0xFD, 0x00}

// minStatusLen is header(4) + id(1) + length(2) + instruction(1) + error(1) + crc(2).
const minStatusLen = 11

// Packet is an instruction packet addressed to one device or to the broadcast ID.
type Packet struct {
	ID          byte
	Instruction byte
	Parameters  []byte
}

// Status is a decoded status packet returned by a device.
type Status struct {
	ID     int
	Err    StatusError
	Params []byte
}

// ReadParam describes one device's slice of a bulk read.
type ReadParam struct {
	ID      int
	Address uint16
	Length  int
}

// WriteParam describes one device's slice of a bulk write.
type WriteParam struct {
	ID      int
	Address uint16
	Data    []byte
}

// DecodeWord converts little-endian bytes to a 16-bit value.
func DecodeWord(data []byte) uint16 {
	if len(data) < 2 {
		return 0
	}
	return binary.LittleEndian.Uint16(data)
}

// Encode constructs a wire-format packet from the given components.
func Encode(pkt Packet) []byte {
	body := make([]byte, 0, 1+len(pkt.Parameters))
	body = append(body, pkt.Instruction)
	body = append(body, pkt.Parameters...)
	body = stuff(body)

	length := uint16(len(body) + 2) // stuffed body + crc

	// header(4) + id(1) + length(2) + body(n) + crc(2)
	buf := make([]byte, 0, 9+len(body))
	buf = append(buf, header[:]...)
	buf = append(buf, pkt.ID)
	buf = binary.LittleEndian.AppendUint16(buf, length)
	buf = append(buf, body...)
	buf = binary.LittleEndian.AppendUint16(buf, CRC16(buf))

	return buf
}

// Decode parses the first status packet found in data.
// Returns the status and number of bytes consumed, or an error.
func Decode(data []byte) (Status, int, error) {
	if len(data) < minStatusLen {
		return Status{}, 0, fmt.Errorf("%w: packet too short", ErrInvalidPacket)
	}

	headerIdx := findHeader(data, 0)
	if headerIdx < 0 {
		return Status{}, 0, fmt.Errorf("%w: header not found", ErrInvalidPacket)
	}

	data = data[headerIdx:]
	if len(data) < minStatusLen {
		return Status{}, 0, fmt.Errorf("%w: packet too short after header", ErrInvalidPacket)
	}

	id := data[4]
	length := int(binary.LittleEndian.Uint16(data[5:7]))

	totalLen := 7 + length // header(4) + id(1) + length(2) + [length bytes]
	if len(data) < totalLen {
		return Status{}, 0, fmt.Errorf("%w: incomplete packet: need %d bytes, have %d", ErrInvalidPacket, totalLen, len(data))
	}
	if length < 4 {
		return Status{}, 0, fmt.Errorf("%w: length field %d too small", ErrInvalidPacket, length)
	}

	expected := CRC16(data[:totalLen-2])
	actual := binary.LittleEndian.Uint16(data[totalLen-2 : totalLen])
	if expected != actual {
		return Status{}, 0, fmt.Errorf("%w: expected 0x%04X, got 0x%04X", ErrCRC, expected, actual)
	}

	// Body format: [instruction][error][params...]
	body := unstuff(data[7 : totalLen-2])
	if body[0] != InstStatus {
		return Status{}, 0, fmt.Errorf("%w: instruction 0x%02X is not a status", ErrInvalidPacket, body[0])
	}

	st := Status{
		ID:  int(id),
		Err: StatusError(body[1]),
	}
	if len(body) > 2 {
		st.Params = make([]byte, len(body)-2)
		copy(st.Params, body[2:])
	}

	return st, headerIdx + totalLen, nil
}

// DecodeMultiple parses up to count status packets from a buffer, skipping
// corrupted frames.
func DecodeMultiple(data []byte, count int) []Status {
	statuses := make([]Status, 0, count)
	offset := 0

	for len(statuses) < count && offset < len(data) {
		st, consumed, err := Decode(data[offset:])
		if err != nil {
			// Try to find next header
			next := findHeader(data, offset+1)
			if next < 0 {
				break
			}
			offset = next
			continue
		}
		statuses = append(statuses, st)
		offset += consumed
	}

	return statuses
}

// ExpectedStatusLength returns the minimum wire length of a status packet
// carrying dataLen parameter bytes. Byte stuffing can only make it longer.
func ExpectedStatusLength(dataLen int) int {
	return minStatusLen + dataLen
}

func findHeader(data []byte, from int) int {
	for i := from; i+len(header) <= len(data); i++ {
		if data[i] == header[0] && data[i+1] == header[1] && data[i+2] == header[2] && data[i+3] == header[3] {
			return i
		}
	}
	return -1
}

// stuff inserts 0xFD after every FF FF FD sequence so the body can never
// contain a header.
func stuff(body []byte) []byte {
	out := make([]byte, 0, len(body)+len(body)/3)
	for _, b := range body {
		out = append(out, b)
		if n := len(out); n >= 3 && out[n-3] == 0xFF && out[n-2] == 0xFF && out[n-1] == 0xFD {
			out = append(out, 0xFD)
		}
	}
	return out
}

func unstuff(body []byte) []byte {
	out := make([]byte, 0, len(body))
	for i := 0; i < len(body); i++ {
		out = append(out, body[i])
		n := len(out)
		if n >= 3 && out[n-3] == 0xFF && out[n-2] == 0xFF && out[n-1] == 0xFD && i+1 < len(body) && body[i+1] == 0xFD {
			i++
		}
	}
	return out
}

// Instruction packet builders

// PingPacket creates a ping instruction packet.
func PingPacket(id byte) []byte {
	return Encode(Packet{
		ID:          id,
		Instruction: InstPing,
	})
}

// RebootPacket creates a reboot instruction packet.
func RebootPacket(id byte) []byte {
	return Encode(Packet{
		ID:          id,
		Instruction: InstReboot,
	})
}

// BulkReadPacket creates a bulk read instruction packet. Each device may read
// a different address and length; replies arrive in parameter order.
func BulkReadPacket(params []ReadParam) []byte {
	// Parameters: [id(1) + address(2) + length(2)]...
	buf := make([]byte, 0, 5*len(params))
	for _, p := range params {
		buf = append(buf, byte(p.ID))
		buf = binary.LittleEndian.AppendUint16(buf, p.Address)
		buf = binary.LittleEndian.AppendUint16(buf, uint16(p.Length))
	}

	return Encode(Packet{
		ID:          BroadcastID,
		Instruction: InstBulkRead,
		Parameters:  buf,
	})
}

// BulkWritePacket creates a bulk write instruction packet.
func BulkWritePacket(params []WriteParam) []byte {
	// Parameters: [id(1) + address(2) + length(2) + data(n)]...
	size := 0
	for _, p := range params {
		size += 5 + len(p.Data)
	}

	buf := make([]byte, 0, size)
	for _, p := range params {
		buf = append(buf, byte(p.ID))
		buf = binary.LittleEndian.AppendUint16(buf, p.Address)
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(p.Data)))
		buf = append(buf, p.Data...)
	}

	return Encode(Packet{
		ID:          BroadcastID,
		Instruction: InstBulkWrite,
		Parameters:  buf,
	})
}
