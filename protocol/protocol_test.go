package protocol

import (
	"bytes"
	"errors"
	"testing"
)

// statusPacket encodes a status reply the way a device would send it.
func statusPacket(id byte, errByte byte, params ...byte) []byte {
	return Encode(Packet{
		ID:          id,
		Instruction: InstStatus,
		Parameters:  append([]byte{errByte}, params...),
	})
}

func TestProtocol_PingPacket(t *testing.T) {
	// Ping device ID 1: FF FF FD 00 01 03 00 01 19 4E
	packet := PingPacket(0x01)
	expected := []byte{0xFF, 0xFF, 0xFD, 0x00, 0x01, 0x03, 0x00, 0x01, 0x19, 0x4E}

	if !bytes.Equal(packet, expected) {
		t.Errorf("PingPacket: got %X, want %X", packet, expected)
	}
}

func TestProtocol_DecodeStatus(t *testing.T) {
	// Status reply with present position 166: FF FF FD 00 01 08 00 55 00 A6 00 00 00 8C C0
	data := []byte{0xFF, 0xFF, 0xFD, 0x00, 0x01, 0x08, 0x00, 0x55, 0x00, 0xA6, 0x00, 0x00, 0x00, 0x8C, 0xC0}

	st, consumed, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if consumed != len(data) {
		t.Errorf("consumed: got %d, want %d", consumed, len(data))
	}
	if st.ID != 1 {
		t.Errorf("ID: got %d, want 1", st.ID)
	}
	if st.Err != 0 {
		t.Errorf("Error: got %d, want 0", st.Err)
	}
	if !bytes.Equal(st.Params, []byte{0xA6, 0x00, 0x00, 0x00}) {
		t.Errorf("Params: got %X, want A6000000", st.Params)
	}
}

func TestProtocol_DecodeWithGarbage(t *testing.T) {
	pkt := statusPacket(0x01, 0x00)
	data := append([]byte{0x00, 0x12, 0xFF}, pkt...)

	st, consumed, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	// Should skip garbage and find packet at offset 3
	if consumed != 3+len(pkt) {
		t.Errorf("consumed: got %d, want %d", consumed, 3+len(pkt))
	}
	if st.ID != 0x01 {
		t.Errorf("ID: got %d, want 1", st.ID)
	}
}

func TestProtocol_DecodeBadCRC(t *testing.T) {
	data := statusPacket(0x01, 0x00, 0x10, 0x20)
	data[len(data)-1] ^= 0xFF

	_, _, err := Decode(data)
	if !errors.Is(err, ErrCRC) {
		t.Errorf("expected ErrCRC, got %v", err)
	}
}

func TestProtocol_DecodeRejectsInstruction(t *testing.T) {
	_, _, err := Decode(PingPacket(0x01))
	if !errors.Is(err, ErrInvalidPacket) {
		t.Errorf("expected ErrInvalidPacket, got %v", err)
	}
}

func TestProtocol_ByteStuffing(t *testing.T) {
	params := []byte{0xFF, 0xFF, 0xFD, 0x01}
	packet := statusPacket(0x02, 0x00, params...)

	// 55 00 FF FF FD [FD] 01 -> 7 stuffed body bytes + 2 crc
	if got := DecodeWord(packet[5:7]); got != 9 {
		t.Errorf("length field: got %d, want 9", got)
	}

	st, _, err := Decode(packet)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !bytes.Equal(st.Params, params) {
		t.Errorf("Params: got %X, want %X", st.Params, params)
	}
}

func TestProtocol_DecodeMultiple(t *testing.T) {
	data := append(statusPacket(0x01, 0x00, 0x00, 0x08), statusPacket(0x02, 0x00, 0x00, 0x04)...)

	statuses := DecodeMultiple(data, 2)
	if len(statuses) != 2 {
		t.Fatalf("got %d statuses, want 2", len(statuses))
	}
	if statuses[0].ID != 1 || statuses[1].ID != 2 {
		t.Errorf("IDs: got %d,%d, want 1,2", statuses[0].ID, statuses[1].ID)
	}
	if DecodeWord(statuses[1].Params) != 0x0400 {
		t.Errorf("device 2 data: got %X, want 0004", statuses[1].Params)
	}
}

func TestProtocol_DecodeMultipleSkipsCorrupt(t *testing.T) {
	bad := statusPacket(0x01, 0x00, 0x00, 0x08)
	bad[len(bad)-2] ^= 0x55

	data := append(bad, statusPacket(0x02, 0x00, 0x00, 0x04)...)

	statuses := DecodeMultiple(data, 2)
	if len(statuses) != 1 {
		t.Fatalf("got %d statuses, want 1", len(statuses))
	}
	if statuses[0].ID != 2 {
		t.Errorf("ID: got %d, want 2", statuses[0].ID)
	}
}

func TestProtocol_BulkReadPacket(t *testing.T) {
	packet := BulkReadPacket([]ReadParam{
		{ID: 1, Address: 132, Length: 4},
		{ID: 2, Address: 126, Length: 2},
	})

	if packet[4] != BroadcastID {
		t.Errorf("not broadcast: got %02X, want %02X", packet[4], BroadcastID)
	}
	if packet[7] != InstBulkRead {
		t.Errorf("wrong instruction: got %02X, want %02X", packet[7], InstBulkRead)
	}

	want := []byte{0x01, 0x84, 0x00, 0x04, 0x00, 0x02, 0x7E, 0x00, 0x02, 0x00}
	if got := packet[8 : 8+len(want)]; !bytes.Equal(got, want) {
		t.Errorf("params: got %X, want %X", got, want)
	}
}

func TestProtocol_BulkWritePacket(t *testing.T) {
	packet := BulkWritePacket([]WriteParam{
		{ID: 0, Address: 30, Data: []byte{0x32, 0x03}},
		{ID: 3, Address: 24, Data: []byte{0x01}},
	})

	if packet[7] != InstBulkWrite {
		t.Errorf("wrong instruction: got %02X, want %02X", packet[7], InstBulkWrite)
	}

	want := []byte{
		0x00, 0x1E, 0x00, 0x02, 0x00, 0x32, 0x03,
		0x03, 0x18, 0x00, 0x01, 0x00, 0x01,
	}
	if got := packet[8 : 8+len(want)]; !bytes.Equal(got, want) {
		t.Errorf("params: got %X, want %X", got, want)
	}
	if got := DecodeWord(packet[5:7]); int(got) != 1+len(want)+2 {
		t.Errorf("length field: got %d, want %d", got, 1+len(want)+2)
	}
}

func TestStatusError(t *testing.T) {
	tests := []struct {
		name     string
		status   StatusError
		hasError bool
		alert    bool
	}{
		{name: "ok", status: 0, hasError: false, alert: false},
		{name: "alert only", status: AlertBit, hasError: false, alert: true},
		{name: "data limit", status: ErrNumDataLimit, hasError: true, alert: false},
		{name: "crc with alert", status: ErrNumCRC | AlertBit, hasError: true, alert: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.status.HasError(); got != tt.hasError {
				t.Errorf("HasError: got %v, want %v", got, tt.hasError)
			}
			if got := tt.status.Alert(); got != tt.alert {
				t.Errorf("Alert: got %v, want %v", got, tt.alert)
			}
		})
	}
}
