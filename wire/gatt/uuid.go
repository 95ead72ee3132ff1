package gatt

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// Well-known 16-bit attribute types
const (
	TypePrimaryService   uint16 = 0x2800
	TypeCharacteristic   uint16 = 0x2803
	TypeClientCharConfig uint16 = 0x2902 // CCCD
)

var bluetoothBase = uuid.MustParse("00000000-0000-1000-8000-00805f9b34fb")

// UUID16 expands a 16-bit SIG UUID onto the Bluetooth base UUID.
func UUID16(v uint16) uuid.UUID {
	u := bluetoothBase
	binary.BigEndian.PutUint16(u[2:4], v)
	return u
}

// Short returns the 16-bit form of u when u sits on the Bluetooth base UUID.
func Short(u uuid.UUID) (uint16, bool) {
	probe := u
	probe[2], probe[3] = 0, 0
	if probe != bluetoothBase {
		return 0, false
	}
	return binary.BigEndian.Uint16(u[2:4]), true
}

// EncodeUUID returns the little-endian over-the-air form: 2 bytes for SIG UUIDs, 16 otherwise.
func EncodeUUID(u uuid.UUID) []byte {
	if v, ok := Short(u); ok {
		b := make([]byte, 2)
		binary.LittleEndian.PutUint16(b, v)
		return b
	}
	b := make([]byte, 16)
	for i := 0; i < 16; i++ {
		b[i] = u[15-i]
	}
	return b
}

func DecodeUUID(b []byte) (uuid.UUID, error) {
	switch len(b) {
	case 2:
		return UUID16(binary.LittleEndian.Uint16(b)), nil
	case 16:
		var u uuid.UUID
		for i := 0; i < 16; i++ {
			u[i] = b[15-i]
		}
		return u, nil
	default:
		return uuid.Nil, fmt.Errorf("gatt: invalid UUID length %d", len(b))
	}
}

// IsType reports whether an encoded attribute type equals the 16-bit type t.
func IsType(encoded []byte, t uint16) bool {
	u, err := DecodeUUID(encoded)
	return err == nil && u == UUID16(t)
}
