package l2cap

import (
	"encoding/binary"
	"fmt"
	"io"
)

// L2CAP Channel IDs
const (
	ChannelSignaling uint16 = 0x0001 // ACL-U signaling
	ChannelATT       uint16 = 0x0004 // Attribute Protocol
	ChannelLESignal  uint16 = 0x0005 // LE L2CAP Signaling
)

const (
	DefaultMTU     = 23 // Default ATT MTU
	HeaderLen      = 4  // Length (2 bytes) + Channel ID (2 bytes)
	MaxPayloadSize = 0xFFFF
)

// Packet is one basic L2CAP frame.
// Format: [Length: 2 bytes LE] [Channel ID: 2 bytes LE] [Payload: Length bytes]
type Packet struct {
	ChannelID uint16
	Payload   []byte
}

// Encode serializes the packet. The length field is always derived from the payload.
func (p *Packet) Encode() []byte {
	buf := make([]byte, HeaderLen+len(p.Payload))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(p.Payload)))
	binary.LittleEndian.PutUint16(buf[2:4], p.ChannelID)
	copy(buf[HeaderLen:], p.Payload)
	return buf
}

// Decode parses one complete frame. Trailing bytes past the claimed length are ignored.
func Decode(data []byte) (*Packet, error) {
	if len(data) < HeaderLen {
		return nil, fmt.Errorf("l2cap: packet too short (need at least %d bytes, got %d)", HeaderLen, len(data))
	}
	length := int(binary.LittleEndian.Uint16(data[0:2]))
	if len(data) < HeaderLen+length {
		return nil, fmt.Errorf("l2cap: incomplete packet (claimed length %d, got %d)", length, len(data)-HeaderLen)
	}
	payload := make([]byte, length)
	copy(payload, data[HeaderLen:HeaderLen+length])
	return &Packet{
		ChannelID: binary.LittleEndian.Uint16(data[2:4]),
		Payload:   payload,
	}, nil
}

// ReadPacket reads exactly one frame from a byte stream.
func ReadPacket(r io.Reader) (*Packet, error) {
	var hdr [HeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	length := binary.LittleEndian.Uint16(hdr[0:2])
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("l2cap: reading %d byte payload: %w", length, err)
	}
	return &Packet{
		ChannelID: binary.LittleEndian.Uint16(hdr[2:4]),
		Payload:   payload,
	}, nil
}

// WritePacket writes p as a single frame.
func WritePacket(w io.Writer, p *Packet) error {
	if len(p.Payload) > MaxPayloadSize {
		return fmt.Errorf("l2cap: payload too large (%d bytes)", len(p.Payload))
	}
	_, err := w.Write(p.Encode())
	return err
}

// NewATTPacket wraps an ATT PDU for the ATT channel.
func NewATTPacket(payload []byte) *Packet {
	return &Packet{ChannelID: ChannelATT, Payload: payload}
}
