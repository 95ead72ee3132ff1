package att

import (
	"encoding/binary"
	"fmt"
)

type ErrorResponse struct {
	RequestOpcode uint8
	Handle        uint16
	ErrorCode     uint8
}

// Err converts the response to an error value
func (r *ErrorResponse) Err() *Error {
	return NewError(r.ErrorCode, r.RequestOpcode, r.Handle)
}

type ExchangeMTURequest struct {
	ClientRxMTU uint16
}

type ExchangeMTUResponse struct {
	ServerRxMTU uint16
}

// ReadByTypeRequest is used for characteristic discovery with Type 0x2803.
type ReadByTypeRequest struct {
	StartHandle uint16
	EndHandle   uint16
	Type        []byte // 2 or 16 byte UUID, little-endian
}

type ReadByTypeResponse struct {
	Length        uint8  // size of each entry
	AttributeData []byte // Length-sized (Handle, Value) entries
}

// ReadByGroupTypeRequest is used for primary service discovery with Type 0x2800.
type ReadByGroupTypeRequest struct {
	StartHandle uint16
	EndHandle   uint16
	Type        []byte
}

type ReadByGroupTypeResponse struct {
	Length        uint8  // size of each entry
	AttributeData []byte // Length-sized (Handle, EndGroupHandle, Value) entries
}

type WriteRequest struct {
	Handle uint16
	Value  []byte
}

type WriteResponse struct{}

type HandleValueNotification struct {
	Handle uint16
	Value  []byte
}

// EncodePacket encodes an ATT PDU
func EncodePacket(pkt interface{}) ([]byte, error) {
	switch p := pkt.(type) {
	case *ErrorResponse:
		buf := make([]byte, 5)
		buf[0] = OpErrorResponse
		buf[1] = p.RequestOpcode
		binary.LittleEndian.PutUint16(buf[2:4], p.Handle)
		buf[4] = p.ErrorCode
		return buf, nil

	case *ExchangeMTURequest:
		buf := make([]byte, 3)
		buf[0] = OpExchangeMTURequest
		binary.LittleEndian.PutUint16(buf[1:3], p.ClientRxMTU)
		return buf, nil

	case *ExchangeMTUResponse:
		buf := make([]byte, 3)
		buf[0] = OpExchangeMTUResponse
		binary.LittleEndian.PutUint16(buf[1:3], p.ServerRxMTU)
		return buf, nil

	case *ReadByTypeRequest:
		return encodeRange(OpReadByTypeRequest, p.StartHandle, p.EndHandle, p.Type), nil

	case *ReadByTypeResponse:
		return encodeList(OpReadByTypeResponse, p.Length, p.AttributeData), nil

	case *ReadByGroupTypeRequest:
		return encodeRange(OpReadByGroupTypeRequest, p.StartHandle, p.EndHandle, p.Type), nil

	case *ReadByGroupTypeResponse:
		return encodeList(OpReadByGroupTypeResponse, p.Length, p.AttributeData), nil

	case *WriteRequest:
		return encodeHandleValue(OpWriteRequest, p.Handle, p.Value), nil

	case *WriteResponse:
		return []byte{OpWriteResponse}, nil

	case *HandleValueNotification:
		return encodeHandleValue(OpHandleValueNotification, p.Handle, p.Value), nil

	default:
		return nil, fmt.Errorf("att: unknown packet type %T", pkt)
	}
}

func encodeRange(op uint8, start, end uint16, typ []byte) []byte {
	buf := make([]byte, 5+len(typ))
	buf[0] = op
	binary.LittleEndian.PutUint16(buf[1:3], start)
	binary.LittleEndian.PutUint16(buf[3:5], end)
	copy(buf[5:], typ)
	return buf
}

func encodeList(op, length uint8, data []byte) []byte {
	buf := make([]byte, 2+len(data))
	buf[0] = op
	buf[1] = length
	copy(buf[2:], data)
	return buf
}

func encodeHandleValue(op uint8, handle uint16, value []byte) []byte {
	buf := make([]byte, 3+len(value))
	buf[0] = op
	binary.LittleEndian.PutUint16(buf[1:3], handle)
	copy(buf[3:], value)
	return buf
}

// DecodePacket decodes an ATT PDU into one of the packet structs above
func DecodePacket(data []byte) (interface{}, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("att: packet too short (need at least 1 byte)")
	}

	switch opcode := data[0]; opcode {
	case OpErrorResponse:
		if len(data) < 5 {
			return nil, fmt.Errorf("att: ErrorResponse too short")
		}
		return &ErrorResponse{
			RequestOpcode: data[1],
			Handle:        binary.LittleEndian.Uint16(data[2:4]),
			ErrorCode:     data[4],
		}, nil

	case OpExchangeMTURequest:
		if len(data) < 3 {
			return nil, fmt.Errorf("att: ExchangeMTURequest too short")
		}
		return &ExchangeMTURequest{ClientRxMTU: binary.LittleEndian.Uint16(data[1:3])}, nil

	case OpExchangeMTUResponse:
		if len(data) < 3 {
			return nil, fmt.Errorf("att: ExchangeMTUResponse too short")
		}
		return &ExchangeMTUResponse{ServerRxMTU: binary.LittleEndian.Uint16(data[1:3])}, nil

	case OpReadByTypeRequest, OpReadByGroupTypeRequest:
		if len(data) != 7 && len(data) != 21 { // 2 or 16 byte type
			return nil, fmt.Errorf("att: %s has invalid length %d", OpcodeNames[opcode], len(data))
		}
		start := binary.LittleEndian.Uint16(data[1:3])
		end := binary.LittleEndian.Uint16(data[3:5])
		typ := append([]byte{}, data[5:]...)
		if opcode == OpReadByTypeRequest {
			return &ReadByTypeRequest{StartHandle: start, EndHandle: end, Type: typ}, nil
		}
		return &ReadByGroupTypeRequest{StartHandle: start, EndHandle: end, Type: typ}, nil

	case OpReadByTypeResponse, OpReadByGroupTypeResponse:
		if len(data) < 2 {
			return nil, fmt.Errorf("att: %s too short", OpcodeNames[opcode])
		}
		attrData := append([]byte{}, data[2:]...)
		if opcode == OpReadByTypeResponse {
			return &ReadByTypeResponse{Length: data[1], AttributeData: attrData}, nil
		}
		return &ReadByGroupTypeResponse{Length: data[1], AttributeData: attrData}, nil

	case OpWriteRequest:
		if len(data) < 3 {
			return nil, fmt.Errorf("att: WriteRequest too short")
		}
		return &WriteRequest{
			Handle: binary.LittleEndian.Uint16(data[1:3]),
			Value:  append([]byte{}, data[3:]...),
		}, nil

	case OpWriteResponse:
		return &WriteResponse{}, nil

	case OpHandleValueNotification:
		if len(data) < 3 {
			return nil, fmt.Errorf("att: HandleValueNotification too short")
		}
		return &HandleValueNotification{
			Handle: binary.LittleEndian.Uint16(data[1:3]),
			Value:  append([]byte{}, data[3:]...),
		}, nil

	default:
		return nil, fmt.Errorf("att: unknown opcode 0x%02X", opcode)
	}
}
