package gatt

import (
	"encoding/binary"
	"errors"

	"github.com/user/btraced/wire/att"
	"github.com/user/btraced/wire/l2cap"
)

var ErrInvalidCCCDLength = errors.New("gatt: CCCD value must be 2 bytes")

// SubscriptionChange reports a CCCD write that flipped the notify bit.
type SubscriptionChange struct {
	ValueHandle uint16
	Notify      bool
}

// Server answers discovery and CCCD requests for one connection.
type Server struct {
	db   *Database
	cccd *CCCDManager
	mtu  int
}

func NewServer(db *Database) *Server {
	return &Server{db: db, cccd: NewCCCDManager(), mtu: l2cap.DefaultMTU}
}

func (s *Server) Subscriptions() *CCCDManager { return s.cccd }

// HandleRequest returns the response PDU for req. change is non-nil when a
// CCCD write enabled or disabled notifications.
func (s *Server) HandleRequest(req interface{}) (resp interface{}, change *SubscriptionChange) {
	switch r := req.(type) {
	case *att.ExchangeMTURequest:
		// the simulated bearer keeps the default MTU
		return &att.ExchangeMTUResponse{ServerRxMTU: uint16(s.mtu)}, nil
	case *att.ReadByGroupTypeRequest:
		return s.readByGroupType(r), nil
	case *att.ReadByTypeRequest:
		return s.readByType(r), nil
	case *att.WriteRequest:
		return s.write(r)
	default:
		return errorResponse(att.OpcodeOf(req), 0x0000, att.ErrRequestNotSupported), nil
	}
}

func errorResponse(op uint8, handle uint16, code uint8) *att.ErrorResponse {
	return &att.ErrorResponse{RequestOpcode: op, Handle: handle, ErrorCode: code}
}

func validRange(start, end uint16) bool {
	return start != 0 && start <= end
}

func (s *Server) readByGroupType(r *att.ReadByGroupTypeRequest) interface{} {
	if !validRange(r.StartHandle, r.EndHandle) {
		return errorResponse(att.OpReadByGroupTypeRequest, r.StartHandle, att.ErrInvalidHandle)
	}
	if !IsType(r.Type, TypePrimaryService) {
		return errorResponse(att.OpReadByGroupTypeRequest, r.StartHandle, att.ErrUnsupportedGroupType)
	}

	services := s.db.Services(r.StartHandle, r.EndHandle)
	if len(services) == 0 {
		return errorResponse(att.OpReadByGroupTypeRequest, r.StartHandle, att.ErrAttributeNotFound)
	}

	// every entry in one response has the same length
	entryLen := 4 + len(EncodeUUID(services[0].UUID))
	maxEntries := (s.mtu - 2) / entryLen
	var data []byte
	for _, svc := range services {
		u := EncodeUUID(svc.UUID)
		if 4+len(u) != entryLen || len(data)/entryLen == maxEntries {
			break
		}
		entry := make([]byte, entryLen)
		binary.LittleEndian.PutUint16(entry[0:2], svc.StartHandle)
		binary.LittleEndian.PutUint16(entry[2:4], svc.EndHandle)
		copy(entry[4:], u)
		data = append(data, entry...)
	}
	return &att.ReadByGroupTypeResponse{Length: uint8(entryLen), AttributeData: data}
}

func (s *Server) readByType(r *att.ReadByTypeRequest) interface{} {
	if !validRange(r.StartHandle, r.EndHandle) {
		return errorResponse(att.OpReadByTypeRequest, r.StartHandle, att.ErrInvalidHandle)
	}
	typ, err := DecodeUUID(r.Type)
	if err != nil {
		return errorResponse(att.OpReadByTypeRequest, r.StartHandle, att.ErrInvalidPDU)
	}

	attrs := s.db.AttributesByType(r.StartHandle, r.EndHandle, typ)
	if len(attrs) == 0 {
		return errorResponse(att.OpReadByTypeRequest, r.StartHandle, att.ErrAttributeNotFound)
	}

	entryLen := 2 + len(attrs[0].Value)
	if entryLen > s.mtu-2 {
		entryLen = s.mtu - 2
	}
	maxEntries := (s.mtu - 2) / entryLen
	var data []byte
	for _, a := range attrs {
		if 2+len(a.Value) != entryLen || len(data)/entryLen == maxEntries {
			break
		}
		entry := make([]byte, entryLen)
		binary.LittleEndian.PutUint16(entry[0:2], a.Handle)
		copy(entry[2:], a.Value)
		data = append(data, entry...)
	}
	if len(data) == 0 {
		// first value longer than the MTU allows; send it truncated
		a := attrs[0]
		data = make([]byte, entryLen)
		binary.LittleEndian.PutUint16(data[0:2], a.Handle)
		copy(data[2:], a.Value)
	}
	return &att.ReadByTypeResponse{Length: uint8(entryLen), AttributeData: data}
}

func (s *Server) write(r *att.WriteRequest) (interface{}, *SubscriptionChange) {
	if _, ok := s.db.Attribute(r.Handle); !ok {
		return errorResponse(att.OpWriteRequest, r.Handle, att.ErrInvalidHandle), nil
	}
	valueHandle, ok := s.db.CCCDOwner(r.Handle)
	if !ok {
		return errorResponse(att.OpWriteRequest, r.Handle, att.ErrWriteNotPermitted), nil
	}

	changed, err := s.cccd.Set(valueHandle, r.Value)
	if err != nil {
		return errorResponse(att.OpWriteRequest, r.Handle, att.ErrInvalidAttributeValueLength), nil
	}
	s.db.SetValue(r.Handle, r.Value)

	if !changed {
		return &att.WriteResponse{}, nil
	}
	return &att.WriteResponse{}, &SubscriptionChange{
		ValueHandle: valueHandle,
		Notify:      s.cccd.IsNotifyEnabled(valueHandle),
	}
}
