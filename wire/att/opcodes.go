package att

// ATT opcodes used by the transfer link (Core Spec v5.3 Vol 3, Part F, 3.4)
const (
	OpErrorResponse = 0x01

	OpExchangeMTURequest  = 0x02
	OpExchangeMTUResponse = 0x03

	// Characteristic discovery
	OpReadByTypeRequest  = 0x08
	OpReadByTypeResponse = 0x09

	// Primary service discovery
	OpReadByGroupTypeRequest  = 0x10
	OpReadByGroupTypeResponse = 0x11

	// CCCD writes
	OpWriteRequest  = 0x12
	OpWriteResponse = 0x13

	OpHandleValueNotification = 0x1B
)

// OpcodeNames maps opcodes to human-readable names for logs
var OpcodeNames = map[uint8]string{
	OpErrorResponse:           "Error Response",
	OpExchangeMTURequest:      "Exchange MTU Request",
	OpExchangeMTUResponse:     "Exchange MTU Response",
	OpReadByTypeRequest:       "Read By Type Request",
	OpReadByTypeResponse:      "Read By Type Response",
	OpReadByGroupTypeRequest:  "Read By Group Type Request",
	OpReadByGroupTypeResponse: "Read By Group Type Response",
	OpWriteRequest:            "Write Request",
	OpWriteResponse:           "Write Response",
	OpHandleValueNotification: "Handle Value Notification",
}

// ResponseOpcode returns the success response for a request opcode, or 0.
func ResponseOpcode(request uint8) uint8 {
	switch request {
	case OpExchangeMTURequest:
		return OpExchangeMTUResponse
	case OpReadByTypeRequest:
		return OpReadByTypeResponse
	case OpReadByGroupTypeRequest:
		return OpReadByGroupTypeResponse
	case OpWriteRequest:
		return OpWriteResponse
	default:
		return 0
	}
}

func IsRequest(op uint8) bool {
	return ResponseOpcode(op) != 0
}

func IsResponse(op uint8) bool {
	switch op {
	case OpErrorResponse, OpExchangeMTUResponse, OpReadByTypeResponse,
		OpReadByGroupTypeResponse, OpWriteResponse:
		return true
	}
	return false
}

// OpcodeOf returns the opcode of a decoded PDU, or 0 for an unknown type.
func OpcodeOf(pkt interface{}) uint8 {
	switch pkt.(type) {
	case *ErrorResponse:
		return OpErrorResponse
	case *ExchangeMTURequest:
		return OpExchangeMTURequest
	case *ExchangeMTUResponse:
		return OpExchangeMTUResponse
	case *ReadByTypeRequest:
		return OpReadByTypeRequest
	case *ReadByTypeResponse:
		return OpReadByTypeResponse
	case *ReadByGroupTypeRequest:
		return OpReadByGroupTypeRequest
	case *ReadByGroupTypeResponse:
		return OpReadByGroupTypeResponse
	case *WriteRequest:
		return OpWriteRequest
	case *WriteResponse:
		return OpWriteResponse
	case *HandleValueNotification:
		return OpHandleValueNotification
	}
	return 0
}
