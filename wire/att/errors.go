package att

import (
	"errors"
	"fmt"
)

// ATT error codes (Core Spec v5.3 Vol 3, Part F, 3.4.1.1)
const (
	ErrInvalidHandle               = 0x01
	ErrReadNotPermitted            = 0x02
	ErrWriteNotPermitted           = 0x03
	ErrInvalidPDU                  = 0x04
	ErrInsufficientAuthentication  = 0x05
	ErrRequestNotSupported         = 0x06
	ErrAttributeNotFound           = 0x0A
	ErrInvalidAttributeValueLength = 0x0D
	ErrUnlikelyError               = 0x0E
	ErrUnsupportedGroupType        = 0x10

	ErrCCCDImproperlyConfigured = 0xFD
)

var ErrorNames = map[uint8]string{
	ErrInvalidHandle:               "Invalid Handle",
	ErrReadNotPermitted:            "Read Not Permitted",
	ErrWriteNotPermitted:           "Write Not Permitted",
	ErrInvalidPDU:                  "Invalid PDU",
	ErrInsufficientAuthentication:  "Insufficient Authentication",
	ErrRequestNotSupported:         "Request Not Supported",
	ErrAttributeNotFound:           "Attribute Not Found",
	ErrInvalidAttributeValueLength: "Invalid Attribute Value Length",
	ErrUnlikelyError:               "Unlikely Error",
	ErrUnsupportedGroupType:        "Unsupported Group Type",
	ErrCCCDImproperlyConfigured:    "CCCD Improperly Configured",
}

// Error is an Error Response received from (or sent to) the peer.
type Error struct {
	Code          uint8
	RequestOpcode uint8
	Handle        uint16
}

func (e *Error) Error() string {
	name, ok := ErrorNames[e.Code]
	if !ok {
		name = fmt.Sprintf("Unknown Error (0x%02X)", e.Code)
	}
	opcodeName, ok := OpcodeNames[e.RequestOpcode]
	if !ok {
		opcodeName = fmt.Sprintf("0x%02X", e.RequestOpcode)
	}
	return fmt.Sprintf("ATT Error: %s (handle 0x%04X, request %s)", name, e.Handle, opcodeName)
}

func NewError(code uint8, requestOpcode uint8, handle uint16) *Error {
	return &Error{Code: code, RequestOpcode: requestOpcode, Handle: handle}
}

// IsATTError reports whether err wraps an ATT error with the given code.
func IsATTError(err error, code uint8) bool {
	var attErr *Error
	return errors.As(err, &attErr) && attErr.Code == code
}
