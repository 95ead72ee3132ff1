package gatt

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	"github.com/user/btraced/wire/att"
)

// DiscoveredService is a primary service found by a client
type DiscoveredService struct {
	UUID        uuid.UUID
	StartHandle uint16
	EndHandle   uint16
}

// DiscoveredCharacteristic is a characteristic declaration found by a client
type DiscoveredCharacteristic struct {
	UUID              uuid.UUID
	Properties        uint8
	DeclarationHandle uint16
	ValueHandle       uint16
}

// CCCDHandle is where the client writes to enable notifications. This stack
// always places the CCCD directly after the value.
func (c DiscoveredCharacteristic) CCCDHandle() uint16 {
	return c.ValueHandle + 1
}

func (c DiscoveredCharacteristic) CanNotify() bool {
	return c.Properties&PropNotify != 0
}

// PrimaryServiceRequest asks for primary services from start onward.
func PrimaryServiceRequest(start uint16) *att.ReadByGroupTypeRequest {
	return &att.ReadByGroupTypeRequest{StartHandle: start, EndHandle: 0xFFFF, Type: EncodeUUID(UUID16(TypePrimaryService))}
}

// CharacteristicRequest asks for characteristic declarations in [start, end].
func CharacteristicRequest(start, end uint16) *att.ReadByTypeRequest {
	return &att.ReadByTypeRequest{StartHandle: start, EndHandle: end, Type: EncodeUUID(UUID16(TypeCharacteristic))}
}

// ParseServices decodes a Read By Group Type Response.
// Each entry: [StartHandle: 2][EndHandle: 2][UUID: 2 or 16]
func ParseServices(resp *att.ReadByGroupTypeResponse) ([]DiscoveredService, error) {
	length := int(resp.Length)
	if length != 6 && length != 20 {
		return nil, fmt.Errorf("gatt: invalid service entry length %d", length)
	}
	if len(resp.AttributeData)%length != 0 {
		return nil, fmt.Errorf("gatt: incomplete service data, %d bytes over", len(resp.AttributeData)%length)
	}

	var services []DiscoveredService
	for data := resp.AttributeData; len(data) > 0; data = data[length:] {
		u, err := DecodeUUID(data[4:length])
		if err != nil {
			return nil, err
		}
		services = append(services, DiscoveredService{
			UUID:        u,
			StartHandle: binary.LittleEndian.Uint16(data[0:2]),
			EndHandle:   binary.LittleEndian.Uint16(data[2:4]),
		})
	}
	return services, nil
}

// ParseCharacteristics decodes a Read By Type Response for type 0x2803.
// Each entry: [Handle: 2][Properties: 1][ValueHandle: 2][UUID: 2 or 16]
func ParseCharacteristics(resp *att.ReadByTypeResponse) ([]DiscoveredCharacteristic, error) {
	length := int(resp.Length)
	if length != 7 && length != 21 {
		return nil, fmt.Errorf("gatt: invalid characteristic entry length %d", length)
	}
	if len(resp.AttributeData)%length != 0 {
		return nil, fmt.Errorf("gatt: incomplete characteristic data, %d bytes over", len(resp.AttributeData)%length)
	}

	var chars []DiscoveredCharacteristic
	for data := resp.AttributeData; len(data) > 0; data = data[length:] {
		u, err := DecodeUUID(data[5:length])
		if err != nil {
			return nil, err
		}
		chars = append(chars, DiscoveredCharacteristic{
			UUID:              u,
			Properties:        data[2],
			DeclarationHandle: binary.LittleEndian.Uint16(data[0:2]),
			ValueHandle:       binary.LittleEndian.Uint16(data[3:5]),
		})
	}
	return chars, nil
}
