package gatt

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Characteristic Properties (bitmask)
const (
	PropRead                 = 0x02
	PropWriteWithoutResponse = 0x04
	PropWrite                = 0x08
	PropNotify               = 0x10
	PropIndicate             = 0x20
)

// Attribute is a single row of the attribute table
type Attribute struct {
	Handle uint16
	Type   uuid.UUID
	Value  []byte
}

// ServiceRange is one primary service group
type ServiceRange struct {
	UUID        uuid.UUID
	StartHandle uint16
	EndHandle   uint16
}

// CharacteristicHandles are the handles assigned to one characteristic
type CharacteristicHandles struct {
	Declaration uint16
	Value       uint16
	CCCD        uint16 // 0 when the characteristic cannot notify
}

// Database is a server-side attribute table. Handles are assigned in
// insertion order starting at 0x0001.
type Database struct {
	mu       sync.RWMutex
	attrs    []*Attribute // sorted by handle
	services []ServiceRange
	// CCCD handle -> characteristic value handle
	cccdOwner map[uint16]uint16
}

func NewDatabase() *Database {
	return &Database{cccdOwner: make(map[uint16]uint16)}
}

func (db *Database) nextHandle() uint16 {
	return uint16(len(db.attrs) + 1)
}

func (db *Database) add(typ uuid.UUID, value []byte) uint16 {
	h := db.nextHandle()
	db.attrs = append(db.attrs, &Attribute{Handle: h, Type: typ, Value: append([]byte{}, value...)})
	if n := len(db.services); n > 0 {
		db.services[n-1].EndHandle = h
	}
	return h
}

// AddService starts a new primary service group and returns its declaration handle.
func (db *Database) AddService(svc uuid.UUID) uint16 {
	db.mu.Lock()
	defer db.mu.Unlock()
	h := db.nextHandle()
	db.services = append(db.services, ServiceRange{UUID: svc, StartHandle: h, EndHandle: h})
	db.add(UUID16(TypePrimaryService), EncodeUUID(svc))
	return h
}

// AddCharacteristic appends a characteristic to the most recent service. A
// CCCD is added directly after the value for notify/indicate properties.
func (db *Database) AddCharacteristic(ch uuid.UUID, props uint8, value []byte) (CharacteristicHandles, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if len(db.services) == 0 {
		return CharacteristicHandles{}, fmt.Errorf("gatt: characteristic %s added before any service", ch)
	}

	var hs CharacteristicHandles
	encoded := EncodeUUID(ch)
	decl := make([]byte, 3+len(encoded))
	decl[0] = props
	binary.LittleEndian.PutUint16(decl[1:3], db.nextHandle()+1)
	copy(decl[3:], encoded)

	hs.Declaration = db.add(UUID16(TypeCharacteristic), decl)
	hs.Value = db.add(ch, value)
	if props&(PropNotify|PropIndicate) != 0 {
		hs.CCCD = db.add(UUID16(TypeClientCharConfig), []byte{0x00, 0x00})
		db.cccdOwner[hs.CCCD] = hs.Value
	}
	return hs, nil
}

// Attribute returns a copy of the attribute at handle
func (db *Database) Attribute(handle uint16) (Attribute, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if handle == 0 || int(handle) > len(db.attrs) {
		return Attribute{}, false
	}
	a := db.attrs[handle-1]
	return Attribute{Handle: a.Handle, Type: a.Type, Value: append([]byte{}, a.Value...)}, true
}

func (db *Database) SetValue(handle uint16, value []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if handle == 0 || int(handle) > len(db.attrs) {
		return fmt.Errorf("gatt: invalid handle 0x%04X", handle)
	}
	db.attrs[handle-1].Value = append([]byte{}, value...)
	return nil
}

// CCCDOwner returns the value handle configured by the CCCD at handle.
func (db *Database) CCCDOwner(handle uint16) (uint16, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	v, ok := db.cccdOwner[handle]
	return v, ok
}

// Services returns the groups whose declaration handle lies in [start, end].
func (db *Database) Services(start, end uint16) []ServiceRange {
	db.mu.RLock()
	defer db.mu.RUnlock()
	var out []ServiceRange
	for _, s := range db.services {
		if s.StartHandle >= start && s.StartHandle <= end {
			out = append(out, s)
		}
	}
	return out
}

// AttributesByType returns attributes of type t with handles in [start, end].
func (db *Database) AttributesByType(start, end uint16, t uuid.UUID) []Attribute {
	db.mu.RLock()
	defer db.mu.RUnlock()
	var out []Attribute
	i := sort.Search(len(db.attrs), func(i int) bool { return db.attrs[i].Handle >= start })
	for ; i < len(db.attrs) && db.attrs[i].Handle <= end; i++ {
		if a := db.attrs[i]; a.Type == t {
			out = append(out, Attribute{Handle: a.Handle, Type: a.Type, Value: append([]byte{}, a.Value...)})
		}
	}
	return out
}
