package gatt

import (
	"encoding/binary"
	"sort"
	"sync"
)

// CCCD values written by clients
const (
	CCCDDisabled             = 0x0000
	CCCDNotificationsEnabled = 0x0001
	CCCDIndicationsEnabled   = 0x0002
)

// CCCDManager tracks which characteristic value handles a single connection
// has enabled notifications for. State is per connection and dropped on
// disconnect.
type CCCDManager struct {
	mu     sync.RWMutex
	notify map[uint16]bool
}

func NewCCCDManager() *CCCDManager {
	return &CCCDManager{notify: make(map[uint16]bool)}
}

// Set applies a CCCD write for valueHandle and reports whether the notify bit changed.
func (cm *CCCDManager) Set(valueHandle uint16, cccdValue []byte) (changed bool, err error) {
	enabled, err := DecodeCCCDValue(cccdValue)
	if err != nil {
		return false, err
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()
	was := cm.notify[valueHandle]
	if enabled {
		cm.notify[valueHandle] = true
	} else {
		delete(cm.notify, valueHandle)
	}
	return was != enabled, nil
}

func (cm *CCCDManager) IsNotifyEnabled(valueHandle uint16) bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.notify[valueHandle]
}

// Subscribed returns the value handles with notifications enabled, ascending.
func (cm *CCCDManager) Subscribed() []uint16 {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	out := make([]uint16, 0, len(cm.notify))
	for h := range cm.notify {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Clear removes all subscriptions (called when the connection closes)
func (cm *CCCDManager) Clear() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.notify = make(map[uint16]bool)
}

func EncodeCCCDValue(notify bool) []byte {
	v := uint16(CCCDDisabled)
	if notify {
		v = CCCDNotificationsEnabled
	}
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, v)
	return b
}

// DecodeCCCDValue reports whether the notify bit is set. Indications are not
// supported by the transfer service and are ignored.
func DecodeCCCDValue(b []byte) (notify bool, err error) {
	if len(b) != 2 {
		return false, ErrInvalidCCCDLength
	}
	return binary.LittleEndian.Uint16(b)&CCCDNotificationsEnabled != 0, nil
}
