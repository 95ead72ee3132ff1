package link

import (
	"time"

	"github.com/google/uuid"
)

// Event is one transport notification fed to Machine.Handle.
type Event interface {
	event()
}

// PowerStateChanged reports whether the radio is ready to operate.
type PowerStateChanged struct {
	PoweredOn bool
	State     string // transport-specific state name, for logs
}

// AdvertisementSeen is one scan result.
type AdvertisementSeen struct {
	Peer     PeerID
	Name     string
	RSSI     int
	Metadata map[string]interface{}
}

type Connected struct {
	Peer PeerID
}

type ConnectFailed struct {
	Peer PeerID
	Err  error
}

type Disconnected struct {
	Peer PeerID
	Err  error // nil for a clean disconnect
}

type ServicesDiscovered struct {
	Peer     PeerID
	Services []uuid.UUID
	Err      error
}

type CharacteristicsDiscovered struct {
	Peer            PeerID
	Service         uuid.UUID
	Characteristics []CharacteristicRef
	Err             error
}

type NotifyStateChanged struct {
	Peer           PeerID
	Characteristic CharacteristicRef
	Notifying      bool
	Err            error
}

type ValueUpdated struct {
	Peer           PeerID
	Characteristic CharacteristicRef
	Value          []byte
	Err            error
}

// Timeout expires the state entered at Epoch. Run generates these; a timeout
// whose epoch is no longer current is ignored.
type Timeout struct {
	Peer    PeerID
	State   State
	Epoch   uint64
	Elapsed time.Duration
}

func (PowerStateChanged) event()         {}
func (AdvertisementSeen) event()         {}
func (Connected) event()                 {}
func (ConnectFailed) event()             {}
func (Disconnected) event()              {}
func (ServicesDiscovered) event()        {}
func (CharacteristicsDiscovered) event() {}
func (NotifyStateChanged) event()        {}
func (ValueUpdated) event()              {}
func (Timeout) event()                   {}
