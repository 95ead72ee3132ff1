package link

import (
	"fmt"

	"github.com/google/uuid"
)

// PeerID is the transport's stable identifier for a remote peripheral.
type PeerID string

// Peer is the single tracked candidate.
type Peer struct {
	ID   PeerID
	Name string
	RSSI int
}

// CharacteristicRef names one discovered characteristic. Handle is assigned by
// the transport and tells apart characteristics sharing a UUID.
type CharacteristicRef struct {
	Service uuid.UUID
	UUID    uuid.UUID
	Handle  uint16
}

func (c CharacteristicRef) String() string {
	return fmt.Sprintf("%s/%s@0x%04X", c.Service, c.UUID, c.Handle)
}

// Transport is the radio command surface. Every command is fire-and-forget:
// results arrive later as events. A returned error means the command could not
// be issued at all.
type Transport interface {
	StartScan(services []uuid.UUID, allowDuplicates bool) error
	StopScan() error
	Connect(peer PeerID) error
	Disconnect(peer PeerID) error
	DiscoverServices(peer PeerID, services []uuid.UUID) error
	DiscoverCharacteristics(peer PeerID, service uuid.UUID, characteristics []uuid.UUID) error
	SetNotify(peer PeerID, ch CharacteristicRef, enabled bool) error
}

// Sink displays log lines and completed messages.
type Sink interface {
	LogLine(text string)
	DeliverMessage(msg []byte)
}
