package central

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/user/btraced/link"
	"github.com/user/btraced/logger"
	"github.com/user/btraced/util"
	"github.com/user/btraced/wire/att"
	"github.com/user/btraced/wire/gatt"
)

// peerConn is the client side of one GATT connection. Procedures run one at a
// time (procMu) and each ATT request waits on the tracker.
type peerConn struct {
	id      string
	tracker *att.RequestTracker
	procMu  sync.Mutex

	mu        sync.Mutex
	services  map[uuid.UUID]gatt.DiscoveredService
	chars     map[uint16]discoveredChar // value handle -> characteristic
	notifying map[uint16]bool
	cccdWrite *cccdWrite
}

type discoveredChar struct {
	gatt.DiscoveredCharacteristic
	ref link.CharacteristicRef
}

type cccdWrite struct {
	ref     link.CharacteristicRef
	enabled bool
}

func newPeerConn(id string, timeout time.Duration) *peerConn {
	return &peerConn{
		id:        id,
		tracker:   att.NewRequestTracker(timeout),
		services:  make(map[uuid.UUID]gatt.DiscoveredService),
		chars:     make(map[uint16]discoveredChar),
		notifying: make(map[uint16]bool),
	}
}

func (pc *peerConn) takeCCCDWrite() *cccdWrite {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	w := pc.cccdWrite
	pc.cccdWrite = nil
	return w
}

func (pc *peerConn) notifyTarget(handle uint16) (link.CharacteristicRef, bool) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	c, ok := pc.chars[handle]
	return c.ref, ok && pc.notifying[handle]
}

// request sends one ATT request and waits for its response or timeout.
func (m *Manager) request(pc *peerConn, req interface{}, handle uint16) (interface{}, error) {
	respC, err := pc.tracker.StartRequest(att.OpcodeOf(req), handle)
	if err != nil {
		return nil, err
	}
	if err := m.wire.Send(pc.id, req); err != nil {
		pc.tracker.CancelPending()
		<-respC
		return nil, err
	}
	resp := <-respC
	return resp.Packet, resp.Err
}

// DiscoverServices finds every primary service and reports those in services
// (all of them when services is empty).
func (m *Manager) DiscoverServices(peer link.PeerID, services []uuid.UUID) error {
	pc, err := m.conn(peer)
	if err != nil {
		return err
	}
	return m.spawn(func() {
		pc.procMu.Lock()
		defer pc.procMu.Unlock()

		found, err := m.discoverPrimaryServices(pc)
		if !m.live(pc) {
			return
		}
		if err != nil {
			m.emit(link.ServicesDiscovered{Peer: peer, Err: err})
			return
		}

		var matched []uuid.UUID
		pc.mu.Lock()
		for _, svc := range found {
			pc.services[svc.UUID] = svc
			if len(services) == 0 || containsUUID(services, svc.UUID) {
				matched = append(matched, svc.UUID)
			}
		}
		pc.mu.Unlock()
		logger.Debug(m.logPrefix(), "%s has %d services, %d requested", util.ShortHash(pc.id), len(found), len(matched))
		m.emit(link.ServicesDiscovered{Peer: peer, Services: matched})
	})
}

func (m *Manager) discoverPrimaryServices(pc *peerConn) ([]gatt.DiscoveredService, error) {
	var services []gatt.DiscoveredService
	for start := uint16(1); start != 0; {
		resp, err := m.request(pc, gatt.PrimaryServiceRequest(start), start)
		if att.IsATTError(err, att.ErrAttributeNotFound) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("primary service discovery: %w", err)
		}
		r, ok := resp.(*att.ReadByGroupTypeResponse)
		if !ok {
			return nil, fmt.Errorf("primary service discovery: unexpected %T", resp)
		}
		found, err := gatt.ParseServices(r)
		if err != nil {
			return nil, err
		}
		if len(found) == 0 {
			break
		}
		services = append(services, found...)
		// wraps to 0 after the last possible handle
		start = found[len(found)-1].EndHandle + 1
	}
	return services, nil
}

// DiscoverCharacteristics reports the characteristics of a discovered service
// matching characteristics (all of them when empty).
func (m *Manager) DiscoverCharacteristics(peer link.PeerID, service uuid.UUID, characteristics []uuid.UUID) error {
	pc, err := m.conn(peer)
	if err != nil {
		return err
	}
	pc.mu.Lock()
	svc, ok := pc.services[service]
	pc.mu.Unlock()
	if !ok {
		return fmt.Errorf("service %s not discovered on %s", service, peer)
	}

	return m.spawn(func() {
		pc.procMu.Lock()
		defer pc.procMu.Unlock()

		found, err := m.discoverServiceCharacteristics(pc, svc)
		if !m.live(pc) {
			return
		}
		if err != nil {
			m.emit(link.CharacteristicsDiscovered{Peer: peer, Service: service, Err: err})
			return
		}

		var refs []link.CharacteristicRef
		pc.mu.Lock()
		for _, c := range found {
			ref := link.CharacteristicRef{Service: service, UUID: c.UUID, Handle: c.ValueHandle}
			pc.chars[c.ValueHandle] = discoveredChar{DiscoveredCharacteristic: c, ref: ref}
			if len(characteristics) == 0 || containsUUID(characteristics, c.UUID) {
				refs = append(refs, ref)
			}
		}
		pc.mu.Unlock()
		m.emit(link.CharacteristicsDiscovered{Peer: peer, Service: service, Characteristics: refs})
	})
}

func (m *Manager) discoverServiceCharacteristics(pc *peerConn, svc gatt.DiscoveredService) ([]gatt.DiscoveredCharacteristic, error) {
	var chars []gatt.DiscoveredCharacteristic
	for start := svc.StartHandle; start != 0 && start <= svc.EndHandle; {
		resp, err := m.request(pc, gatt.CharacteristicRequest(start, svc.EndHandle), start)
		if att.IsATTError(err, att.ErrAttributeNotFound) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("characteristic discovery: %w", err)
		}
		r, ok := resp.(*att.ReadByTypeResponse)
		if !ok {
			return nil, fmt.Errorf("characteristic discovery: unexpected %T", resp)
		}
		found, err := gatt.ParseCharacteristics(r)
		if err != nil {
			return nil, err
		}
		if len(found) == 0 {
			break
		}
		chars = append(chars, found...)
		start = found[len(found)-1].ValueHandle + 1
	}
	return chars, nil
}

// SetNotify writes the characteristic's CCCD. The result arrives as
// NotifyStateChanged.
func (m *Manager) SetNotify(peer link.PeerID, ch link.CharacteristicRef, enabled bool) error {
	pc, err := m.conn(peer)
	if err != nil {
		return err
	}
	pc.mu.Lock()
	c, ok := pc.chars[ch.Handle]
	pc.mu.Unlock()
	if !ok || c.ref != ch {
		return fmt.Errorf("characteristic %s not discovered on %s", ch, peer)
	}

	return m.spawn(func() {
		pc.procMu.Lock()
		defer pc.procMu.Unlock()

		if !c.CanNotify() {
			m.emit(link.NotifyStateChanged{Peer: peer, Characteristic: ch,
				Err: att.NewError(att.ErrRequestNotSupported, att.OpWriteRequest, c.CCCDHandle())})
			return
		}

		w := &cccdWrite{ref: ch, enabled: enabled}
		pc.mu.Lock()
		pc.cccdWrite = w
		pc.mu.Unlock()

		req := &att.WriteRequest{Handle: c.CCCDHandle(), Value: gatt.EncodeCCCDValue(enabled)}
		_, err := m.request(pc, req, req.Handle)
		// The read loop reports the write when the peer answers; what is left
		// here is a timeout, cancellation or send failure.
		if pending := pc.takeCCCDWrite(); pending != nil && m.live(pc) {
			if err == nil {
				err = fmt.Errorf("CCCD write on %s unanswered", ch)
			}
			m.reportCCCDWrite(pc, pending, err)
		}
	})
}

func (m *Manager) reportCCCDWrite(pc *peerConn, w *cccdWrite, err error) {
	pc.mu.Lock()
	if err == nil {
		pc.notifying[w.ref.Handle] = w.enabled
	}
	notifying := pc.notifying[w.ref.Handle]
	pc.mu.Unlock()

	if err != nil {
		logger.Warn(m.logPrefix(), "CCCD write on %s failed: %v", w.ref, err)
	}
	m.emit(link.NotifyStateChanged{Peer: link.PeerID(pc.id), Characteristic: w.ref, Notifying: notifying, Err: err})
}

func containsUUID(list []uuid.UUID, u uuid.UUID) bool {
	for _, v := range list {
		if v == u {
			return true
		}
	}
	return false
}
