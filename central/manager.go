package central

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/user/btraced/link"
	"github.com/user/btraced/logger"
	"github.com/user/btraced/util"
	"github.com/user/btraced/wire"
	"github.com/user/btraced/wire/att"
)

const (
	DefaultEventBuffer    = 64
	DefaultRequestTimeout = 5 * time.Second
)

// Advertisement metadata keys, named after their CoreBluetooth counterparts
const (
	AdvLocalName     = "kCBAdvDataLocalName"
	AdvServiceUUIDs  = "kCBAdvDataServiceUUIDs"
	AdvTxPowerLevel  = "kCBAdvDataTxPowerLevel"
	AdvIsConnectable = "kCBAdvDataIsConnectable"
)

var ErrClosed = errors.New("central: manager closed")

// Manager is a link.Transport over the simulated radio. Command results are
// delivered on Events.
type Manager struct {
	wire           *wire.Wire
	events         chan link.Event
	done           chan struct{}
	requestTimeout time.Duration

	mu          sync.Mutex
	closed      bool
	scanning    bool
	scanSession uint64
	stopScan    func()
	filter      []uuid.UUID
	allowDup    bool
	seen        map[string]bool

	conns      map[string]*peerConn
	connecting map[string]*pendingConnect

	wg sync.WaitGroup
}

type pendingConnect struct {
	cancelled bool
}

// NewManager creates a central for device id. A nil sim uses the wire defaults.
func NewManager(id string, sim *wire.SimulationConfig) (*Manager, error) {
	w, err := wire.NewWire(id, sim)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		wire:           w,
		events:         make(chan link.Event, DefaultEventBuffer),
		done:           make(chan struct{}),
		requestTimeout: DefaultRequestTimeout,
		seen:           make(map[string]bool),
		conns:          make(map[string]*peerConn),
		connecting:     make(map[string]*pendingConnect),
	}
	w.SetConnectCallback(m.onConnect)
	w.SetDisconnectCallback(m.onDisconnect)
	w.SetPacketHandler(m.onPacket)
	return m, nil
}

// SetRequestTimeout bounds every ATT request. Call before Start.
func (m *Manager) SetRequestTimeout(d time.Duration) {
	if d > 0 {
		m.requestTimeout = d
	}
}

func (m *Manager) ID() string { return m.wire.ID() }

func (m *Manager) Events() <-chan link.Event { return m.events }

func (m *Manager) logPrefix() string { return util.ShortHash(m.wire.ID()) + " Central" }

// Start brings the radio up and reports it powered on.
func (m *Manager) Start() error {
	if err := m.wire.Start(); err != nil {
		return err
	}
	m.emit(link.PowerStateChanged{PoweredOn: true, State: "poweredOn"})
	return nil
}

// Close stops scanning, drops every connection and closes Events.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	stop := m.stopScan
	m.stopScan = nil
	m.scanning = false
	m.mu.Unlock()

	close(m.done)
	if stop != nil {
		stop()
	}
	m.wire.Stop()
	m.wg.Wait()
	close(m.events)
}

// emit blocks until the event is queued or the manager closes
func (m *Manager) emit(ev link.Event) {
	select {
	case m.events <- ev:
	case <-m.done:
	}
}

// offer drops the event when the queue is full; used for advertisements,
// which repeat anyway.
func (m *Manager) offer(ev link.Event) {
	select {
	case m.events <- ev:
	default:
		logger.Debug(m.logPrefix(), "event queue full, dropping %T", ev)
	}
}

// spawn runs fn as a tracked goroutine unless the manager is closed
func (m *Manager) spawn(fn func()) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn()
	}()
	return nil
}

func (m *Manager) StartScan(services []uuid.UUID, allowDuplicates bool) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	old := m.stopScan
	m.stopScan = nil
	m.scanSession++
	session := m.scanSession
	m.scanning = true
	m.filter = append([]uuid.UUID(nil), services...)
	m.allowDup = allowDuplicates
	m.seen = make(map[string]bool)
	m.mu.Unlock()

	if old != nil {
		old()
	}

	stop := m.wire.StartDiscovery(func(adv wire.Advertisement) {
		m.onAdvertisement(session, adv)
	})

	m.mu.Lock()
	if m.closed || m.scanSession != session {
		m.mu.Unlock()
		stop()
		return nil
	}
	m.stopScan = stop
	m.mu.Unlock()
	logger.Debug(m.logPrefix(), "scan started (services %v, duplicates %v)", services, allowDuplicates)
	return nil
}

func (m *Manager) StopScan() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	stop := m.stopScan
	m.stopScan = nil
	m.scanning = false
	m.scanSession++
	m.mu.Unlock()

	if stop != nil {
		stop()
	}
	logger.Debug(m.logPrefix(), "scan stopped")
	return nil
}

func (m *Manager) onAdvertisement(session uint64, adv wire.Advertisement) {
	m.mu.Lock()
	if !m.scanning || session != m.scanSession {
		m.mu.Unlock()
		return
	}
	if !advertisesAny(adv.Data, m.filter) {
		m.mu.Unlock()
		return
	}
	if !m.allowDup {
		if m.seen[adv.DeviceID] {
			m.mu.Unlock()
			return
		}
		m.seen[adv.DeviceID] = true
	}
	m.mu.Unlock()

	m.offer(link.AdvertisementSeen{
		Peer:     link.PeerID(adv.DeviceID),
		Name:     adv.Data.DeviceName,
		RSSI:     adv.RSSI,
		Metadata: advertisementMetadata(adv.Data),
	})
}

// forget lets a peer be reported again in the current scan session
func (m *Manager) forget(peer string) {
	m.mu.Lock()
	delete(m.seen, peer)
	m.mu.Unlock()
}

func advertisesAny(data *wire.AdvertisingData, filter []uuid.UUID) bool {
	if len(filter) == 0 {
		return true
	}
	for _, s := range data.ServiceUUIDs {
		u, err := uuid.Parse(s)
		if err != nil {
			continue
		}
		for _, f := range filter {
			if u == f {
				return true
			}
		}
	}
	return false
}

func advertisementMetadata(data *wire.AdvertisingData) map[string]interface{} {
	md := map[string]interface{}{AdvIsConnectable: data.IsConnectable}
	if data.DeviceName != "" {
		md[AdvLocalName] = data.DeviceName
	}
	if len(data.ServiceUUIDs) > 0 {
		md[AdvServiceUUIDs] = data.ServiceUUIDs
	}
	if data.TxPowerLevel != nil {
		md[AdvTxPowerLevel] = *data.TxPowerLevel
	}
	return md
}

func (m *Manager) Connect(peer link.PeerID) error {
	id := string(peer)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if _, ok := m.conns[id]; ok {
		m.mu.Unlock()
		return fmt.Errorf("%w to %s", wire.ErrAlreadyConnected, peer)
	}
	if _, ok := m.connecting[id]; ok {
		m.mu.Unlock()
		return fmt.Errorf("connect to %s already in progress", peer)
	}
	pending := &pendingConnect{}
	m.connecting[id] = pending
	m.mu.Unlock()

	err := m.spawn(func() {
		err := m.wire.Connect(id)

		m.mu.Lock()
		delete(m.connecting, id)
		cancelled := pending.cancelled
		_, live := m.conns[id]
		m.mu.Unlock()

		switch {
		case err != nil:
			logger.Debug(m.logPrefix(), "connect to %s failed: %v", util.ShortHash(id), err)
			m.forget(id)
			if !cancelled {
				m.emit(link.ConnectFailed{Peer: peer, Err: err})
			}
		case cancelled:
			m.wire.Disconnect(id)
		case live:
			m.emit(link.Connected{Peer: peer})
		}
	})
	if err != nil {
		m.mu.Lock()
		delete(m.connecting, id)
		m.mu.Unlock()
	}
	return err
}

// Disconnect closes the link, or cancels a connect still in progress.
func (m *Manager) Disconnect(peer link.PeerID) error {
	id := string(peer)
	m.mu.Lock()
	if p, ok := m.connecting[id]; ok {
		p.cancelled = true
		m.mu.Unlock()
		logger.Debug(m.logPrefix(), "cancelling connect to %s", util.ShortHash(id))
		return nil
	}
	m.mu.Unlock()
	return m.wire.Disconnect(id)
}

func (m *Manager) onConnect(peerID string, role wire.ConnectionRole) {
	if role != wire.RoleCentral {
		logger.Warn(m.logPrefix(), "rejecting inbound connection from %s", util.ShortHash(peerID))
		m.wire.Disconnect(peerID)
		return
	}
	pc := newPeerConn(peerID, m.requestTimeout)
	m.mu.Lock()
	m.conns[peerID] = pc
	m.mu.Unlock()
}

func (m *Manager) onDisconnect(peerID string, err error) {
	m.mu.Lock()
	pc, ok := m.conns[peerID]
	if ok {
		delete(m.conns, peerID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	pc.tracker.CancelPending()
	m.forget(peerID)
	m.emit(link.Disconnected{Peer: link.PeerID(peerID), Err: err})
}

func (m *Manager) conn(peer link.PeerID) (*peerConn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	pc, ok := m.conns[string(peer)]
	if !ok {
		return nil, fmt.Errorf("%w to %s", wire.ErrNotConnected, peer)
	}
	return pc, nil
}

// live reports whether pc is still the connection for its peer
func (m *Manager) live(pc *peerConn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conns[pc.id] == pc
}

func (m *Manager) onPacket(peerID string, pkt interface{}) {
	m.mu.Lock()
	pc, ok := m.conns[peerID]
	m.mu.Unlock()
	if !ok {
		return
	}

	op := att.OpcodeOf(pkt)
	switch {
	case op == att.OpHandleValueNotification:
		m.onNotification(pc, pkt.(*att.HandleValueNotification))

	case att.IsResponse(op):
		// CCCD results are reported here, ahead of any notification that
		// follows on the same link.
		if w := pc.takeCCCDWrite(); w != nil {
			m.reportCCCDWrite(pc, w, responseErr(pkt))
		}
		if err := pc.tracker.CompleteRequest(op, pkt); err != nil {
			logger.Warn(m.logPrefix(), "%s from %s: %v", att.OpcodeNames[op], util.ShortHash(peerID), err)
		}

	case att.IsRequest(op):
		// no GATT server on this side
		resp := &att.ErrorResponse{RequestOpcode: op, ErrorCode: att.ErrRequestNotSupported}
		if err := m.wire.Send(peerID, resp); err != nil {
			logger.Warn(m.logPrefix(), "failed to reject %s: %v", att.OpcodeNames[op], err)
		}

	default:
		logger.Debug(m.logPrefix(), "ignoring %T from %s", pkt, util.ShortHash(peerID))
	}
}

func responseErr(pkt interface{}) error {
	if e, ok := pkt.(*att.ErrorResponse); ok {
		return e.Err()
	}
	return nil
}

func (m *Manager) onNotification(pc *peerConn, n *att.HandleValueNotification) {
	ref, notifying := pc.notifyTarget(n.Handle)
	if !notifying {
		logger.Debug(m.logPrefix(), "notification on unsubscribed handle 0x%04X", n.Handle)
		return
	}
	value := append([]byte(nil), n.Value...)
	m.emit(link.ValueUpdated{Peer: link.PeerID(pc.id), Characteristic: ref, Value: value})
}
