package link

import (
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/user/btraced/logger"
)

const logPrefix = "Link"

// Machine drives scan → connect → discover → subscribe → receive → teardown for
// a single peer. Handle is the only transition function; it must not be called
// concurrently. Run serializes a channel of events onto it.
type Machine struct {
	cfg       Config
	transport Transport
	sink      Sink
	assembler *Assembler

	state State
	epoch uint64

	peer      *Peer
	connected bool
	// characteristic discoveries still outstanding for the current peer
	pendingServices int
	// subscribe issued -> notifying confirmed
	subscriptions map[CharacteristicRef]bool

	lastErr error
}

func NewMachine(cfg Config, t Transport, s Sink) (*Machine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if t == nil {
		return nil, errors.New("link: nil transport")
	}
	if s == nil {
		return nil, errors.New("link: nil sink")
	}
	return &Machine{
		cfg:           cfg,
		transport:     t,
		sink:          s,
		assembler:     NewAssembler(cfg.Sentinel, cfg.MaxMessageSize),
		state:         StateIdle,
		subscriptions: make(map[CharacteristicRef]bool),
	}, nil
}

func (m *Machine) State() State { return m.state }

// Epoch changes on every state entry.
func (m *Machine) Epoch() uint64 { return m.epoch }

// Peer returns the tracked current peer, if any.
func (m *Machine) Peer() (Peer, bool) {
	if m.peer == nil {
		return Peer{}, false
	}
	return *m.peer, true
}

// LastError returns the most recent protocol error, or nil.
func (m *Machine) LastError() error { return m.lastErr }

func (m *Machine) Handle(ev Event) {
	switch e := ev.(type) {
	case PowerStateChanged:
		m.handlePower(e)
		return
	case AdvertisementSeen:
		m.handleAdvertisement(e)
		return
	}

	id, ok := peerOf(ev)
	if !ok {
		logger.Warn(logPrefix, "unknown event %T", ev)
		return
	}
	if m.peer == nil || m.peer.ID != id {
		logger.Debug(logPrefix, "ignoring %T for stale peer %s (state %s)", ev, id, m.state)
		return
	}

	switch e := ev.(type) {
	case Connected:
		m.handleConnected(e)
	case ConnectFailed:
		m.handleConnectFailed(e)
	case Disconnected:
		m.handleDisconnected(e)
	case ServicesDiscovered:
		m.handleServices(e)
	case CharacteristicsDiscovered:
		m.handleCharacteristics(e)
	case NotifyStateChanged:
		m.handleNotifyState(e)
	case ValueUpdated:
		m.handleValue(e)
	case Timeout:
		m.handleTimeout(e)
	}
}

func peerOf(ev Event) (PeerID, bool) {
	switch e := ev.(type) {
	case Connected:
		return e.Peer, true
	case ConnectFailed:
		return e.Peer, true
	case Disconnected:
		return e.Peer, true
	case ServicesDiscovered:
		return e.Peer, true
	case CharacteristicsDiscovered:
		return e.Peer, true
	case NotifyStateChanged:
		return e.Peer, true
	case ValueUpdated:
		return e.Peer, true
	case Timeout:
		return e.Peer, true
	}
	return "", false
}

func (m *Machine) handlePower(e PowerStateChanged) {
	if !e.PoweredOn {
		m.logf(logger.WARN, "Bluetooth not available (%s)", e.State)
		m.resetLink()
		m.enter(StateIdle)
		return
	}
	if m.state != StateIdle {
		return
	}
	m.startScan()
}

func (m *Machine) handleAdvertisement(e AdvertisementSeen) {
	m.logf(logger.INFO, "Discovered %s (%s) at %d", e.Peer, displayName(e.Name), e.RSSI)
	if len(e.Metadata) > 0 {
		logger.DebugJSON(logPrefix, "Advertisement "+string(e.Peer), metadataStruct(e.Metadata))
	}

	if m.state != StateScanning {
		logger.Debug(logPrefix, "advertisement from %s ignored while %s", e.Peer, m.state)
		return
	}
	if !m.cfg.Gate.Accepts(e.RSSI) {
		m.logf(logger.INFO, "RSSI %d outside window (%d, %d)", e.RSSI, m.cfg.Gate.Low, m.cfg.Gate.High)
		return
	}
	if m.peer != nil && m.peer.ID == e.Peer {
		return
	}

	m.peer = &Peer{ID: e.Peer, Name: e.Name, RSSI: e.RSSI}
	m.enter(StateConnecting)
	m.logf(logger.INFO, "Connecting to peripheral %s", e.Peer)
	if err := m.transport.Connect(e.Peer); err != nil {
		m.connectFailed(err)
	}
}

func (m *Machine) handleConnected(e Connected) {
	if m.state != StateConnecting {
		logger.Debug(logPrefix, "connected event ignored while %s", m.state)
		return
	}
	m.connected = true
	m.logf(logger.INFO, "Peripheral connected")

	if err := m.transport.StopScan(); err != nil {
		m.record(newError(KindCommand, e.Peer, fmt.Errorf("stop scan: %w", err)))
	} else {
		m.logf(logger.INFO, "Scanning stopped")
	}
	m.assembler.Reset()

	m.enter(StateDiscoveringServices)
	if err := m.transport.DiscoverServices(e.Peer, []uuid.UUID{m.cfg.Service}); err != nil {
		m.discoveryFailed(fmt.Errorf("discover services: %w", err))
	}
}

func (m *Machine) handleConnectFailed(e ConnectFailed) {
	if m.state != StateConnecting {
		logger.Debug(logPrefix, "connect failure ignored while %s", m.state)
		return
	}
	m.connectFailed(e.Err)
}

func (m *Machine) connectFailed(reason error) {
	id := m.peer.ID
	m.record(newError(KindConnectFailed, id, reason))
	m.peer = nil
	// scanning was never stopped
	m.enter(StateScanning)
}

func (m *Machine) handleDisconnected(e Disconnected) {
	if e.Err != nil {
		m.logf(logger.INFO, "Peripheral disconnected: %v", e.Err)
	} else {
		m.logf(logger.INFO, "Peripheral disconnected")
	}
	m.resetLink()
	m.startScan()
}

func (m *Machine) handleServices(e ServicesDiscovered) {
	if m.state != StateDiscoveringServices {
		logger.Debug(logPrefix, "services ignored while %s", m.state)
		return
	}
	if e.Err != nil {
		m.discoveryFailed(fmt.Errorf("services: %w", e.Err))
		return
	}
	if !containsUUID(e.Services, m.cfg.Service) {
		// Nothing to discover; the link stays up until torn down externally
		// or by the discovery timeout.
		m.logf(logger.INFO, "No services to discover")
		return
	}

	m.enter(StateDiscoveringCharacteristics)
	m.pendingServices = len(e.Services)
	for _, svc := range e.Services {
		if err := m.transport.DiscoverCharacteristics(e.Peer, svc, []uuid.UUID{m.cfg.Characteristic}); err != nil {
			m.discoveryFailed(fmt.Errorf("discover characteristics for %s: %w", svc, err))
			return
		}
	}
}

func (m *Machine) handleCharacteristics(e CharacteristicsDiscovered) {
	switch m.state {
	case StateDiscoveringCharacteristics, StateSubscribing, StateReceiving:
	default:
		logger.Debug(logPrefix, "characteristics ignored while %s", m.state)
		return
	}
	if m.pendingServices > 0 {
		m.pendingServices--
	}
	if e.Err != nil {
		m.discoveryFailed(fmt.Errorf("characteristics for %s: %w", e.Service, e.Err))
		return
	}

	var matches []CharacteristicRef
	for _, ch := range e.Characteristics {
		if ch.UUID != m.cfg.Characteristic {
			continue
		}
		if _, seen := m.subscriptions[ch]; seen {
			continue
		}
		matches = append(matches, ch)
	}
	if len(matches) == 0 {
		if m.state == StateDiscoveringCharacteristics && m.pendingServices == 0 {
			m.logf(logger.INFO, "No characteristics to subscribe")
		}
		return
	}

	if m.state == StateDiscoveringCharacteristics {
		m.enter(StateSubscribing)
	}
	for _, ch := range matches {
		m.subscriptions[ch] = false
		if err := m.transport.SetNotify(e.Peer, ch, true); err != nil {
			m.subscriptionRejected(ch, fmt.Errorf("subscribe: %w", err))
			return
		}
	}
}

func (m *Machine) handleNotifyState(e NotifyStateChanged) {
	if e.Characteristic.UUID != m.cfg.Characteristic {
		return
	}
	if _, ok := m.subscriptions[e.Characteristic]; !ok {
		logger.Debug(logPrefix, "notify state for unknown characteristic %s", e.Characteristic)
		return
	}

	switch m.state {
	case StateSubscribing:
		if e.Err != nil {
			m.subscriptionRejected(e.Characteristic, e.Err)
			return
		}
		m.subscriptions[e.Characteristic] = e.Notifying
		if !e.Notifying {
			m.logf(logger.INFO, "Notification stopped on %s. Disconnecting", e.Characteristic)
			m.record(newError(KindSubscriptionRejected, e.Peer, errors.New("notifications declined")))
			m.disconnect()
			return
		}
		m.logf(logger.INFO, "Notification began on %s", e.Characteristic)
		m.assembler.Begin()
		m.enter(StateReceiving)

	case StateReceiving:
		if e.Err != nil {
			m.logf(logger.WARN, "Error changing notification state: %v", e.Err)
			return
		}
		m.subscriptions[e.Characteristic] = e.Notifying
		if e.Notifying {
			m.logf(logger.INFO, "Notification began on %s", e.Characteristic)
			return
		}
		if m.anyNotifying() {
			return
		}
		m.logf(logger.INFO, "Notification stopped on %s. Disconnecting", e.Characteristic)
		m.disconnect()

	default:
		if e.Err == nil {
			m.subscriptions[e.Characteristic] = e.Notifying
		}
	}
}

func (m *Machine) handleValue(e ValueUpdated) {
	if m.state != StateReceiving {
		logger.Debug(logPrefix, "value ignored while %s", m.state)
		return
	}
	if notifying := m.subscriptions[e.Characteristic]; !notifying {
		logger.Debug(logPrefix, "value from unsubscribed characteristic %s", e.Characteristic)
		return
	}
	if e.Err != nil {
		m.logf(logger.WARN, "Error receiving value: %v", e.Err)
		return
	}

	msg, done, err := m.assembler.Ingest(e.Value)
	if err != nil {
		m.record(newError(KindAssembly, e.Peer, err))
		if errors.Is(err, ErrMessageTooLarge) && !m.assembler.Open() {
			// the oversized message has ended; nothing is delivered
			m.endTransfer(e.Peer, e.Characteristic)
		}
		return
	}
	if !done {
		m.logf(logger.INFO, "Received: %q", e.Value)
		return
	}

	m.logf(logger.INFO, "Message complete (%d bytes)", len(msg))
	m.endTransfer(e.Peer, e.Characteristic)
	m.sink.DeliverMessage(msg)
}

// endTransfer unsubscribes from ch and disconnects once a message has ended
func (m *Machine) endTransfer(peer PeerID, ch CharacteristicRef) {
	if err := m.transport.SetNotify(peer, ch, false); err != nil {
		m.record(newError(KindCommand, peer, fmt.Errorf("unsubscribe: %w", err)))
	}
	m.disconnect()
}

func (m *Machine) handleTimeout(e Timeout) {
	if e.Epoch != m.epoch || e.State != m.state {
		logger.Debug(logPrefix, "stale timeout for %s", e.State)
		return
	}
	m.record(newError(KindTimeout, e.Peer, fmt.Errorf("%s exceeded %s", e.State, e.Elapsed)))

	switch m.state {
	case StateConnecting:
		if err := m.transport.Disconnect(e.Peer); err != nil {
			m.record(newError(KindCommand, e.Peer, fmt.Errorf("cancel connect: %w", err)))
		}
		m.peer = nil
		m.enter(StateScanning)
	case StateDiscoveringServices, StateDiscoveringCharacteristics, StateSubscribing:
		m.cleanup()
		m.disconnect()
	case StateDisconnecting:
		m.resetLink()
		m.startScan()
	}
}

func (m *Machine) discoveryFailed(err error) {
	m.record(newError(KindDiscoveryFailed, m.peer.ID, err))
	m.cleanup()
	m.disconnect()
}

func (m *Machine) subscriptionRejected(ch CharacteristicRef, err error) {
	m.record(newError(KindSubscriptionRejected, m.peer.ID, fmt.Errorf("%s: %w", ch, err)))
	m.disconnect()
}

// cleanup unsubscribes every characteristic still notifying, and only while
// the link is up.
func (m *Machine) cleanup() {
	if m.peer == nil || !m.connected {
		return
	}
	for _, ch := range m.notifyingRefs() {
		if err := m.transport.SetNotify(m.peer.ID, ch, false); err != nil {
			m.record(newError(KindCommand, m.peer.ID, fmt.Errorf("unsubscribe %s: %w", ch, err)))
		}
	}
}

func (m *Machine) disconnect() {
	id := m.peer.ID
	m.enter(StateDisconnecting)
	if err := m.transport.Disconnect(id); err != nil {
		m.record(newError(KindCommand, id, fmt.Errorf("disconnect: %w", err)))
		m.resetLink()
		m.startScan()
	}
}

func (m *Machine) startScan() {
	m.enter(StateScanning)
	if err := m.transport.StartScan([]uuid.UUID{m.cfg.Service}, false); err != nil {
		m.record(newError(KindCommand, "", fmt.Errorf("start scan: %w", err)))
		return
	}
	m.logf(logger.INFO, "Scanning started")
}

func (m *Machine) resetLink() {
	m.peer = nil
	m.connected = false
	m.pendingServices = 0
	m.subscriptions = make(map[CharacteristicRef]bool)
	m.assembler.Reset()
}

func (m *Machine) enter(s State) {
	if s != m.state {
		logger.Debug(logPrefix, "%s -> %s", m.state, s)
	}
	m.state = s
	m.epoch++
}

func (m *Machine) anyNotifying() bool {
	for _, n := range m.subscriptions {
		if n {
			return true
		}
	}
	return false
}

func (m *Machine) notifyingRefs() []CharacteristicRef {
	var refs []CharacteristicRef
	for ch, n := range m.subscriptions {
		if n {
			refs = append(refs, ch)
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Handle < refs[j].Handle })
	return refs
}

// record keeps err for LastError and logs it.
func (m *Machine) record(err *Error) {
	m.lastErr = err
	m.logf(logger.WARN, "%v", err)
}

// logf writes to the process log and, for INFO and above, to the sink.
func (m *Machine) logf(level logger.LogLevel, format string, args ...interface{}) {
	text := fmt.Sprintf(format, args...)
	logger.Log(level, logPrefix, "%s", text)
	if level <= logger.INFO {
		m.sink.LogLine(text)
	}
}

func containsUUID(list []uuid.UUID, u uuid.UUID) bool {
	for _, v := range list {
		if v == u {
			return true
		}
	}
	return false
}

func displayName(name string) string {
	if name == "" {
		return "unnamed"
	}
	return name
}
