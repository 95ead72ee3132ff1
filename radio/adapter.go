// Package radio is the hardware transport: link.Transport over the host's
// Bluetooth adapter via tinygo.org/x/bluetooth.
package radio

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/user/btraced/link"
	"github.com/user/btraced/logger"
	"tinygo.org/x/bluetooth"
)

const (
	logPrefix   = "Radio"
	eventBuffer = 64
)

var ErrUnknownPeer = errors.New("radio: peer not seen in a scan")

// Adapter drives a bluetooth.Adapter. Commands return immediately and their
// results arrive on Events.
type Adapter struct {
	adapter *bluetooth.Adapter
	events  chan link.Event
	done    chan struct{}

	mu       sync.Mutex
	closed   bool
	scanning bool
	filter   []bluetooth.UUID
	allowDup bool
	seen     map[link.PeerID]bool
	addrs    map[link.PeerID]bluetooth.Address
	peers    map[link.PeerID]*peer

	wg sync.WaitGroup
}

// peer is one connection or connection attempt
type peer struct {
	device    bluetooth.Device
	connected bool
	cancelled bool
	services  map[uuid.UUID]bluetooth.DeviceService
	chars     map[uint16]*characteristic
	next      uint16
}

type characteristic struct {
	ref       link.CharacteristicRef
	dc        bluetooth.DeviceCharacteristic
	mu        sync.Mutex
	notifying bool
	// closed once NotifyStateChanged is queued, so values never overtake it
	ready chan struct{}
}

// New wraps the system default adapter
func New() *Adapter {
	return NewWithAdapter(bluetooth.DefaultAdapter)
}

func NewWithAdapter(a *bluetooth.Adapter) *Adapter {
	return &Adapter{
		adapter: a,
		events:  make(chan link.Event, eventBuffer),
		done:    make(chan struct{}),
		seen:    make(map[link.PeerID]bool),
		addrs:   make(map[link.PeerID]bluetooth.Address),
		peers:   make(map[link.PeerID]*peer),
	}
}

func (a *Adapter) Events() <-chan link.Event { return a.events }

// Start enables the adapter and reports the resulting power state.
func (a *Adapter) Start() error {
	a.adapter.SetConnectHandler(a.onConnectChange)
	if err := a.adapter.Enable(); err != nil {
		a.emit(link.PowerStateChanged{PoweredOn: false, State: err.Error()})
		return fmt.Errorf("enable adapter: %w", err)
	}
	a.emit(link.PowerStateChanged{PoweredOn: true, State: "poweredOn"})
	return nil
}

// Close stops scanning, disconnects every peer and closes Events.
func (a *Adapter) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	scanning := a.scanning
	a.scanning = false
	var devices []bluetooth.Device
	for _, p := range a.peers {
		if p.connected {
			devices = append(devices, p.device)
		}
	}
	a.mu.Unlock()

	close(a.done)
	if scanning {
		a.adapter.StopScan()
	}
	for _, d := range devices {
		d.Disconnect()
	}
	a.wg.Wait()
	close(a.events)
}

func (a *Adapter) emit(ev link.Event) {
	select {
	case a.events <- ev:
	case <-a.done:
	}
}

func (a *Adapter) spawn(fn func()) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return errors.New("radio: adapter closed")
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn()
	}()
	return nil
}

// StartScan scans in the background. Calling it while scanning replaces the
// filter and starts a new duplicate-suppression session.
func (a *Adapter) StartScan(services []uuid.UUID, allowDuplicates bool) error {
	filter, err := toBluetoothUUIDs(services)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.filter = filter
	a.allowDup = allowDuplicates
	a.seen = make(map[link.PeerID]bool)
	already := a.scanning
	a.scanning = true
	a.mu.Unlock()
	if already {
		return nil
	}

	err = a.spawn(func() {
		err := a.adapter.Scan(a.onScanResult)
		a.mu.Lock()
		a.scanning = false
		a.mu.Unlock()
		if err != nil {
			logger.Warn(logPrefix, "scan ended: %v", err)
		}
	})
	if err != nil {
		a.mu.Lock()
		a.scanning = false
		a.mu.Unlock()
	}
	return err
}

func (a *Adapter) StopScan() error {
	a.mu.Lock()
	scanning := a.scanning
	a.scanning = false
	a.mu.Unlock()
	if !scanning {
		return nil
	}
	return a.adapter.StopScan()
}

func (a *Adapter) onScanResult(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
	id := link.PeerID(result.Address.String())

	a.mu.Lock()
	if !a.scanning || !matchesFilter(result, a.filter) {
		a.mu.Unlock()
		return
	}
	a.addrs[id] = result.Address
	if !a.allowDup {
		if a.seen[id] {
			a.mu.Unlock()
			return
		}
		a.seen[id] = true
	}
	a.mu.Unlock()

	ev := link.AdvertisementSeen{
		Peer: id,
		Name: result.LocalName(),
		RSSI: int(result.RSSI),
		Metadata: map[string]interface{}{
			"address": result.Address.String(),
		},
	}
	select {
	case a.events <- ev:
	default:
		logger.Debug(logPrefix, "event queue full, dropping advertisement from %s", id)
	}
}

func matchesFilter(result bluetooth.ScanResult, filter []bluetooth.UUID) bool {
	if len(filter) == 0 {
		return true
	}
	for _, u := range filter {
		if result.HasServiceUUID(u) {
			return true
		}
	}
	return false
}

func (a *Adapter) Connect(id link.PeerID) error {
	a.mu.Lock()
	addr, ok := a.addrs[id]
	if !ok {
		a.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownPeer, id)
	}
	if _, busy := a.peers[id]; busy {
		a.mu.Unlock()
		return fmt.Errorf("radio: already connected or connecting to %s", id)
	}
	p := &peer{services: make(map[uuid.UUID]bluetooth.DeviceService), chars: make(map[uint16]*characteristic)}
	a.peers[id] = p
	a.mu.Unlock()

	err := a.spawn(func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})

		a.mu.Lock()
		cancelled := p.cancelled
		if err != nil || cancelled {
			delete(a.peers, id)
		} else {
			p.device = device
			p.connected = true
		}
		// a failed attempt may be retried in the same scan
		delete(a.seen, id)
		a.mu.Unlock()

		switch {
		case err != nil:
			if !cancelled {
				a.emit(link.ConnectFailed{Peer: id, Err: err})
			}
		case cancelled:
			device.Disconnect()
		default:
			logger.Debug(logPrefix, "connected to %s", id)
			a.emit(link.Connected{Peer: id})
		}
	})
	if err != nil {
		a.mu.Lock()
		delete(a.peers, id)
		a.mu.Unlock()
	}
	return err
}

func (a *Adapter) Disconnect(id link.PeerID) error {
	a.mu.Lock()
	p, ok := a.peers[id]
	if !ok {
		a.mu.Unlock()
		return fmt.Errorf("radio: not connected to %s", id)
	}
	if !p.connected {
		p.cancelled = true
		a.mu.Unlock()
		return nil
	}
	device := p.device
	a.mu.Unlock()
	return device.Disconnect()
}

func (a *Adapter) onConnectChange(device bluetooth.Device, connected bool) {
	if connected {
		return
	}
	id := link.PeerID(device.Address.String())
	a.mu.Lock()
	p, ok := a.peers[id]
	if ok && p.connected {
		delete(a.peers, id)
		delete(a.seen, id)
	}
	a.mu.Unlock()
	if !ok || !p.connected {
		return
	}

	for _, c := range p.chars {
		c.mu.Lock()
		c.notifying = false
		c.mu.Unlock()
	}
	a.emit(link.Disconnected{Peer: id})
}

func (a *Adapter) connectedPeer(id link.PeerID) (*peer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.peers[id]
	if !ok || !p.connected {
		return nil, fmt.Errorf("radio: not connected to %s", id)
	}
	return p, nil
}

func (a *Adapter) DiscoverServices(id link.PeerID, services []uuid.UUID) error {
	p, err := a.connectedPeer(id)
	if err != nil {
		return err
	}
	filter, err := toBluetoothUUIDs(services)
	if err != nil {
		return err
	}
	return a.spawn(func() {
		found, err := p.device.DiscoverServices(filter)
		if err != nil {
			a.emit(link.ServicesDiscovered{Peer: id, Err: err})
			return
		}

		var ids []uuid.UUID
		a.mu.Lock()
		for _, s := range found {
			u, err := fromBluetoothUUID(s.UUID())
			if err != nil {
				continue
			}
			p.services[u] = s
			ids = append(ids, u)
		}
		a.mu.Unlock()
		a.emit(link.ServicesDiscovered{Peer: id, Services: ids})
	})
}

func (a *Adapter) DiscoverCharacteristics(id link.PeerID, service uuid.UUID, characteristics []uuid.UUID) error {
	p, err := a.connectedPeer(id)
	if err != nil {
		return err
	}
	a.mu.Lock()
	svc, ok := p.services[service]
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("radio: service %s not discovered on %s", service, id)
	}
	filter, err := toBluetoothUUIDs(characteristics)
	if err != nil {
		return err
	}

	return a.spawn(func() {
		found, err := svc.DiscoverCharacteristics(filter)
		if err != nil {
			a.emit(link.CharacteristicsDiscovered{Peer: id, Service: service, Err: err})
			return
		}

		var refs []link.CharacteristicRef
		a.mu.Lock()
		for _, dc := range found {
			u, err := fromBluetoothUUID(dc.UUID())
			if err != nil {
				continue
			}
			// the library exposes no attribute handles, so number them per peer
			p.next++
			ref := link.CharacteristicRef{Service: service, UUID: u, Handle: p.next}
			p.chars[ref.Handle] = &characteristic{ref: ref, dc: dc}
			refs = append(refs, ref)
		}
		a.mu.Unlock()
		a.emit(link.CharacteristicsDiscovered{Peer: id, Service: service, Characteristics: refs})
	})
}

func (a *Adapter) SetNotify(id link.PeerID, ref link.CharacteristicRef, enabled bool) error {
	p, err := a.connectedPeer(id)
	if err != nil {
		return err
	}
	a.mu.Lock()
	c, ok := p.chars[ref.Handle]
	a.mu.Unlock()
	if !ok || c.ref != ref {
		return fmt.Errorf("radio: characteristic %s not discovered on %s", ref, id)
	}

	return a.spawn(func() {
		if !enabled {
			c.mu.Lock()
			c.notifying = false
			c.mu.Unlock()
			err := c.dc.EnableNotifications(nil)
			a.emit(link.NotifyStateChanged{Peer: id, Characteristic: ref, Notifying: false, Err: err})
			return
		}

		ready := make(chan struct{})
		c.mu.Lock()
		c.ready = ready
		c.mu.Unlock()

		err := c.dc.EnableNotifications(func(buf []byte) {
			<-ready
			c.mu.Lock()
			on := c.notifying
			c.mu.Unlock()
			if !on {
				return
			}
			a.emit(link.ValueUpdated{Peer: id, Characteristic: ref, Value: append([]byte(nil), buf...)})
		})

		c.mu.Lock()
		c.notifying = err == nil
		c.mu.Unlock()
		a.emit(link.NotifyStateChanged{Peer: id, Characteristic: ref, Notifying: err == nil, Err: err})
		close(ready)
	})
}

func toBluetoothUUIDs(list []uuid.UUID) ([]bluetooth.UUID, error) {
	if len(list) == 0 {
		return nil, nil
	}
	out := make([]bluetooth.UUID, 0, len(list))
	for _, u := range list {
		bu, err := bluetooth.ParseUUID(u.String())
		if err != nil {
			return nil, fmt.Errorf("radio: %s: %w", u, err)
		}
		out = append(out, bu)
	}
	return out, nil
}

func fromBluetoothUUID(u bluetooth.UUID) (uuid.UUID, error) {
	return uuid.Parse(u.String())
}
