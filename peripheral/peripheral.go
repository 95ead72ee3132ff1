package peripheral

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
	"github.com/user/btraced/wire/gatt"
	"github.com/user/btraced/wire/l2cap"
)

// DefaultChunkSize is the largest notification payload at the default ATT MTU
const DefaultChunkSize = l2cap.DefaultMTU - 3

type Config struct {
	ID             string
	Name           string
	Message        []byte
	ChunkSize      int
	Service        uuid.UUID
	Characteristic uuid.UUID

	// Pause between notifications, 0 to send back to back
	ChunkInterval time.Duration
	// Base RSSI scanners see, 0 for their default
	BaseRSSI int
	// Stop advertising after the first complete transfer
	Once bool

	Sim *wire.SimulationConfig
}

// DefaultConfig returns a transfer-service peripheral for id
func DefaultConfig(id string) Config {
	return Config{
		ID:             id,
		Name:           "Transfer",
		ChunkSize:      DefaultChunkSize,
		Service:        link.TransferServiceUUID,
		Characteristic: link.TransferCharacteristicUUID,
	}
}

func (c Config) validate() error {
	if c.ID == "" {
		return errors.New("peripheral: empty id")
	}
	if c.ChunkSize < 1 || c.ChunkSize > DefaultChunkSize {
		return fmt.Errorf("peripheral: chunk size %d outside [1, %d]", c.ChunkSize, DefaultChunkSize)
	}
	if c.Service == uuid.Nil || c.Characteristic == uuid.Nil {
		return errors.New("peripheral: service and characteristic must be set")
	}
	return nil
}

// Peripheral advertises the transfer service and streams Message to every
// central that subscribes, followed by the end-of-message sentinel.
type Peripheral struct {
	cfg     Config
	wire    *wire.Wire
	db      *gatt.Database
	handles gatt.CharacteristicHandles

	mu        sync.Mutex
	sessions  map[string]*session
	transfers int
	stopped   bool

	completed chan string
	wg        sync.WaitGroup
}

// session is one connected central
type session struct {
	server *gatt.Server
	cancel chan struct{}
}

func New(cfg Config) (*Peripheral, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	w, err := wire.NewWire(cfg.ID, cfg.Sim)
	if err != nil {
		return nil, err
	}

	db := gatt.NewDatabase()
	db.AddService(cfg.Service)
	handles, err := db.AddCharacteristic(cfg.Characteristic, gatt.PropNotify, nil)
	if err != nil {
		return nil, err
	}

	p := &Peripheral{
		cfg:       cfg,
		wire:      w,
		db:        db,
		handles:   handles,
		sessions:  make(map[string]*session),
		completed: make(chan string, 16),
	}
	w.SetConnectCallback(p.onConnect)
	w.SetDisconnectCallback(p.onDisconnect)
	w.SetPacketHandler(p.onPacket)
	return p, nil
}

func (p *Peripheral) logPrefix() string { return util.ShortHash(p.cfg.ID) + " Peripheral" }

func (p *Peripheral) ID() string { return p.cfg.ID }

// Handles returns the transfer characteristic's attribute handles
func (p *Peripheral) Handles() gatt.CharacteristicHandles { return p.handles }

// Completed receives the id of each central a full message was sent to.
// Sends are dropped when nobody is reading.
func (p *Peripheral) Completed() <-chan string { return p.completed }

func (p *Peripheral) Transfers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.transfers
}

// Start listens for centrals and begins advertising
func (p *Peripheral) Start() error {
	if err := p.wire.Start(); err != nil {
		return err
	}
	if err := p.advertise(); err != nil {
		p.wire.Stop()
		return err
	}
	logger.Info(p.logPrefix(), "advertising %q with service %s", p.cfg.Name, p.cfg.Service)
	return nil
}

func (p *Peripheral) advertise() error {
	return p.wire.WriteAdvertisingData(&wire.AdvertisingData{
		DeviceName:    p.cfg.Name,
		ServiceUUIDs:  []string{p.cfg.Service.String()},
		IsConnectable: true,
		SimulatedRSSI: p.cfg.BaseRSSI,
	})
}

// Stop ends every transfer and stops advertising
func (p *Peripheral) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	for _, s := range p.sessions {
		s.stop()
	}
	p.mu.Unlock()

	p.wire.Stop()
	p.wg.Wait()
}

func (s *session) stop() {
	select {
	case <-s.cancel:
	default:
		close(s.cancel)
	}
}

func (p *Peripheral) onConnect(peerID string, role wire.ConnectionRole) {
	if role != wire.RolePeripheral {
		return
	}
	p.mu.Lock()
	p.sessions[peerID] = &session{server: gatt.NewServer(p.db), cancel: make(chan struct{})}
	p.mu.Unlock()
	logger.Info(p.logPrefix(), "central %s connected", util.ShortHash(peerID))
}

func (p *Peripheral) onDisconnect(peerID string, err error) {
	p.mu.Lock()
	s, ok := p.sessions[peerID]
	if ok {
		s.stop()
		delete(p.sessions, peerID)
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	if err != nil {
		logger.Info(p.logPrefix(), "central %s disconnected: %v", util.ShortHash(peerID), err)
	} else {
		logger.Info(p.logPrefix(), "central %s disconnected", util.ShortHash(peerID))
	}
}

func (p *Peripheral) onPacket(peerID string, pkt interface{}) {
	p.mu.Lock()
	s, ok := p.sessions[peerID]
	p.mu.Unlock()
	if !ok {
		return
	}

	op := att.OpcodeOf(pkt)
	if !att.IsRequest(op) {
		logger.Debug(p.logPrefix(), "ignoring %s from %s", att.OpcodeNames[op], util.ShortHash(peerID))
		return
	}

	resp, change := s.server.HandleRequest(pkt)
	// the response goes out before any notification it enables
	if err := p.wire.Send(peerID, resp); err != nil {
		logger.Warn(p.logPrefix(), "failed to answer %s: %v", att.OpcodeNames[op], err)
		return
	}
	if change == nil || change.ValueHandle != p.handles.Value {
		return
	}

	if change.Notify {
		logger.Info(p.logPrefix(), "central %s subscribed", util.ShortHash(peerID))
		p.startTransfer(peerID, s)
		return
	}
	logger.Info(p.logPrefix(), "central %s unsubscribed", util.ShortHash(peerID))
	p.mu.Lock()
	s.stop()
	// a later subscribe starts a fresh transfer
	if p.sessions[peerID] == s {
		p.sessions[peerID] = &session{server: s.server, cancel: make(chan struct{})}
	}
	p.mu.Unlock()
}

func (p *Peripheral) startTransfer(peerID string, s *session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if p.sendMessage(peerID, s) {
			p.transferDone(peerID)
		}
	}()
}

// Chunks splits msg into notification payloads of at most size bytes
func Chunks(msg []byte, size int) [][]byte {
	var chunks [][]byte
	for len(msg) > 0 {
		n := size
		if n > len(msg) {
			n = len(msg)
		}
		chunks = append(chunks, msg[:n])
		msg = msg[n:]
	}
	return chunks
}

// sendMessage returns false when the transfer was cut short
func (p *Peripheral) sendMessage(peerID string, s *session) bool {
	payloads := append(Chunks(p.cfg.Message, p.cfg.ChunkSize), []byte(link.Sentinel))
	for i, chunk := range payloads {
		select {
		case <-s.cancel:
			logger.Debug(p.logPrefix(), "transfer to %s stopped after %d chunks", util.ShortHash(peerID), i)
			return false
		default:
		}
		if !s.server.Subscriptions().IsNotifyEnabled(p.handles.Value) {
			return false
		}

		n := &att.HandleValueNotification{Handle: p.handles.Value, Value: chunk}
		if err := p.wire.Send(peerID, n); err != nil {
			logger.Debug(p.logPrefix(), "transfer to %s failed: %v", util.ShortHash(peerID), err)
			return false
		}
		logger.Debug(p.logPrefix(), "sent %q", chunk)

		if p.cfg.ChunkInterval > 0 && i < len(payloads)-1 {
			select {
			case <-s.cancel:
				return false
			case <-time.After(p.cfg.ChunkInterval):
			}
		}
	}
	return true
}

func (p *Peripheral) transferDone(peerID string) {
	p.mu.Lock()
	p.transfers++
	once := p.cfg.Once && p.transfers == 1
	p.mu.Unlock()

	logger.Info(p.logPrefix(), "sent %d bytes to %s", len(p.cfg.Message), util.ShortHash(peerID))
	select {
	case p.completed <- peerID:
	default:
	}
	if once {
		if err := p.wire.RemoveAdvertisingData(); err != nil {
			logger.Warn(p.logPrefix(), "failed to stop advertising: %v", err)
		} else {
			logger.Info(p.logPrefix(), "advertising stopped")
		}
	}
}
