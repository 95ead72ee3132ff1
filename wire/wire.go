package wire

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/user/btraced/logger"
	"github.com/user/btraced/util"
)

const socketPrefix = "btraced-"

// ConnectionRole is our role in a specific connection
type ConnectionRole string

const (
	RoleCentral    ConnectionRole = "central"    // We initiated connection
	RolePeripheral ConnectionRole = "peripheral" // They initiated connection
)

// Wire is one simulated radio: a Unix domain socket at
// {dataDir}/sockets/btraced-{id}.sock plus an advertising record on disk.
type Wire struct {
	id         string
	socketDir  string
	socketPath string
	sim        *Simulator

	listener    net.Listener
	connections map[string]*Connection // peer id -> single connection
	mu          sync.RWMutex

	packetHandler      func(peerID string, pkt interface{})
	connectCallback    func(peerID string, role ConnectionRole)
	disconnectCallback func(peerID string, err error)
	callbackMu         sync.RWMutex

	stopListening chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup
}

// NewWire creates a Wire for device id. A nil config uses DefaultSimulationConfig.
func NewWire(id string, config *SimulationConfig) (*Wire, error) {
	if id == "" {
		return nil, fmt.Errorf("wire: empty device id")
	}
	socketDir, err := util.GetSocketDir()
	if err != nil {
		return nil, err
	}
	return &Wire{
		id:            id,
		socketDir:     socketDir,
		socketPath:    filepath.Join(socketDir, socketPrefix+id+".sock"),
		sim:           NewSimulator(config),
		connections:   make(map[string]*Connection),
		stopListening: make(chan struct{}),
	}, nil
}

func (w *Wire) ID() string { return w.id }

func (w *Wire) SocketPath() string { return w.socketPath }

func (w *Wire) Simulator() *Simulator { return w.sim }

func (w *Wire) logPrefix() string { return util.ShortHash(w.id) + " Wire" }

// Start begins listening on the Unix domain socket
func (w *Wire) Start() error {
	os.Remove(w.socketPath)

	listener, err := net.Listen("unix", w.socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", w.socketPath, err)
	}
	w.listener = listener
	logger.Debug(w.logPrefix(), "listening on %s", w.socketPath)

	w.wg.Add(1)
	go w.acceptConnections()
	return nil
}

// Stop closes the listener and every connection and removes the socket and
// advertising record. Safe to call more than once.
func (w *Wire) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopListening)
		if w.listener != nil {
			w.listener.Close()
		}

		w.mu.RLock()
		for _, c := range w.connections {
			c.closeLocal()
		}
		w.mu.RUnlock()

		w.wg.Wait()
		os.Remove(w.socketPath)
		w.RemoveAdvertisingData()
	})
}

// SetPacketHandler sets the receiver of decoded ATT PDUs
func (w *Wire) SetPacketHandler(handler func(peerID string, pkt interface{})) {
	w.callbackMu.Lock()
	w.packetHandler = handler
	w.callbackMu.Unlock()
}

// SetConnectCallback sets the callback for when a connection is established
func (w *Wire) SetConnectCallback(callback func(peerID string, role ConnectionRole)) {
	w.callbackMu.Lock()
	w.connectCallback = callback
	w.callbackMu.Unlock()
}

// SetDisconnectCallback sets the callback for when a connection ends. err is
// nil when the local side closed it.
func (w *Wire) SetDisconnectCallback(callback func(peerID string, err error)) {
	w.callbackMu.Lock()
	w.disconnectCallback = callback
	w.callbackMu.Unlock()
}
