package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"sync"
	"time"

	"github.com/user/btraced/logger"
	"github.com/user/btraced/util"
	"github.com/user/btraced/wire/att"
	"github.com/user/btraced/wire/l2cap"
)

const (
	maxHandshakeLen  = 256
	handshakeTimeout = 2 * time.Second
)

var (
	ErrNotConnected     = errors.New("wire: not connected")
	ErrAlreadyConnected = errors.New("wire: already connected")
	ErrConnectionFailed = errors.New("wire: connection failed")
)

// Connection is a single bidirectional link to a peer
type Connection struct {
	conn     net.Conn
	remoteID string
	role     ConnectionRole

	sendMu sync.Mutex

	closeMu       sync.Mutex
	closedLocally bool
}

func (c *Connection) RemoteID() string { return c.remoteID }

func (c *Connection) Role() ConnectionRole { return c.role }

func (c *Connection) closeLocal() {
	c.closeMu.Lock()
	c.closedLocally = true
	c.closeMu.Unlock()
	c.conn.Close()
}

func (c *Connection) localClose() bool {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return c.closedLocally
}

func (w *Wire) acceptConnections() {
	defer w.wg.Done()
	for {
		conn, err := w.listener.Accept()
		if err != nil {
			select {
			case <-w.stopListening:
				return
			default:
			}
			logger.Warn(w.logPrefix(), "accept failed: %v", err)
			continue
		}
		w.wg.Add(1)
		go w.handleIncomingConnection(conn)
	}
}

// handleIncomingConnection reads the central's handshake; we become Peripheral
func (w *Wire) handleIncomingConnection(conn net.Conn) {
	defer w.wg.Done()

	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	peerID, err := readHandshake(conn)
	if err != nil {
		logger.Warn(w.logPrefix(), "bad handshake: %v", err)
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	c := &Connection{conn: conn, remoteID: peerID, role: RolePeripheral}
	if !w.register(c) {
		logger.Warn(w.logPrefix(), "duplicate connection from %s", util.ShortHash(peerID))
		conn.Close()
		return
	}
	logger.Debug(w.logPrefix(), "accepted connection from %s", util.ShortHash(peerID))
	w.connected(c)
}

// Connect dials the peer's socket; we become Central. Simulated connection
// delay and failure rate apply.
func (w *Wire) Connect(peerID string) error {
	if w.IsConnected(peerID) {
		return fmt.Errorf("%w to %s", ErrAlreadyConnected, peerID)
	}

	time.Sleep(w.sim.ConnectionDelay())
	if !w.sim.ShouldConnectionSucceed() {
		return fmt.Errorf("%w: %s did not respond", ErrConnectionFailed, util.ShortHash(peerID))
	}

	path := filepath.Join(w.socketDir, socketPrefix+peerID+".sock")
	conn, err := net.Dial("unix", path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	if err := writeHandshake(conn, w.id); err != nil {
		conn.Close()
		return fmt.Errorf("failed to send handshake: %w", err)
	}

	c := &Connection{conn: conn, remoteID: peerID, role: RoleCentral}
	if !w.register(c) {
		conn.Close()
		return fmt.Errorf("%w to %s (concurrent connect)", ErrAlreadyConnected, peerID)
	}
	logger.Debug(w.logPrefix(), "connected to %s", util.ShortHash(peerID))
	w.connected(c)
	return nil
}

func (w *Wire) register(c *Connection) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, exists := w.connections[c.remoteID]; exists {
		return false
	}
	w.connections[c.remoteID] = c
	return true
}

func (w *Wire) connected(c *Connection) {
	w.callbackMu.RLock()
	cb := w.connectCallback
	w.callbackMu.RUnlock()
	if cb != nil {
		cb(c.remoteID, c.role)
	}

	w.wg.Add(1)
	go w.readMessages(c)
}

// Disconnect closes the link to peerID. The disconnect callback fires from
// the read loop once the connection is torn down.
func (w *Wire) Disconnect(peerID string) error {
	w.mu.RLock()
	c, ok := w.connections[peerID]
	w.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w to %s", ErrNotConnected, peerID)
	}
	logger.Debug(w.logPrefix(), "%s disconnecting from %s", c.role, util.ShortHash(peerID))
	c.closeLocal()
	return nil
}

func (w *Wire) IsConnected(peerID string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.connections[peerID]
	return ok
}

func (w *Wire) ConnectedPeers() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	peers := make([]string, 0, len(w.connections))
	for id := range w.connections {
		peers = append(peers, id)
	}
	return peers
}

// Send encodes an ATT PDU into an L2CAP frame and writes it to peerID.
func (w *Wire) Send(peerID string, pkt interface{}) error {
	w.mu.RLock()
	c, ok := w.connections[peerID]
	w.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w to %s", ErrNotConnected, peerID)
	}

	payload, err := att.EncodePacket(pkt)
	if err != nil {
		return err
	}
	logger.Trace(w.logPrefix(), "TX %s to %s: % X", att.OpcodeNames[payload[0]], util.ShortHash(peerID), payload)

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return l2cap.WritePacket(c.conn, l2cap.NewATTPacket(payload))
}

func (w *Wire) readMessages(c *Connection) {
	var readErr error
	defer func() {
		w.mu.Lock()
		if w.connections[c.remoteID] == c {
			delete(w.connections, c.remoteID)
		}
		w.mu.Unlock()
		c.conn.Close()

		if c.localClose() {
			readErr = nil
		} else if errors.Is(readErr, io.EOF) {
			readErr = fmt.Errorf("connection closed by %s", util.ShortHash(c.remoteID))
		}

		w.callbackMu.RLock()
		cb := w.disconnectCallback
		w.callbackMu.RUnlock()
		if cb != nil {
			cb(c.remoteID, readErr)
		}
		w.wg.Done()
	}()

	for {
		pkt, err := l2cap.ReadPacket(c.conn)
		if err != nil {
			readErr = err
			return
		}

		if pkt.ChannelID != l2cap.ChannelATT {
			logger.Warn(w.logPrefix(), "unsupported L2CAP channel 0x%04X from %s", pkt.ChannelID, util.ShortHash(c.remoteID))
			continue
		}
		attPkt, err := att.DecodePacket(pkt.Payload)
		if err != nil {
			logger.Warn(w.logPrefix(), "failed to decode ATT packet from %s: %v", util.ShortHash(c.remoteID), err)
			continue
		}
		logger.Trace(w.logPrefix(), "RX %s from %s: % X", att.OpcodeNames[pkt.Payload[0]], util.ShortHash(c.remoteID), pkt.Payload)

		w.callbackMu.RLock()
		handler := w.packetHandler
		w.callbackMu.RUnlock()
		if handler != nil {
			handler(c.remoteID, attPkt)
		}
	}
}

// Handshake: 4-byte big-endian length followed by the sender's device id
func writeHandshake(conn net.Conn, id string) error {
	buf := make([]byte, 4+len(id))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(id)))
	copy(buf[4:], id)
	_, err := conn.Write(buf)
	return err
}

func readHandshake(r io.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	if n == 0 || n > maxHandshakeLen {
		return "", fmt.Errorf("handshake id length %d out of range", n)
	}
	id := make([]byte, n)
	if _, err := io.ReadFull(r, id); err != nil {
		return "", err
	}
	return string(id), nil
}
