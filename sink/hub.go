package sink

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/user/btraced/logger"
)

const (
	RecordLog     = "log"
	RecordMessage = "message"

	writeWait  = time.Second
	clientSend = 64
)

// Record is one line on the websocket stream
type Record struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Text string    `json:"text"`
}

// Hub streams log lines and messages to websocket clients. New clients get
// the recent history first.
type Hub struct {
	upgrader websocket.Upgrader
	now      func() time.Time

	mu         sync.Mutex
	history    []Record
	maxHistory int
	clients    map[*client]struct{}
	closed     bool
}

type client struct {
	conn *websocket.Conn
	send chan Record
}

// NewHub keeps up to history records for replay; non-positive uses DefaultLines.
func NewHub(history int) *Hub {
	if history <= 0 {
		history = DefaultLines
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// local display, any origin
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		now:        time.Now,
		maxHistory: history,
		clients:    make(map[*client]struct{}),
	}
}

func (h *Hub) LogLine(text string) {
	h.broadcast(Record{Type: RecordLog, Time: h.now(), Text: text})
}

func (h *Hub) DeliverMessage(msg []byte) {
	h.broadcast(Record{Type: RecordMessage, Time: h.now(), Text: string(msg)})
}

func (h *Hub) broadcast(rec Record) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}

	h.history = append(h.history, rec)
	if over := len(h.history) - h.maxHistory; over > 0 {
		h.history = append(h.history[:0:0], h.history[over:]...)
	}
	for c := range h.clients {
		select {
		case c.send <- rec:
		default:
			// too slow to keep up
			logger.Warn(logPrefix, "dropping websocket client %s", c.conn.RemoteAddr())
			h.dropLocked(c)
		}
	}
}

// caller holds h.mu
func (h *Hub) dropLocked(c *client) {
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request to a websocket and streams records until the
// client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn(logPrefix, "websocket upgrade failed: %v", err)
		return
	}

	c := &client{conn: conn, send: make(chan Record, clientSend)}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	replay := append([]Record(nil), h.history...)
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	logger.Debug(logPrefix, "websocket client %s connected", conn.RemoteAddr())

	go h.writeLoop(c, replay)
	h.readLoop(c)
}

func (h *Hub) writeLoop(c *client, replay []Record) {
	defer c.conn.Close()
	for _, rec := range replay {
		if err := h.write(c, rec); err != nil {
			return
		}
	}
	for rec := range c.send {
		if err := h.write(c, rec); err != nil {
			return
		}
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (h *Hub) write(c *client, rec Record) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(rec); err != nil {
		logger.Debug(logPrefix, "websocket write to %s failed: %v", c.conn.RemoteAddr(), err)
		return err
	}
	return nil
}

// readLoop discards client input; it returns once the client disconnects.
func (h *Hub) readLoop(c *client) {
	c.conn.SetReadLimit(512)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
	h.mu.Lock()
	h.dropLocked(c)
	h.mu.Unlock()
	logger.Debug(logPrefix, "websocket client %s disconnected", c.conn.RemoteAddr())
}

// Close disconnects every client; later records are discarded.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		h.dropLocked(c)
	}
}
