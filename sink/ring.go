package sink

import "sync"

const (
	DefaultLines    = 500
	DefaultMessages = 32
)

// Ring keeps the most recent log lines and messages. Safe for concurrent use.
type Ring struct {
	mu       sync.RWMutex
	lines    []string
	next     int
	full     bool
	messages [][]byte
	maxMsgs  int
}

// NewRing keeps up to lines log lines and messages messages; non-positive
// values use the defaults.
func NewRing(lines, messages int) *Ring {
	if lines <= 0 {
		lines = DefaultLines
	}
	if messages <= 0 {
		messages = DefaultMessages
	}
	return &Ring{lines: make([]string, lines), maxMsgs: messages}
}

func (r *Ring) LogLine(text string) {
	r.mu.Lock()
	r.lines[r.next] = text
	r.next = (r.next + 1) % len(r.lines)
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()
}

func (r *Ring) DeliverMessage(msg []byte) {
	r.mu.Lock()
	r.messages = append(r.messages, append([]byte(nil), msg...))
	if over := len(r.messages) - r.maxMsgs; over > 0 {
		r.messages = append(r.messages[:0:0], r.messages[over:]...)
	}
	r.mu.Unlock()
}

// Lines returns the kept lines, oldest first
func (r *Ring) Lines() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.full {
		return append([]string(nil), r.lines[:r.next]...)
	}
	out := make([]string, 0, len(r.lines))
	out = append(out, r.lines[r.next:]...)
	return append(out, r.lines[:r.next]...)
}

// Messages returns the kept messages, oldest first
func (r *Ring) Messages() [][]byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([][]byte, len(r.messages))
	for i, m := range r.messages {
		out[i] = append([]byte(nil), m...)
	}
	return out
}
