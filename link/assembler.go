package link

import "fmt"

// Assembler accumulates notification fragments until the sentinel arrives.
// Fragments are applied in delivery order; nothing is reordered or deduplicated.
type Assembler struct {
	sentinel string
	maxSize  int

	buf  []byte
	open bool
	// set once a fragment overflowed maxSize; the rest of the message is dropped
	overflow bool
	dropped  int
}

// NewAssembler returns a closed assembler. maxSize <= 0 means unbounded.
func NewAssembler(sentinel string, maxSize int) *Assembler {
	return &Assembler{sentinel: sentinel, maxSize: maxSize}
}

// Begin opens an empty buffer, discarding anything pending.
func (a *Assembler) Begin() {
	a.buf = make([]byte, 0, 64)
	a.open = true
	a.overflow = false
	a.dropped = 0
}

// Reset closes and clears the buffer.
func (a *Assembler) Reset() {
	a.buf = nil
	a.open = false
	a.overflow = false
	a.dropped = 0
}

// Open reports whether a message is in progress. An overflowed message stays
// open until its sentinel.
func (a *Assembler) Open() bool { return a.open }

// Len is the number of bytes buffered so far; 0 after an overflow.
func (a *Assembler) Len() int { return len(a.buf) }

// Ingest applies one fragment. When the fragment is the sentinel it returns the
// accumulated bytes with done set and closes the buffer. A returned error is an
// assembly error; the stream may continue.
//
// A fragment that would grow the message past maxSize discards the whole
// message: later fragments are dropped and the sentinel closes the buffer with
// ErrMessageTooLarge instead of completing.
func (a *Assembler) Ingest(fragment []byte) (msg []byte, done bool, err error) {
	if string(fragment) == a.sentinel {
		if !a.open {
			return nil, false, ErrNoOpenBuffer
		}
		if a.overflow {
			dropped := a.dropped
			a.Reset()
			return nil, false, fmt.Errorf("%w: discarded %d byte message", ErrMessageTooLarge, dropped)
		}
		msg = a.buf
		if msg == nil {
			msg = []byte{}
		}
		a.Reset()
		return msg, true, nil
	}

	if !a.open {
		return nil, false, ErrNoOpenBuffer
	}
	if a.overflow {
		a.dropped += len(fragment)
		return nil, false, nil
	}
	if a.maxSize > 0 && len(a.buf)+len(fragment) > a.maxSize {
		err = fmt.Errorf("%w: %d+%d bytes exceeds %d", ErrMessageTooLarge, len(a.buf), len(fragment), a.maxSize)
		a.overflow = true
		a.dropped = len(a.buf) + len(fragment)
		a.buf = nil
		return nil, false, err
	}
	a.buf = append(a.buf, fragment...)
	return nil, false, nil
}
