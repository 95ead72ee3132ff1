package att

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// DefaultTransactionTimeout is the ATT transaction timeout from the core spec.
const DefaultTransactionTimeout = 30 * time.Second

var (
	ErrRequestPending   = errors.New("att: request already pending")
	ErrNoPendingRequest = errors.New("att: no pending request")
	ErrRequestTimeout   = errors.New("att: request timeout")
	ErrRequestCancelled = errors.New("att: request cancelled")
)

// RequestTracker enforces the one-outstanding-request rule of a bearer and
// matches responses to the pending request.
type RequestTracker struct {
	mu      sync.Mutex
	pending *pendingRequest
	timeout time.Duration
}

type pendingRequest struct {
	opcode    uint8
	handle    uint16
	responseC chan Response
	timer     *time.Timer
	sentAt    time.Time
}

// Response is delivered exactly once per started request. An Error Response
// from the peer arrives as Err of type *Error.
type Response struct {
	Packet interface{}
	Err    error
}

func NewRequestTracker(timeout time.Duration) *RequestTracker {
	if timeout <= 0 {
		timeout = DefaultTransactionTimeout
	}
	return &RequestTracker{timeout: timeout}
}

// StartRequest registers a request before it is sent.
func (rt *RequestTracker) StartRequest(opcode uint8, handle uint16) (<-chan Response, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.pending != nil {
		return nil, fmt.Errorf("%w (opcode 0x%02X on handle 0x%04X)", ErrRequestPending, rt.pending.opcode, rt.pending.handle)
	}

	p := &pendingRequest{
		opcode:    opcode,
		handle:    handle,
		responseC: make(chan Response, 1),
		sentAt:    time.Now(),
	}
	p.timer = time.AfterFunc(rt.timeout, func() { rt.expire(p) })
	rt.pending = p
	return p.responseC, nil
}

func (rt *RequestTracker) expire(p *pendingRequest) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.pending != p {
		return
	}
	rt.finish(Response{Err: fmt.Errorf("%w: opcode 0x%02X, handle 0x%04X", ErrRequestTimeout, p.opcode, p.handle)})
}

// CompleteRequest delivers a response PDU to the pending request.
func (rt *RequestTracker) CompleteRequest(responseOpcode uint8, packet interface{}) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.pending == nil {
		return fmt.Errorf("%w for response opcode 0x%02X", ErrNoPendingRequest, responseOpcode)
	}

	if errResp, ok := packet.(*ErrorResponse); ok {
		rt.finish(Response{Packet: packet, Err: errResp.Err()})
		return nil
	}

	expected := ResponseOpcode(rt.pending.opcode)
	if responseOpcode != expected {
		return fmt.Errorf("att: unexpected response opcode 0x%02X for request 0x%02X (expected 0x%02X)",
			responseOpcode, rt.pending.opcode, expected)
	}
	rt.finish(Response{Packet: packet})
	return nil
}

// CancelPending fails any pending request, typically on disconnect.
func (rt *RequestTracker) CancelPending() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.pending != nil {
		rt.finish(Response{Err: ErrRequestCancelled})
	}
}

func (rt *RequestTracker) HasPending() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.pending != nil
}

// caller holds rt.mu
func (rt *RequestTracker) finish(resp Response) {
	p := rt.pending
	rt.pending = nil
	p.timer.Stop()
	p.responseC <- resp
	close(p.responseC)
}
