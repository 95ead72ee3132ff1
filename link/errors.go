package link

import (
	"errors"
	"fmt"
)

// Kind classifies a link error
type Kind int

const (
	KindConnectFailed Kind = iota
	KindDiscoveryFailed
	KindSubscriptionRejected
	KindAssembly
	KindTimeout
	KindCommand
)

func (k Kind) String() string {
	switch k {
	case KindConnectFailed:
		return "ConnectFailed"
	case KindDiscoveryFailed:
		return "DiscoveryFailed"
	case KindSubscriptionRejected:
		return "SubscriptionRejected"
	case KindAssembly:
		return "AssemblyError"
	case KindTimeout:
		return "Timeout"
	case KindCommand:
		return "CommandFailed"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Sentinels matched by (*Error).Is on kind, so errors.Is(err, ErrTimeout)
// works for any timeout regardless of the wrapped reason.
var (
	ErrConnectFailed        = errors.New("connect failed")
	ErrDiscoveryFailed      = errors.New("discovery failed")
	ErrSubscriptionRejected = errors.New("subscription rejected")
	ErrAssembly             = errors.New("assembly error")
	ErrTimeout              = errors.New("timeout")
	ErrCommand              = errors.New("transport command failed")

	// ErrMessageTooLarge is an assembly error raised when a fragment would grow
	// the pending message past Config.MaxMessageSize.
	ErrMessageTooLarge = errors.New("message too large")
	// ErrNoOpenBuffer is the assembly error for data arriving before Begin.
	ErrNoOpenBuffer = errors.New("no data to process")
)

var kindSentinels = map[Kind]error{
	KindConnectFailed:        ErrConnectFailed,
	KindDiscoveryFailed:      ErrDiscoveryFailed,
	KindSubscriptionRejected: ErrSubscriptionRejected,
	KindAssembly:             ErrAssembly,
	KindTimeout:              ErrTimeout,
	KindCommand:              ErrCommand,
}

// Error is a non-fatal protocol error surfaced by the state machine.
type Error struct {
	Kind Kind
	Peer PeerID
	Err  error // reason reported by the transport, may be nil
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Peer != "" {
		msg += " (" + string(e.Peer) + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

func newError(kind Kind, peer PeerID, err error) *Error {
	return &Error{Kind: kind, Peer: peer, Err: err}
}
