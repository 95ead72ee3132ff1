package link

// State is the connection state owned by the Machine
type State int

const (
	StateIdle State = iota
	StateScanning
	StateConnecting
	StateDiscoveringServices
	StateDiscoveringCharacteristics
	StateSubscribing
	StateReceiving
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateConnecting:
		return "connecting"
	case StateDiscoveringServices:
		return "discoveringServices"
	case StateDiscoveringCharacteristics:
		return "discoveringCharacteristics"
	case StateSubscribing:
		return "subscribing"
	case StateReceiving:
		return "receiving"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

