package session

type State int

const (
	StateIdle State = iota
	StateScanning
	StateConnecting
	StateNegotiating
	StateConnected
	StateReconnecting
	StateDisconnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateConnecting:
		return "connecting"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name for JSON and MQTT payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// busy reports whether a connect or reconnect sequence owns the session.
func (s State) busy() bool {
	switch s {
	case StateScanning, StateConnecting, StateNegotiating, StateReconnecting:
		return true
	}
	return false
}

// live reports whether Disconnect has anything to tear down.
func (s State) live() bool {
	return s.busy() || s == StateConnected
}
