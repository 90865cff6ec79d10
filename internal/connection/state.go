package connection

// State is the lifecycle stage of a peer.
type State uint8

const (
	StateDisconnected State = iota
	StateHandshaking
	StateLobby
	StateInGame
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateHandshaking:
		return "handshaking"
	case StateLobby:
		return "lobby"
	case StateInGame:
		return "in_game"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// Established reports whether the peer has a session key.
func (s State) Established() bool {
	return s == StateLobby || s == StateInGame
}
