package sechat

// ConnState is the socket dispatcher's connection state.
type ConnState int

const (
	// StateDisconnected means no connection has been attempted.
	StateDisconnected ConnState = iota

	// StateConnecting means the token handshake or dial is in flight.
	StateConnecting

	// StateOpen means frames are being received.
	StateOpen

	// StateClosed means the transport closed; the close code is kept
	// alongside. The dispatcher never reconnects on its own.
	StateClosed
)

// String returns the string representation of a ConnState.
func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
