// Package player provides the per-guild voice player controller.
package player

// ConnState represents the connection lifecycle state of a player.
type ConnState int

const (
	StateDisconnected         ConnState = iota // Created, no connect issued yet
	StateAwaitingConfirmation                  // Connect issued, waiting for the node to acknowledge
	StateConnected                             // Voice descriptor pushed and acknowledged
	StateInvalidated                           // Torn down; the instance must not be reused
)

// String returns the string representation of the state.
func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateAwaitingConfirmation:
		return "awaiting_confirmation"
	case StateConnected:
		return "connected"
	case StateInvalidated:
		return "invalidated"
	default:
		return "unknown"
	}
}
