package model

import "fmt"

// TunnelStatus is the lifecycle state of the tunnel.
type TunnelStatus int

const (
	// StatusDisconnected means no tunnel handle exists.
	StatusDisconnected = TunnelStatus(iota)

	// StatusConnecting means the handle exists and we are bringing up
	// the socket and the virtual interface.
	StatusConnecting

	// StatusHandshaking means the first handshake is in flight.
	StatusHandshaking

	// StatusConnected means we hold valid session keys.
	StatusConnected

	// StatusReconnecting means the peer went silent or the keys expired
	// and we are handshaking again with the interface still up.
	StatusReconnecting

	// StatusDisconnecting means teardown is in progress.
	StatusDisconnecting

	// StatusError is the absorbing failure state; the event carries the reason.
	StatusError
)

var _ fmt.Stringer = StatusDisconnected

// String implements fmt.Stringer.
func (s TunnelStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusHandshaking:
		return "handshaking"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusDisconnecting:
		return "disconnecting"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// IsActive returns true for the states in which a handle is live and a
// new connect request is a no-op.
func (s TunnelStatus) IsActive() bool {
	switch s {
	case StatusConnecting, StatusHandshaking, StatusConnected, StatusReconnecting:
		return true
	default:
		return false
	}
}
