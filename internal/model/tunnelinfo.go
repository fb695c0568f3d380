package model

import "net/netip"

// TunnelInfo is a read-only snapshot of the tunnel, suitable for status
// displays. It is assembled on demand and never shared with the worker.
type TunnelInfo struct {
	// Status is the current status.
	Status TunnelStatus

	// Reason is the error behind [StatusError], if any.
	Reason error

	// HandleID identifies the live tunnel handle; empty when none exists.
	HandleID string

	// Interface is the virtual interface name.
	Interface string

	// Endpoint is the peer endpoint we are currently sending to.
	Endpoint netip.AddrPort

	// Epoch is the epoch of the current session keys.
	Epoch uint64

	// Stats contains the traffic counters.
	Stats PeerStats
}
