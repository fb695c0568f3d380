package model

import (
	"context"
	"net"
	"net/netip"
)

// PacketListener binds datagram sockets. [*net.ListenConfig] implements it.
type PacketListener interface {
	ListenPacket(ctx context.Context, network, address string) (net.PacketConn, error)
}

// Dialer is a type allowing to dial network connections.
type Dialer interface {
	DialContext(context.Context, string, string) (net.Conn, error)
}

// Resolver resolves host names. [*net.Resolver] implements it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}
