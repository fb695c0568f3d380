// Package vpntest provides utilities for wgtunnel testing: mocked sockets,
// an in-memory TUN device, IP packet builders and a WireGuard test peer.
package vpntest

import (
	"context"
	"net"
	"net/netip"
	"time"
)

// Addr allows mocking net.Addr.
type Addr struct {
	MockString  func() string
	MockNetwork func() string
}

var _ net.Addr = &Addr{}

// String calls MockString.
func (a *Addr) String() string {
	return a.MockString()
}

// Network calls MockNetwork.
func (a *Addr) Network() string {
	return a.MockNetwork()
}

// PacketConn allows mocking net.PacketConn.
type PacketConn struct {
	MockReadFrom         func(p []byte) (int, net.Addr, error)
	MockWriteTo          func(p []byte, addr net.Addr) (int, error)
	MockClose            func() error
	MockLocalAddr        func() net.Addr
	MockSetDeadline      func(t time.Time) error
	MockSetReadDeadline  func(t time.Time) error
	MockSetWriteDeadline func(t time.Time) error
}

var _ net.PacketConn = &PacketConn{}

// ReadFrom calls MockReadFrom.
func (c *PacketConn) ReadFrom(p []byte) (int, net.Addr, error) {
	return c.MockReadFrom(p)
}

// WriteTo calls MockWriteTo.
func (c *PacketConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	return c.MockWriteTo(p, addr)
}

// Close calls MockClose.
func (c *PacketConn) Close() error {
	return c.MockClose()
}

// LocalAddr calls MockLocalAddr.
func (c *PacketConn) LocalAddr() net.Addr {
	return c.MockLocalAddr()
}

// SetDeadline calls MockSetDeadline.
func (c *PacketConn) SetDeadline(t time.Time) error {
	return c.MockSetDeadline(t)
}

// SetReadDeadline calls MockSetReadDeadline.
func (c *PacketConn) SetReadDeadline(t time.Time) error {
	return c.MockSetReadDeadline(t)
}

// SetWriteDeadline calls MockSetWriteDeadline.
func (c *PacketConn) SetWriteDeadline(t time.Time) error {
	return c.MockSetWriteDeadline(t)
}

// PacketListener allows mocking model.PacketListener.
type PacketListener struct {
	MockListenPacket func(ctx context.Context, network, address string) (net.PacketConn, error)
}

// ListenPacket calls MockListenPacket.
func (pl *PacketListener) ListenPacket(ctx context.Context, network, address string) (net.PacketConn, error) {
	return pl.MockListenPacket(ctx, network, address)
}

// LoopbackListener binds real sockets on 127.0.0.1, whatever the requested
// address, and counts the sockets it created.
type LoopbackListener struct {
	lc    net.ListenConfig
	binds chan net.PacketConn
}

// NewLoopbackListener returns a [LoopbackListener].
func NewLoopbackListener() *LoopbackListener {
	return &LoopbackListener{binds: make(chan net.PacketConn, 64)}
}

// ListenPacket implements model.PacketListener.
func (ll *LoopbackListener) ListenPacket(ctx context.Context, network, address string) (net.PacketConn, error) {
	conn, err := ll.lc.ListenPacket(ctx, "udp4", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	select {
	case ll.binds <- conn:
	default:
	}
	return conn, nil
}

// Sockets returns every socket created so far.
func (ll *LoopbackListener) Sockets() []net.PacketConn {
	var out []net.PacketConn
	for {
		select {
		case c := <-ll.binds:
			out = append(out, c)
		default:
			return out
		}
	}
}

// Resolver allows mocking model.Resolver.
type Resolver struct {
	MockLookupNetIP func(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// LookupNetIP calls MockLookupNetIP.
func (r *Resolver) LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error) {
	return r.MockLookupNetIP(ctx, network, host)
}
