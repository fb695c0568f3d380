// Package networkio implements the UDP side of the tunnel: one socket per
// tunnel, a reader worker, and endpoint-addressed sends.
package networkio

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/netip"
	"sync/atomic"

	"github.com/gamavpn/wgtunnel/internal/model"
	"github.com/gamavpn/wgtunnel/internal/workers"
)

var serviceName = "networkio"

// ErrPacketTooLarge means that a packet is larger than [math.MaxUint16].
var ErrPacketTooLarge = errors.New("packet too large")

// Datagram is a datagram received from the network.
type Datagram struct {
	// From is the source endpoint, with IPv4-mapped addresses unmapped.
	From netip.AddrPort

	// Payload is the datagram payload.
	Payload []byte
}

// Transport owns the socket of one tunnel. The zero value is invalid;
// use [Listen]. All methods are safe for concurrent use.
type Transport struct {
	conn     *closeOnceConn
	logger   model.Logger
	incoming chan Datagram
	failures chan error
	closed   atomic.Bool
}

// Listen binds a datagram socket on address (":0" picks a free port)
// using the given listener. Failures wrap [model.ErrIO].
func Listen(ctx context.Context, listener model.PacketListener, address string, logger model.Logger) (*Transport, error) {
	conn, err := listener.ListenPacket(ctx, "udp", address)
	if err != nil {
		return nil, fmt.Errorf("%w: listen %s: %s", model.ErrIO, address, err)
	}
	logger.Debugf("%s: bound %s", serviceName, conn.LocalAddr())
	return &Transport{
		conn:     newCloseOnceConn(conn),
		logger:   logger,
		incoming: make(chan Datagram, 256),
		failures: make(chan error, 1),
	}, nil
}

// LocalAddr returns the bound address.
func (t *Transport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// StartWorkers starts the reader worker, which exits when the manager
// shuts down or the socket fails. A socket failure is reported on
// [Transport.Failures] unless the transport was closed.
func (t *Transport) StartWorkers(manager *workers.Manager) {
	manager.StartWorker(func() { t.moveUpWorker(manager) })
}

// Incoming returns the channel of received datagrams.
func (t *Transport) Incoming() <-chan Datagram {
	return t.incoming
}

// Failures returns the channel where the reader reports a socket failure.
func (t *Transport) Failures() <-chan error {
	return t.failures
}

// Recv blocks until a datagram arrives or ctx is done.
func (t *Transport) Recv(ctx context.Context) (Datagram, error) {
	select {
	case dg := <-t.incoming:
		return dg, nil
	case err := <-t.failures:
		return Datagram{}, err
	case <-ctx.Done():
		return Datagram{}, ctx.Err()
	}
}

// Send writes b to endpoint. Failures wrap [model.ErrIO].
func (t *Transport) Send(endpoint netip.AddrPort, b []byte) error {
	if len(b) > math.MaxUint16 {
		return ErrPacketTooLarge
	}
	if !endpoint.IsValid() {
		return fmt.Errorf("%w: invalid endpoint", model.ErrIO)
	}
	if _, err := t.conn.WriteTo(b, net.UDPAddrFromAddrPort(endpoint)); err != nil {
		return fmt.Errorf("%w: send to %s: %s", model.ErrIO, endpoint, err)
	}
	return nil
}

// Close closes the socket, which unblocks the reader worker.
func (t *Transport) Close() error {
	t.closed.Store(true)
	return t.conn.Close()
}

// moveUpWorker moves datagrams from the socket up to the tunnel.
func (t *Transport) moveUpWorker(manager *workers.Manager) {
	workerName := fmt.Sprintf("%s: moveUpWorker", serviceName)

	defer manager.OnWorkerDone(workerName)

	t.logger.Debugf("%s: started", workerName)

	buffer := make([]byte, math.MaxUint16)
	for {
		// POSSIBLY BLOCK on the socket to read a new datagram
		count, addr, err := t.conn.ReadFrom(buffer)
		if err != nil {
			if t.closed.Load() {
				return
			}
			t.logger.Warnf("%s: ReadFrom: %s", workerName, err.Error())
			select {
			case t.failures <- fmt.Errorf("%w: %s", model.ErrIO, err):
			default:
			}
			return
		}
		from, ok := toAddrPort(addr)
		if !ok {
			t.logger.Debugf("%s: dropping datagram from %s", workerName, addr)
			continue
		}

		// POSSIBLY BLOCK on the channel to deliver the datagram
		select {
		case t.incoming <- Datagram{From: from, Payload: append([]byte(nil), buffer[:count]...)}:
		case <-manager.ShouldShutdown():
			return
		}
	}
}

func toAddrPort(addr net.Addr) (netip.AddrPort, bool) {
	switch v := addr.(type) {
	case *net.UDPAddr:
		ap := v.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), ap.IsValid()
	default:
		ap, err := netip.ParseAddrPort(addr.String())
		if err != nil {
			return netip.AddrPort{}, false
		}
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), true
	}
}

// ResolveEndpoint resolves a host:port endpoint with resolver, preferring
// IPv4. Malformed endpoints wrap [model.ErrConfigInvalid]; failed lookups
// wrap [model.ErrIO], since DNS may come back later.
func ResolveEndpoint(ctx context.Context, resolver model.Resolver, endpoint string) (netip.AddrPort, error) {
	host, port, err := net.SplitHostPort(endpoint)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: endpoint %q: %s", model.ErrConfigInvalid, endpoint, err)
	}
	if ap, err := netip.ParseAddrPort(endpoint); err == nil {
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
	}
	pn, err := net.LookupPort("udp", port)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: endpoint port %q: %s", model.ErrConfigInvalid, port, err)
	}
	addrs, err := resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: cannot resolve %q: %s", model.ErrIO, host, err)
	}
	if len(addrs) == 0 {
		return netip.AddrPort{}, fmt.Errorf("%w: no address for %q", model.ErrIO, host)
	}
	chosen := addrs[0]
	for _, a := range addrs {
		if a.Unmap().Is4() {
			chosen = a
			break
		}
	}
	return netip.AddrPortFrom(chosen.Unmap(), uint16(pn)), nil
}
