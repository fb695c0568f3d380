// Package allowedips filters tunnel traffic by IP prefix.
//
// Outbound, the destination of a packet read from the device must be
// inside the peer's allowed IPs. Inbound, the source of a decrypted
// packet must be. Packets failing either check are dropped by the caller.
package allowedips

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// ErrNotIP means a packet does not start with a valid IPv4 or IPv6 header.
var ErrNotIP = errors.New("allowedips: not an IP packet")

// Table is an immutable set of prefixes. The zero value allows nothing.
type Table struct {
	prefixes []netip.Prefix
}

// New returns a table holding prefixes, masked to their length.
func New(prefixes []netip.Prefix) *Table {
	t := &Table{}
	for _, p := range prefixes {
		if p.IsValid() {
			t.prefixes = append(t.prefixes, netip.PrefixFrom(p.Addr().Unmap(), p.Bits()).Masked())
		}
	}
	return t
}

// Prefixes returns a copy of the prefixes.
func (t *Table) Prefixes() []netip.Prefix {
	return append([]netip.Prefix{}, t.prefixes...)
}

// Contains returns whether addr is inside one of the prefixes.
func (t *Table) Contains(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range t.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// AllowOutbound returns whether the destination of pkt is allowed.
func (t *Table) AllowOutbound(pkt []byte) bool {
	_, dst, err := Addresses(pkt)
	return err == nil && t.Contains(dst)
}

// AllowInbound returns whether the source of pkt is allowed.
func (t *Table) AllowInbound(pkt []byte) bool {
	src, _, err := Addresses(pkt)
	return err == nil && t.Contains(src)
}

// Addresses returns the source and destination addresses of an IP packet.
func Addresses(pkt []byte) (src, dst netip.Addr, err error) {
	if len(pkt) < 1 {
		return src, dst, ErrNotIP
	}
	var srcIP, dstIP net.IP
	switch pkt[0] >> 4 {
	case ipv4.Version:
		header, err := ipv4.ParseHeader(pkt)
		if err != nil {
			return src, dst, fmt.Errorf("%w: %s", ErrNotIP, err)
		}
		srcIP, dstIP = header.Src.To4(), header.Dst.To4()
	case ipv6.Version:
		header, err := ipv6.ParseHeader(pkt)
		if err != nil {
			return src, dst, fmt.Errorf("%w: %s", ErrNotIP, err)
		}
		srcIP, dstIP = header.Src, header.Dst
	default:
		return src, dst, ErrNotIP
	}
	var ok1, ok2 bool
	src, ok1 = netip.AddrFromSlice(srcIP)
	dst, ok2 = netip.AddrFromSlice(dstIP)
	if !ok1 || !ok2 {
		return netip.Addr{}, netip.Addr{}, ErrNotIP
	}
	return src.Unmap(), dst.Unmap(), nil
}

// Length returns the length of the IP packet at the start of b, which
// may be followed by padding. Lengths are read in network byte order.
func Length(b []byte) (int, error) {
	if len(b) < 1 {
		return 0, ErrNotIP
	}
	var n int
	switch b[0] >> 4 {
	case ipv4.Version:
		if len(b) < ipv4.HeaderLen {
			return 0, fmt.Errorf("%w: short ipv4 header", ErrNotIP)
		}
		hdrlen := int(b[0]&0x0f) << 2
		n = int(binary.BigEndian.Uint16(b[2:4]))
		if hdrlen < ipv4.HeaderLen || n < hdrlen {
			return 0, fmt.Errorf("%w: bad ipv4 lengths", ErrNotIP)
		}
	case ipv6.Version:
		if len(b) < ipv6.HeaderLen {
			return 0, fmt.Errorf("%w: short ipv6 header", ErrNotIP)
		}
		n = ipv6.HeaderLen + int(binary.BigEndian.Uint16(b[4:6]))
	default:
		return 0, ErrNotIP
	}
	if n > len(b) {
		return 0, fmt.Errorf("%w: truncated packet", ErrNotIP)
	}
	return n, nil
}
