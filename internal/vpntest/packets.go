package vpntest

import (
	"encoding/binary"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// UDPPacket builds an IPv4 or IPv6 UDP packet from src to dst, depending
// on the address family of src.
func UDPPacket(src, dst netip.AddrPort, payload []byte) []byte {
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(src.Port()),
		DstPort: layers.UDPPort(dst.Port()),
	}
	var network gopacket.SerializableLayer
	if src.Addr().Is4() {
		ip := &layers.IPv4{
			Version:  4,
			IHL:      5,
			TTL:      64,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    net.IP(src.Addr().AsSlice()),
			DstIP:    net.IP(dst.Addr().AsSlice()),
		}
		udp.SetNetworkLayerForChecksum(ip)
		network = ip
	} else {
		ip := &layers.IPv6{
			Version:    6,
			HopLimit:   64,
			NextHeader: layers.IPProtocolUDP,
			SrcIP:      net.IP(src.Addr().AsSlice()),
			DstIP:      net.IP(dst.Addr().AsSlice()),
		}
		udp.SetNetworkLayerForChecksum(ip)
		network = ip
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, network, udp, gopacket.Payload(payload)); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// UDPPayload decodes pkt and returns its UDP payload, or nil.
func UDPPayload(pkt []byte) []byte {
	first := layers.LayerTypeIPv4
	if len(pkt) > 0 && pkt[0]>>4 == 6 {
		first = layers.LayerTypeIPv6
	}
	decoded := gopacket.NewPacket(pkt, first, gopacket.Default)
	layer := decoded.Layer(layers.LayerTypeUDP)
	if layer == nil {
		return nil
	}
	return layer.(*layers.UDP).Payload
}

// TrimPadding strips the zero padding the sender appended after an IP packet.
func TrimPadding(pkt []byte) []byte {
	switch {
	case len(pkt) >= 20 && pkt[0]>>4 == 4:
		if n := int(binary.BigEndian.Uint16(pkt[2:4])); n <= len(pkt) {
			return pkt[:n]
		}
	case len(pkt) >= 40 && pkt[0]>>4 == 6:
		if n := 40 + int(binary.BigEndian.Uint16(pkt[4:6])); n <= len(pkt) {
			return pkt[:n]
		}
	}
	return pkt
}

// SwapAddresses returns a copy of pkt with source and destination
// addresses exchanged, as an echo reply would carry them. Checksums
// stay valid because they are sums over both addresses.
func SwapAddresses(pkt []byte) []byte {
	out := append([]byte{}, pkt...)
	swap := func(a, b, size int) {
		tmp := make([]byte, size)
		copy(tmp, out[a:a+size])
		copy(out[a:a+size], out[b:b+size])
		copy(out[b:b+size], tmp)
	}
	switch {
	case len(out) >= 20 && out[0]>>4 == 4:
		swap(12, 16, 4)
	case len(out) >= 40 && out[0]>>4 == 6:
		swap(8, 24, 16)
	}
	return out
}
