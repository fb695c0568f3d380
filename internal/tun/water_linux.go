//go:build linux

package tun

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/Doridian/water"
	"github.com/vishvananda/netlink"
)

// kernelDevice is a TUN interface created in the kernel.
type kernelDevice struct {
	iface *water.Interface
	mtu   int
}

// NewKernelOpener returns an [Opener] creating kernel TUN interfaces. The
// interface gets cfg.Addresses, cfg.MTU and one route per cfg.Routes
// prefix, and is brought up. Requires CAP_NET_ADMIN.
func NewKernelOpener() Opener {
	return OpenerFunc(openKernel)
}

func openKernel(cfg Config) (Device, error) {
	iface, err := water.New(water.Config{
		DeviceType: water.TUN,
		PlatformSpecificParams: water.PlatformSpecificParams{
			Name: cfg.Name,
		},
	})
	if err != nil {
		return nil, err
	}
	if err := configureLink(iface.Name(), cfg); err != nil {
		iface.Close()
		return nil, err
	}
	return &kernelDevice{iface: iface, mtu: cfg.MTU}, nil
}

// configureLink assigns addresses and MTU, brings the link up and adds routes.
func configureLink(name string, cfg Config) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("cannot find link %s: %w", name, err)
	}
	for _, prefix := range cfg.Addresses {
		addr := &netlink.Addr{IPNet: prefixToIPNet(prefix)}
		if err := netlink.AddrAdd(link, addr); err != nil {
			return fmt.Errorf("cannot add address %s: %w", prefix, err)
		}
	}
	if err := netlink.LinkSetMTU(link, cfg.MTU); err != nil {
		return fmt.Errorf("cannot set mtu %d: %w", cfg.MTU, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("cannot bring %s up: %w", name, err)
	}
	for _, prefix := range cfg.Routes {
		route := &netlink.Route{
			LinkIndex: link.Attrs().Index,
			Scope:     netlink.SCOPE_LINK,
			Dst:       prefixToIPNet(prefix.Masked()),
		}
		if err := netlink.RouteReplace(route); err != nil {
			return fmt.Errorf("cannot route %s: %w", prefix, err)
		}
	}
	return nil
}

func prefixToIPNet(prefix netip.Prefix) *net.IPNet {
	addr := prefix.Addr().Unmap()
	return &net.IPNet{
		IP:   net.IP(addr.AsSlice()),
		Mask: net.CIDRMask(prefix.Bits(), addr.BitLen()),
	}
}

func (d *kernelDevice) Name() string {
	return d.iface.Name()
}

func (d *kernelDevice) MTU() int {
	return d.mtu
}

func (d *kernelDevice) Read(b []byte) (int, error) {
	return d.iface.Read(b)
}

func (d *kernelDevice) Write(b []byte) (int, error) {
	return d.iface.Write(b)
}

// Close destroys the interface; the kernel drops its addresses and routes.
func (d *kernelDevice) Close() error {
	return d.iface.Close()
}
