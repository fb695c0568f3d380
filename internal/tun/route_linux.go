//go:build linux

package tun

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/vishvananda/netlink"
)

// PinHostRoute routes host through gateway, outside the tunnel, so that
// encrypted traffic to the endpoint does not loop into the interface when
// the allowed IPs cover it. It returns a function removing the route.
func PinHostRoute(host netip.Addr, gateway net.IP) (func() error, error) {
	host = host.Unmap()
	route := &netlink.Route{
		Scope: netlink.SCOPE_UNIVERSE,
		Dst:   prefixToIPNet(netip.PrefixFrom(host, host.BitLen())),
		Gw:    gateway,
	}
	if err := netlink.RouteReplace(route); err != nil {
		return nil, fmt.Errorf("cannot pin route to %s via %s: %w", host, gateway, err)
	}
	return func() error {
		return netlink.RouteDel(route)
	}, nil
}
