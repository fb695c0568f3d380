//go:build linux

package main

import (
	"context"
	"fmt"
	"net"

	"github.com/apex/log"
	"github.com/gamavpn/wgtunnel/internal/tun"
	"github.com/gamavpn/wgtunnel/pkg/tunnel"
	"github.com/jackpal/gateway"
)

func kernelOpener() (tunnel.DeviceOpener, error) {
	return tunnel.KernelDevice(), nil
}

// pinEndpointRoute routes the endpoint through the default gateway, so
// that allowed IPs covering it do not loop the tunnel into itself.
func pinEndpointRoute(ctx context.Context, endpoint string) (func() error, error) {
	host, _, err := net.SplitHostPort(endpoint)
	if err != nil {
		return nil, err
	}
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no address for %s", host)
	}
	gw, err := gateway.DiscoverGateway()
	if err != nil {
		return nil, fmt.Errorf("could not discover default gateway IP: %w", err)
	}
	log.Infof("route add %s gw %v", addrs[0], gw)
	return tun.PinHostRoute(addrs[0], gw)
}
