package tun

import (
	"errors"
	"net/netip"
	"os"
	"sync"

	wgtun "golang.zx2c4.com/wireguard/tun"
	"golang.zx2c4.com/wireguard/tun/netstack"
)

// netstackDevice is a userspace network stack seen as a [Device].
type netstackDevice struct {
	name string
	dev  wgtun.Device
	mtu  int

	// rmu serializes reads since we reuse the batch slices
	rmu   sync.Mutex
	bufs  [][]byte
	sizes []int
}

// NewNetstackOpener returns an [Opener] creating userspace network stacks
// with cfg.Addresses and cfg.DNS. No privileges are needed and the host
// routing table is untouched: onReady receives the [*netstack.Net] through
// which the host application dials into the tunnel.
func NewNetstackOpener(onReady func(tnet *netstack.Net)) Opener {
	return OpenerFunc(func(cfg Config) (Device, error) {
		addrs := make([]netip.Addr, 0, len(cfg.Addresses))
		for _, prefix := range cfg.Addresses {
			addrs = append(addrs, prefix.Addr())
		}
		dev, tnet, err := netstack.CreateNetTUN(addrs, cfg.DNS, cfg.MTU)
		if err != nil {
			return nil, err
		}
		if onReady != nil {
			onReady(tnet)
		}
		return &netstackDevice{
			name:  cfg.Name,
			dev:   dev,
			mtu:   cfg.MTU,
			bufs:  make([][]byte, 1),
			sizes: make([]int, 1),
		}, nil
	})
}

func (d *netstackDevice) Name() string {
	return d.name
}

func (d *netstackDevice) MTU() int {
	return d.mtu
}

func (d *netstackDevice) Read(b []byte) (int, error) {
	defer d.rmu.Unlock()
	d.rmu.Lock()
	d.bufs[0] = b
	count, err := d.dev.Read(d.bufs, d.sizes, 0)
	d.bufs[0] = nil
	if err != nil {
		return 0, err
	}
	if count == 0 {
		return 0, nil
	}
	return d.sizes[0], nil
}

func (d *netstackDevice) Write(b []byte) (int, error) {
	if _, err := d.dev.Write([][]byte{b}, 0); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (d *netstackDevice) Close() error {
	if err := d.dev.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return err
	}
	return nil
}
