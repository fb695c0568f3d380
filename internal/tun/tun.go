// Package tun implements the virtual interface side of the tunnel.
//
// A [Device] exchanges whole IP packets with the host, without framing.
// Two backends exist: a kernel TUN interface (linux, see [NewKernelOpener])
// and a userspace network stack (see [NewNetstackOpener]). Every device is
// opened through [Open], which enforces that no two tunnels use the same
// interface name at the same time.
package tun

import (
	"fmt"
	"net/netip"
	"sync"

	"github.com/gamavpn/wgtunnel/internal/model"
)

// Device is a layer-3 virtual interface.
type Device interface {
	// Name returns the interface name.
	Name() string

	// MTU returns the interface MTU.
	MTU() int

	// Read reads one IP packet into b.
	Read(b []byte) (int, error)

	// Write injects one IP packet.
	Write(b []byte) (int, error)

	// Close tears down the interface and unblocks pending reads.
	Close() error
}

// Config describes the interface to create.
type Config struct {
	// Name is the interface name.
	Name string

	// MTU is the interface MTU.
	MTU int

	// Addresses are the local addresses, with their prefix length.
	Addresses []netip.Prefix

	// DNS are the DNS servers (netstack only).
	DNS []netip.Addr

	// Routes are the prefixes to route through the interface (kernel only).
	Routes []netip.Prefix
}

// Opener creates devices.
type Opener interface {
	Open(cfg Config) (Device, error)
}

// OpenerFunc adapts a function to [Opener].
type OpenerFunc func(cfg Config) (Device, error)

// Open implements Opener.
func (fx OpenerFunc) Open(cfg Config) (Device, error) {
	return fx(cfg)
}

// registry tracks the interface names in use in this process.
var registry = struct {
	mu    sync.Mutex
	names map[string]bool
}{names: make(map[string]bool)}

// claim reserves name, failing with [model.ErrInterfaceBusy] if taken.
func claim(name string) error {
	defer registry.mu.Unlock()
	registry.mu.Lock()
	if registry.names[name] {
		return fmt.Errorf("%w: %s", model.ErrInterfaceBusy, name)
	}
	registry.names[name] = true
	return nil
}

func release(name string) {
	defer registry.mu.Unlock()
	registry.mu.Lock()
	delete(registry.names, name)
}

// InUse returns whether a device currently holds name.
func InUse(name string) bool {
	defer registry.mu.Unlock()
	registry.mu.Lock()
	return registry.names[name]
}

// Open claims cfg.Name and opens a device with opener. The name is
// released when the device is closed, or right away if opening fails.
func Open(opener Opener, cfg Config) (Device, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("%w: empty interface name", model.ErrConfigInvalid)
	}
	if err := claim(cfg.Name); err != nil {
		return nil, err
	}
	dev, err := opener.Open(cfg)
	if err != nil {
		release(cfg.Name)
		return nil, fmt.Errorf("%w: open %s: %s", model.ErrIO, cfg.Name, err)
	}
	return &claimedDevice{Device: dev, name: cfg.Name}, nil
}

// claimedDevice releases the registry entry on Close.
type claimedDevice struct {
	Device
	name string
	once sync.Once
	err  error
}

func (d *claimedDevice) Close() error {
	d.once.Do(func() {
		d.err = d.Device.Close()
		release(d.name)
	})
	return d.err
}
