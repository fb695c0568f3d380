// Package config contains the tunnel configuration.
package config

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"time"

	"github.com/gamavpn/wgtunnel/internal/model"
	"github.com/gamavpn/wgtunnel/internal/optional"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

const (
	// DefaultInterfaceName is used when the options carry no name.
	DefaultInterfaceName = "wg0"

	// DefaultMTU leaves room for the outer IPv6 and UDP headers and
	// the transport header over a 1500 bytes link.
	DefaultMTU = 1420

	// DefaultKeepalive is the keepalive interval used when none is set.
	DefaultKeepalive = 25 * time.Second

	// minMTU is the smallest MTU an IPv4 host must accept.
	minMTU = 576

	// maxInterfaceName is IFNAMSIZ minus the trailing NUL.
	maxInterfaceName = 15
)

// Config is a validated tunnel configuration. It never changes after
// [New] returns it: accessors hand out copies.
type Config struct {
	name          string
	privateKey    wgtypes.Key
	addresses     []netip.Prefix
	dns           []netip.Addr
	mtu           int
	listenPort    int
	peerPublicKey wgtypes.Key
	presharedKey  optional.Value[wgtypes.Key]
	endpoint      string
	allowedIPs    []netip.Prefix
	keepalive     time.Duration
}

// New validates opts and returns a [Config]. Failures wrap
// [model.ErrConfigInvalid].
func New(opts *Options) (*Config, error) {
	if opts == nil {
		return nil, fmt.Errorf("%w: nil options", model.ErrConfigInvalid)
	}
	c := &Config{
		name:         opts.InterfaceName,
		mtu:          opts.MTU,
		listenPort:   opts.ListenPort,
		endpoint:     opts.Endpoint,
		presharedKey: optional.None[wgtypes.Key](),
		keepalive:    time.Duration(opts.PersistentKeepalive) * time.Second,
	}
	if c.name == "" {
		c.name = DefaultInterfaceName
	}
	if len(c.name) > maxInterfaceName {
		return nil, invalid("interface name %q longer than %d bytes", c.name, maxInterfaceName)
	}
	if c.mtu == 0 {
		c.mtu = DefaultMTU
	}
	if c.mtu < minMTU || c.mtu > 65535 {
		return nil, invalid("mtu %d out of range", c.mtu)
	}
	if c.listenPort < 0 || c.listenPort > 65535 {
		return nil, invalid("listen port %d out of range", c.listenPort)
	}
	if opts.PersistentKeepalive < 0 || opts.PersistentKeepalive > 65535 {
		return nil, invalid("persistent keepalive %d out of range", opts.PersistentKeepalive)
	}
	if c.keepalive == 0 {
		c.keepalive = DefaultKeepalive
	}

	var err error
	if c.privateKey, err = parseKey("private key", opts.PrivateKey); err != nil {
		return nil, err
	}
	if c.peerPublicKey, err = parseKey("peer public key", opts.PeerPublicKey); err != nil {
		return nil, err
	}
	if c.peerPublicKey == c.privateKey.PublicKey() {
		return nil, invalid("peer public key is our own public key")
	}
	if opts.PresharedKey != "" {
		psk, err := parseKey("preshared key", opts.PresharedKey)
		if err != nil {
			return nil, err
		}
		c.presharedKey = optional.Some(psk)
	}

	if c.addresses, err = parsePrefixes("address", opts.Addresses, false); err != nil {
		return nil, err
	}
	if len(c.addresses) == 0 {
		return nil, invalid("at least one interface address is required")
	}
	if c.allowedIPs, err = parsePrefixes("allowed ip", opts.AllowedIPs, true); err != nil {
		return nil, err
	}
	if len(c.allowedIPs) == 0 {
		return nil, invalid("at least one allowed ip is required")
	}
	for _, s := range opts.DNS {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return nil, invalid("dns %q: %s", s, err)
		}
		c.dns = append(c.dns, addr)
	}

	if err := checkEndpoint(c.endpoint); err != nil {
		return nil, err
	}
	return c, nil
}

func invalid(format string, v ...any) error {
	return fmt.Errorf("%w: %s", model.ErrConfigInvalid, fmt.Sprintf(format, v...))
}

func parseKey(what, s string) (wgtypes.Key, error) {
	if s == "" {
		return wgtypes.Key{}, invalid("missing %s", what)
	}
	key, err := wgtypes.ParseKey(s)
	if err != nil {
		return wgtypes.Key{}, invalid("%s: %s", what, err)
	}
	return key, nil
}

func parsePrefixes(what string, values []string, mask bool) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, s := range values {
		prefix, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, invalid("%s %q: %s", what, s, err)
		}
		if mask {
			prefix = prefix.Masked()
		}
		out = append(out, prefix)
	}
	return out, nil
}

func checkEndpoint(endpoint string) error {
	if endpoint == "" {
		return invalid("missing peer endpoint")
	}
	host, port, err := net.SplitHostPort(endpoint)
	if err != nil {
		return invalid("endpoint %q: %s", endpoint, err)
	}
	if host == "" {
		return invalid("endpoint %q: empty host", endpoint)
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return invalid("endpoint %q: bad port", endpoint)
	}
	return nil
}

// InterfaceName returns the interface name.
func (c *Config) InterfaceName() string {
	return c.name
}

// PrivateKey returns our private key.
func (c *Config) PrivateKey() wgtypes.Key {
	return c.privateKey
}

// PublicKey returns our public key.
func (c *Config) PublicKey() wgtypes.Key {
	return c.privateKey.PublicKey()
}

// Addresses returns the interface addresses.
func (c *Config) Addresses() []netip.Prefix {
	return append([]netip.Prefix{}, c.addresses...)
}

// DNS returns the DNS servers.
func (c *Config) DNS() []netip.Addr {
	return append([]netip.Addr{}, c.dns...)
}

// MTU returns the interface MTU.
func (c *Config) MTU() int {
	return c.mtu
}

// ListenPort returns the local UDP port, zero meaning any.
func (c *Config) ListenPort() int {
	return c.listenPort
}

// ListenAddress returns the address to bind the UDP socket to.
func (c *Config) ListenAddress() string {
	return net.JoinHostPort("", strconv.Itoa(c.listenPort))
}

// PeerPublicKey returns the peer public key.
func (c *Config) PeerPublicKey() wgtypes.Key {
	return c.peerPublicKey
}

// PresharedKey returns the pre-shared key, if any.
func (c *Config) PresharedKey() optional.Value[wgtypes.Key] {
	return c.presharedKey
}

// Endpoint returns the peer host:port.
func (c *Config) Endpoint() string {
	return c.endpoint
}

// AllowedIPs returns the prefixes routed to the peer.
func (c *Config) AllowedIPs() []netip.Prefix {
	return append([]netip.Prefix{}, c.allowedIPs...)
}

// Keepalive returns the keepalive interval.
func (c *Config) Keepalive() time.Duration {
	return c.keepalive
}
