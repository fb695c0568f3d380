package config

// Options are the raw tunnel settings, as read from a file or set by
// the host application. Use [New] to validate them into a [Config].
type Options struct {
	// InterfaceName is the name of the virtual interface. Defaults to "wg0".
	InterfaceName string `yaml:"interface"`

	// PrivateKey is our base64 private key.
	PrivateKey string `yaml:"private_key"`

	// Addresses are our interface addresses in CIDR notation.
	Addresses []string `yaml:"addresses"`

	// DNS are the DNS servers to use inside the tunnel.
	DNS []string `yaml:"dns"`

	// MTU is the interface MTU. Defaults to [DefaultMTU].
	MTU int `yaml:"mtu"`

	// ListenPort is the local UDP port. Zero picks a random port.
	ListenPort int `yaml:"listen_port"`

	// PeerPublicKey is the base64 public key of the peer.
	PeerPublicKey string `yaml:"peer_public_key"`

	// PresharedKey is the optional base64 pre-shared key.
	PresharedKey string `yaml:"preshared_key"`

	// Endpoint is the peer host:port.
	Endpoint string `yaml:"endpoint"`

	// AllowedIPs are the prefixes routed to the peer, in CIDR notation.
	AllowedIPs []string `yaml:"allowed_ips"`

	// PersistentKeepalive is the keepalive interval in seconds. Zero
	// means [DefaultKeepalive].
	PersistentKeepalive int `yaml:"persistent_keepalive"`
}
