package vpntest

import (
	"errors"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gamavpn/wgtunnel/internal/model"
	"github.com/gamavpn/wgtunnel/internal/noise"
	"github.com/gamavpn/wgtunnel/internal/optional"
	"github.com/gamavpn/wgtunnel/internal/session"
	"github.com/gamavpn/wgtunnel/internal/wire"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// PeerConfig configures a [Peer].
type PeerConfig struct {
	// PrivateKey is the peer static key. Generated when zero.
	PrivateKey wgtypes.Key

	// ClientPublic is the public key of the tunnel under test.
	ClientPublic wgtypes.Key

	// PresharedKey is the optional pre-shared key.
	PresharedKey optional.Value[wgtypes.Key]

	// Limits are the session limits; zero means [session.DefaultLimits].
	Limits session.Limits

	// Echo sends every received IP packet back with swapped addresses.
	Echo bool

	// UnderLoad answers initiations without a valid mac2 with a cookie reply.
	UnderLoad bool

	// CorruptResponse flips a bit inside the encrypted part of each response.
	CorruptResponse bool
}

// Peer is a WireGuard responder bound on 127.0.0.1, driven by tests
// as the remote end of a tunnel.
type Peer struct {
	conn     net.PacketConn
	config   PeerConfig
	private  wgtypes.Key
	noise    *noise.Peer
	resp     *noise.Responder
	checker  *noise.CookieChecker
	cookies  *noise.CookieGenerator
	keys     *session.SessionKeys
	received chan []byte
	done     chan struct{}

	initiations   atomic.Int64
	transports    atomic.Int64
	silent        atomic.Bool
	dropHandshake atomic.Bool
	nextIndex     atomic.Uint32

	mu        sync.Mutex
	client    netip.AddrPort
	initiator *noise.Initiator
}

// NewPeer binds a [Peer] on a random loopback port and starts serving.
func NewPeer(config PeerConfig) (*Peer, error) {
	private := config.PrivateKey
	if private == (wgtypes.Key{}) {
		var err error
		if private, err = wgtypes.GeneratePrivateKey(); err != nil {
			return nil, err
		}
	}
	np, err := noise.NewPeer(private, config.ClientPublic, config.PresharedKey)
	if err != nil {
		return nil, err
	}
	limits := config.Limits
	if limits == (session.Limits{}) {
		limits = session.DefaultLimits()
	}
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	p := &Peer{
		conn:     conn,
		config:   config,
		private:  private,
		noise:    np,
		resp:     noise.NewResponder(np),
		checker:  noise.NewCookieChecker(private.PublicKey()),
		cookies:  noise.NewCookieGenerator(config.ClientPublic),
		keys:     session.New(limits),
		received: make(chan []byte, 256),
		done:     make(chan struct{}),
	}
	p.nextIndex.Store(1000)
	go p.serve()
	return p, nil
}

// PublicKey returns the peer public key.
func (p *Peer) PublicKey() wgtypes.Key {
	return p.private.PublicKey()
}

// Endpoint returns the address the peer listens on.
func (p *Peer) Endpoint() netip.AddrPort {
	return p.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// Initiations returns how many initiations reached the peer.
func (p *Peer) Initiations() int64 {
	return p.initiations.Load()
}

// Transports returns how many transport messages reached the peer.
func (p *Peer) Transports() int64 {
	return p.transports.Load()
}

// Received returns the IP packets the peer decrypted, without padding.
// Keepalives are not delivered; the peer answers them with a keepalive.
func (p *Peer) Received() <-chan []byte {
	return p.received
}

// SetSilent makes the peer ignore every datagram.
func (p *Peer) SetSilent(v bool) {
	p.silent.Store(v)
}

// SetDropHandshakes makes the peer count and ignore initiations.
func (p *Peer) SetDropHandshakes(v bool) {
	p.dropHandshake.Store(v)
}

// Epoch returns the epoch of the peer's current keys.
func (p *Peer) Epoch() uint64 {
	return p.keys.Epoch()
}

// Client returns the last address the tunnel reached us from.
func (p *Peer) Client() netip.AddrPort {
	defer p.mu.Unlock()
	p.mu.Lock()
	return p.client
}

// Seal encrypts pkt with the current keys and returns the transport
// message without sending it.
func (p *Peer) Seal(pkt []byte) ([]byte, error) {
	return p.keys.Encrypt(pkt, 1420, time.Now())
}

// Send encrypts pkt with the current keys, sends it to the tunnel and
// returns the transport message it sent.
func (p *Peer) Send(pkt []byte) ([]byte, error) {
	msg, err := p.Seal(pkt)
	if err != nil {
		return nil, err
	}
	return msg, p.SendRaw(msg)
}

// SendRaw sends b to the tunnel as is.
func (p *Peer) SendRaw(b []byte) error {
	client := p.Client()
	if !client.IsValid() {
		return errors.New("vpntest: no client address yet")
	}
	_, err := p.conn.WriteTo(b, net.UDPAddrFromAddrPort(client))
	return err
}

// Initiate starts a handshake towards the tunnel, as a peer rekeying
// on its own would.
func (p *Peer) Initiate() error {
	h, init, err := p.noise.CreateInitiation(p.nextIndex.Add(1))
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.initiator = h
	p.mu.Unlock()
	msg := init.Marshal()
	p.cookies.AddMACs(msg, time.Now())
	return p.SendRaw(msg)
}

// Close stops the peer.
func (p *Peer) Close() error {
	err := p.conn.Close()
	<-p.done
	return err
}

func (p *Peer) serve() {
	defer close(p.done)
	buffer := make([]byte, 65535)
	for {
		count, addr, err := p.conn.ReadFrom(buffer)
		if err != nil {
			return
		}
		if p.silent.Load() {
			continue
		}
		src := addr.(*net.UDPAddr).AddrPort()
		p.handle(append([]byte{}, buffer[:count]...), src)
	}
}

func (p *Peer) handle(msg []byte, src netip.AddrPort) {
	mt, err := wire.Type(msg)
	if err != nil {
		return
	}
	switch mt {
	case model.MessageInitiation:
		p.initiations.Add(1)
		if p.dropHandshake.Load() {
			return
		}
		p.onInitiation(msg, src)
	case model.MessageResponse:
		p.onResponse(msg, src)
	case model.MessageTransport:
		p.transports.Add(1)
		p.onTransport(msg, src)
	}
}

func (p *Peer) onInitiation(msg []byte, src netip.AddrPort) {
	now := time.Now()
	if !p.checker.CheckMAC1(msg) {
		return
	}
	init, err := wire.ParseInitiation(msg)
	if err != nil {
		return
	}
	srcBytes, _ := src.MarshalBinary()
	if p.config.UnderLoad && !p.checker.CheckMAC2(msg, srcBytes, now) {
		reply, err := p.checker.CreateReply(msg, init.Sender, srcBytes, now)
		if err == nil {
			p.conn.WriteTo(reply.Marshal(), net.UDPAddrFromAddrPort(src))
		}
		return
	}
	h, err := p.resp.ConsumeInitiation(init)
	if err != nil {
		return
	}
	resp, err := h.CreateResponse(p.nextIndex.Add(1))
	if err != nil {
		return
	}
	if p.config.CorruptResponse {
		resp.Empty[0] ^= 1
	}
	kp, err := h.Keypair(now)
	if err != nil {
		return
	}
	out := resp.Marshal()
	p.cookies.AddMACs(out, now)
	p.mu.Lock()
	p.client = src
	p.mu.Unlock()
	if !p.config.CorruptResponse {
		p.keys.InstallNext(kp, now)
	}
	p.conn.WriteTo(out, net.UDPAddrFromAddrPort(src))
}

func (p *Peer) onResponse(msg []byte, src netip.AddrPort) {
	resp, err := wire.ParseResponse(msg)
	if err != nil {
		return
	}
	p.mu.Lock()
	h := p.initiator
	p.initiator = nil
	p.mu.Unlock()
	if h == nil || h.ConsumeResponse(resp) != nil {
		return
	}
	kp, err := h.Keypair(time.Now())
	if err != nil {
		return
	}
	p.keys.Install(kp, time.Now())
	p.Send(nil)
}

func (p *Peer) onTransport(msg []byte, src netip.AddrPort) {
	out, err := p.keys.Decrypt(msg, time.Now())
	if err != nil {
		return
	}
	p.mu.Lock()
	p.client = src
	p.mu.Unlock()
	if len(out.Plaintext) == 0 {
		// answer keepalives so the tunnel sees a live peer
		p.Send(nil)
		return
	}
	pkt := TrimPadding(out.Plaintext)
	select {
	case p.received <- pkt:
	default:
	}
	if p.config.Echo {
		p.Send(SwapAddresses(pkt))
	}
}
