package noise

import (
	"crypto/hmac"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gamavpn/wgtunnel/internal/wire"
	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// CookieRefreshTime is how long a cookie, and the secret behind it, stays valid.
const CookieRefreshTime = 120 * time.Second

// ErrInvalidCookie indicates a cookie reply we could not open.
var ErrInvalidCookie = errors.New("noise: invalid cookie reply")

func mac(dst *[wire.MACSize]byte, key, data []byte) {
	h, _ := blake2s.New128(key)
	h.Write(data)
	h.Sum(dst[:0])
}

func labeledKey(label string, public wgtypes.Key) [blake2s.Size]byte {
	h := newBlake2s()
	h.Write([]byte(label))
	h.Write(public[:])
	var out [blake2s.Size]byte
	h.Sum(out[:0])
	return out
}

// CookieGenerator adds mac1 and mac2 to the handshake messages we send
// to a peer, and consumes the cookie replies that peer sends us.
type CookieGenerator struct {
	mu        sync.Mutex
	mac1Key   [blake2s.Size]byte
	cookieKey [blake2s.Size]byte

	lastMAC1    [wire.MACSize]byte
	hasLastMAC1 bool

	cookie    [wire.CookieSize]byte
	cookieSet time.Time
}

// NewCookieGenerator returns a generator for messages sent to remotePublic.
func NewCookieGenerator(remotePublic wgtypes.Key) *CookieGenerator {
	return &CookieGenerator{
		mac1Key:   labeledKey(labelMAC1, remotePublic),
		cookieKey: labeledKey(labelCookie, remotePublic),
	}
}

// AddMACs writes mac1, and mac2 when we hold a fresh cookie, into the
// trailing 32 bytes of a serialized handshake message.
func (g *CookieGenerator) AddMACs(msg []byte, now time.Time) {
	smac1, smac2 := wire.MACOffsets(len(msg))
	defer g.mu.Unlock()
	g.mu.Lock()

	var mac1 [wire.MACSize]byte
	mac(&mac1, g.mac1Key[:], msg[:smac1])
	copy(msg[smac1:smac2], mac1[:])
	g.lastMAC1 = mac1
	g.hasLastMAC1 = true

	if g.cookieSet.IsZero() || now.Sub(g.cookieSet) >= CookieRefreshTime {
		clear(msg[smac2:])
		return
	}
	var mac2 [wire.MACSize]byte
	mac(&mac2, g.cookie[:], msg[:smac2])
	copy(msg[smac2:], mac2[:])
}

// ConsumeReply decrypts a cookie reply for the last message we sent.
func (g *CookieGenerator) ConsumeReply(reply *wire.CookieReply, now time.Time) error {
	defer g.mu.Unlock()
	g.mu.Lock()
	if !g.hasLastMAC1 {
		return fmt.Errorf("%w: no message sent", ErrInvalidCookie)
	}
	xaead, _ := chacha20poly1305.NewX(g.cookieKey[:])
	var cookie [wire.CookieSize]byte
	if _, err := xaead.Open(cookie[:0], reply.Nonce[:], reply.Cookie[:], g.lastMAC1[:]); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidCookie, err)
	}
	g.cookie = cookie
	g.cookieSet = now
	g.hasLastMAC1 = false
	return nil
}

// CookieChecker validates mac1 and mac2 on the handshake messages sent
// to us, and builds cookie replies when we are under load.
type CookieChecker struct {
	mu        sync.Mutex
	mac1Key   [blake2s.Size]byte
	cookieKey [blake2s.Size]byte
	secret    [blake2s.Size]byte
	secretSet time.Time
}

// NewCookieChecker returns a checker for messages sent to localPublic.
func NewCookieChecker(localPublic wgtypes.Key) *CookieChecker {
	return &CookieChecker{
		mac1Key:   labeledKey(labelMAC1, localPublic),
		cookieKey: labeledKey(labelCookie, localPublic),
	}
}

// CheckMAC1 returns whether msg carries a valid mac1.
func (c *CookieChecker) CheckMAC1(msg []byte) bool {
	if len(msg) < 2*wire.MACSize {
		return false
	}
	smac1, smac2 := wire.MACOffsets(len(msg))
	var want [wire.MACSize]byte
	mac(&want, c.mac1Key[:], msg[:smac1])
	return hmac.Equal(want[:], msg[smac1:smac2])
}

// CheckMAC2 returns whether msg carries a valid mac2 for the cookie we
// would hand to src.
func (c *CookieChecker) CheckMAC2(msg, src []byte, now time.Time) bool {
	if len(msg) < 2*wire.MACSize {
		return false
	}
	c.mu.Lock()
	if c.secretSet.IsZero() || now.Sub(c.secretSet) >= CookieRefreshTime {
		c.mu.Unlock()
		return false
	}
	var cookie [wire.CookieSize]byte
	mac(&cookie, c.secret[:], src)
	c.mu.Unlock()

	_, smac2 := wire.MACOffsets(len(msg))
	var want [wire.MACSize]byte
	mac(&want, cookie[:], msg[:smac2])
	return hmac.Equal(want[:], msg[smac2:])
}

// CreateReply builds the cookie reply for msg, received from src, whose
// sender index is receiver.
func (c *CookieChecker) CreateReply(msg []byte, receiver uint32, src []byte, now time.Time) (*wire.CookieReply, error) {
	c.mu.Lock()
	if c.secretSet.IsZero() || now.Sub(c.secretSet) >= CookieRefreshTime {
		if _, err := rand.Read(c.secret[:]); err != nil {
			c.mu.Unlock()
			return nil, err
		}
		c.secretSet = now
	}
	var cookie [wire.CookieSize]byte
	mac(&cookie, c.secret[:], src)
	c.mu.Unlock()

	reply := &wire.CookieReply{Receiver: receiver}
	if _, err := rand.Read(reply.Nonce[:]); err != nil {
		return nil, err
	}
	smac1, smac2 := wire.MACOffsets(len(msg))
	xaead, _ := chacha20poly1305.NewX(c.cookieKey[:])
	xaead.Seal(reply.Cookie[:0], reply.Nonce[:], cookie[:], msg[smac1:smac2])
	return reply, nil
}
