// Package noise implements the WireGuard handshake: the
// Noise_IKpsk2_25519_ChaChaPoly_BLAKE2s pattern plus the mac1/mac2
// cookie mechanism used for DoS mitigation.
//
// An [Initiator] lives for one handshake attempt and is discarded
// afterwards. A [Responder] lives as long as the peer and remembers the
// last initiation timestamp to reject replayed initiations.
package noise

import (
	"crypto/hmac"
	"errors"
	"fmt"
	"hash"

	"github.com/gamavpn/wgtunnel/internal/bytesx"
	"github.com/gamavpn/wgtunnel/internal/model"
	"github.com/gamavpn/wgtunnel/internal/optional"
	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

const (
	// Construction is the Noise protocol name.
	Construction = "Noise_IKpsk2_25519_ChaChaPoly_BLAKE2s"

	// Identifier is the WireGuard prologue.
	Identifier = "WireGuard v1 zx2c4 Jason@zx2c4.com"

	labelMAC1   = "mac1----"
	labelCookie = "cookie--"
)

var (
	initialChainKey [blake2s.Size]byte
	initialHash     [blake2s.Size]byte
	zeroNonce       [chacha20poly1305.NonceSize]byte
)

func init() {
	initialChainKey = blake2s.Sum256([]byte(Construction))
	mixHash(&initialHash, &initialChainKey, []byte(Identifier))
}

// ErrUnexpectedMessage indicates a handshake message that is well formed
// but does not belong to the handshake we are running.
var ErrUnexpectedMessage = errors.New("noise: unexpected message")

func newBlake2s() hash.Hash {
	h, _ := blake2s.New256(nil)
	return h
}

func mixHash(dst, h *[blake2s.Size]byte, data []byte) {
	hash := newBlake2s()
	hash.Write(h[:])
	hash.Write(data)
	hash.Sum(dst[:0])
}

func mixKey(dst, c *[blake2s.Size]byte, data []byte) {
	kdf1(dst, c[:], data)
}

func hmac1(sum *[blake2s.Size]byte, key, in0 []byte) {
	mac := hmac.New(newBlake2s, key)
	mac.Write(in0)
	mac.Sum(sum[:0])
}

func hmac2(sum *[blake2s.Size]byte, key, in0, in1 []byte) {
	mac := hmac.New(newBlake2s, key)
	mac.Write(in0)
	mac.Write(in1)
	mac.Sum(sum[:0])
}

func kdf1(t0 *[blake2s.Size]byte, key, input []byte) {
	var prk [blake2s.Size]byte
	hmac1(&prk, key, input)
	hmac1(t0, prk[:], []byte{0x1})
	bytesx.Zero(prk[:])
}

func kdf2(t0, t1 *[blake2s.Size]byte, key, input []byte) {
	var prk [blake2s.Size]byte
	hmac1(&prk, key, input)
	hmac1(t0, prk[:], []byte{0x1})
	hmac2(t1, prk[:], t0[:], []byte{0x2})
	bytesx.Zero(prk[:])
}

func kdf3(t0, t1, t2 *[blake2s.Size]byte, key, input []byte) {
	var prk [blake2s.Size]byte
	hmac1(&prk, key, input)
	hmac1(t0, prk[:], []byte{0x1})
	hmac2(t1, prk[:], t0[:], []byte{0x2})
	hmac2(t2, prk[:], t1[:], []byte{0x3})
	bytesx.Zero(prk[:])
}

// dh computes X25519 and rejects low-order points.
func dh(private, public wgtypes.Key) ([blake2s.Size]byte, error) {
	var out [blake2s.Size]byte
	ss, err := curve25519.X25519(private[:], public[:])
	if err != nil {
		return out, err
	}
	copy(out[:], ss)
	bytesx.Zero(ss)
	return out, nil
}

// Peer holds the static material of one WireGuard peering: our key pair,
// the remote public key, the optional pre-shared key and the precomputed
// static-static shared secret. A Peer is immutable after [NewPeer] and
// may be shared between goroutines.
type Peer struct {
	localPrivate wgtypes.Key
	localPublic  wgtypes.Key
	remotePublic wgtypes.Key
	psk          [blake2s.Size]byte
	staticStatic [blake2s.Size]byte
}

// NewPeer precomputes the static material. A remote key yielding a
// low-order shared secret wraps [model.ErrConfigInvalid].
func NewPeer(localPrivate, remotePublic wgtypes.Key, psk optional.Value[wgtypes.Key]) (*Peer, error) {
	ss, err := dh(localPrivate, remotePublic)
	if err != nil {
		return nil, fmt.Errorf("%w: peer public key: %s", model.ErrConfigInvalid, err)
	}
	p := &Peer{
		localPrivate: localPrivate,
		localPublic:  localPrivate.PublicKey(),
		remotePublic: remotePublic,
		staticStatic: ss,
	}
	if !psk.IsNone() {
		p.psk = psk.Unwrap()
	}
	return p, nil
}

// LocalPublic returns our public key.
func (p *Peer) LocalPublic() wgtypes.Key {
	return p.localPublic
}

// RemotePublic returns the peer public key.
func (p *Peer) RemotePublic() wgtypes.Key {
	return p.remotePublic
}
