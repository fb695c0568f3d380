package noise

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gamavpn/wgtunnel/internal/bytesx"
	"github.com/gamavpn/wgtunnel/internal/model"
	"github.com/gamavpn/wgtunnel/internal/session"
	"github.com/gamavpn/wgtunnel/internal/wire"
	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.zx2c4.com/wireguard/tai64n"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// ErrReplayedInitiation indicates an initiation whose timestamp is not
// newer than the last one we accepted.
var ErrReplayedInitiation = errors.New("noise: replayed initiation")

// Responder answers initiations from one peer. This struct is concurrency safe.
type Responder struct {
	peer *Peer

	mu            sync.Mutex
	lastTimestamp tai64n.Timestamp
}

// NewResponder returns a [Responder] for the given peer.
func NewResponder(peer *Peer) *Responder {
	return &Responder{peer: peer}
}

// ResponderHandshake is the responder side of one handshake.
type ResponderHandshake struct {
	peer            *Peer
	hash            [blake2s.Size]byte
	chainKey        [blake2s.Size]byte
	remoteEphemeral wgtypes.Key
	remoteIndex     uint32
	localIndex      uint32
	responded       bool
}

// ConsumeInitiation verifies an initiation. Initiations from another
// static key, or that fail to decrypt, wrap [model.ErrHandshakeAuthFailed];
// replayed timestamps wrap [ErrReplayedInitiation].
func (r *Responder) ConsumeInitiation(msg *wire.Initiation) (*ResponderHandshake, error) {
	var (
		hash     [blake2s.Size]byte
		chainKey [blake2s.Size]byte
		key      [chacha20poly1305.KeySize]byte
		static   wgtypes.Key
	)
	defer bytesx.Zero(key[:])

	mixHash(&hash, &initialHash, r.peer.localPublic[:])
	mixHash(&hash, &hash, msg.Ephemeral[:])
	mixKey(&chainKey, &initialChainKey, msg.Ephemeral[:])

	var remoteEphemeral wgtypes.Key
	copy(remoteEphemeral[:], msg.Ephemeral[:])
	ss, err := dh(r.peer.localPrivate, remoteEphemeral)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", model.ErrHandshakeAuthFailed, err)
	}
	kdf2(&chainKey, &key, chainKey[:], ss[:])
	bytesx.Zero(ss[:])
	aead, _ := chacha20poly1305.New(key[:])
	if _, err := aead.Open(static[:0], zeroNonce[:], msg.Static[:], hash[:]); err != nil {
		return nil, fmt.Errorf("%w: cannot decrypt static key", model.ErrHandshakeAuthFailed)
	}
	mixHash(&hash, &hash, msg.Static[:])
	if subtle.ConstantTimeCompare(static[:], r.peer.remotePublic[:]) != 1 {
		return nil, fmt.Errorf("%w: unknown peer %s", model.ErrHandshakeAuthFailed, static)
	}

	var timestamp tai64n.Timestamp
	kdf2(&chainKey, &key, chainKey[:], r.peer.staticStatic[:])
	aead, _ = chacha20poly1305.New(key[:])
	if _, err := aead.Open(timestamp[:0], zeroNonce[:], msg.Timestamp[:], hash[:]); err != nil {
		return nil, fmt.Errorf("%w: cannot decrypt timestamp", model.ErrHandshakeAuthFailed)
	}
	mixHash(&hash, &hash, msg.Timestamp[:])

	r.mu.Lock()
	fresh := timestamp.After(r.lastTimestamp)
	if fresh {
		r.lastTimestamp = timestamp
	}
	r.mu.Unlock()
	if !fresh {
		return nil, ErrReplayedInitiation
	}

	return &ResponderHandshake{
		peer:            r.peer,
		hash:            hash,
		chainKey:        chainKey,
		remoteEphemeral: remoteEphemeral,
		remoteIndex:     msg.Sender,
	}, nil
}

// RemoteIndex returns the sender index of the initiation.
func (h *ResponderHandshake) RemoteIndex() uint32 {
	return h.remoteIndex
}

// CreateResponse builds the response, without MACs.
func (h *ResponderHandshake) CreateResponse(localIndex uint32) (*wire.Response, error) {
	if h.responded {
		return nil, fmt.Errorf("%w: response already created", ErrUnexpectedMessage)
	}
	ephemeral, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("noise: ephemeral key: %w", err)
	}
	defer bytesx.Zero(ephemeral[:])
	h.localIndex = localIndex
	msg := &wire.Response{Sender: localIndex, Receiver: h.remoteIndex}
	ephemeralPublic := ephemeral.PublicKey()
	copy(msg.Ephemeral[:], ephemeralPublic[:])
	mixHash(&h.hash, &h.hash, msg.Ephemeral[:])
	mixKey(&h.chainKey, &h.chainKey, msg.Ephemeral[:])

	ss, err := dh(ephemeral, h.remoteEphemeral)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", model.ErrHandshakeAuthFailed, err)
	}
	mixKey(&h.chainKey, &h.chainKey, ss[:])
	ss, err = dh(ephemeral, h.peer.remotePublic)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", model.ErrHandshakeAuthFailed, err)
	}
	mixKey(&h.chainKey, &h.chainKey, ss[:])
	bytesx.Zero(ss[:])

	var tau, key [blake2s.Size]byte
	kdf3(&h.chainKey, &tau, &key, h.chainKey[:], h.peer.psk[:])
	mixHash(&h.hash, &h.hash, tau[:])
	aead, _ := chacha20poly1305.New(key[:])
	aead.Seal(msg.Empty[:0], zeroNonce[:], nil, h.hash[:])
	mixHash(&h.hash, &h.hash, msg.Empty[:])
	bytesx.Zero(tau[:])
	bytesx.Zero(key[:])

	h.responded = true
	return msg, nil
}

// Keypair derives the transport keys after [ResponderHandshake.CreateResponse]
// and wipes the handshake state.
func (h *ResponderHandshake) Keypair(now time.Time) (*session.Keypair, error) {
	if !h.responded {
		return nil, fmt.Errorf("%w: response not created", ErrUnexpectedMessage)
	}
	var send, recv [blake2s.Size]byte
	kdf2(&recv, &send, h.chainKey[:], nil)
	defer bytesx.Zero(send[:])
	defer bytesx.Zero(recv[:])
	h.Zero()
	return session.NewKeypair(send, recv, h.localIndex, h.remoteIndex, false, now)
}

// Zero wipes the handshake state.
func (h *ResponderHandshake) Zero() {
	bytesx.Zero(h.hash[:])
	bytesx.Zero(h.chainKey[:])
	bytesx.Zero(h.remoteEphemeral[:])
}
