package noise

import (
	"fmt"
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

// Initiator is the initiator side of one handshake attempt.
type Initiator struct {
	peer       *Peer
	hash       [blake2s.Size]byte
	chainKey   [blake2s.Size]byte
	ephemeral  wgtypes.Key
	localIndex uint32

	remoteIndex uint32
	done        bool
}

// CreateInitiation starts a handshake with a fresh ephemeral key and
// returns the initiation to send, without MACs.
func (p *Peer) CreateInitiation(localIndex uint32) (*Initiator, *wire.Initiation, error) {
	ephemeral, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return nil, nil, fmt.Errorf("noise: ephemeral key: %w", err)
	}
	h := &Initiator{
		peer:       p,
		hash:       initialHash,
		chainKey:   initialChainKey,
		ephemeral:  ephemeral,
		localIndex: localIndex,
	}
	msg := &wire.Initiation{Sender: localIndex}

	mixHash(&h.hash, &h.hash, p.remotePublic[:])
	ephemeralPublic := ephemeral.PublicKey()
	copy(msg.Ephemeral[:], ephemeralPublic[:])
	mixKey(&h.chainKey, &h.chainKey, msg.Ephemeral[:])
	mixHash(&h.hash, &h.hash, msg.Ephemeral[:])

	// encrypt our static key
	var key [chacha20poly1305.KeySize]byte
	ss, err := dh(ephemeral, p.remotePublic)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s", model.ErrHandshakeAuthFailed, err)
	}
	kdf2(&h.chainKey, &key, h.chainKey[:], ss[:])
	bytesx.Zero(ss[:])
	aead, _ := chacha20poly1305.New(key[:])
	aead.Seal(msg.Static[:0], zeroNonce[:], p.localPublic[:], h.hash[:])
	mixHash(&h.hash, &h.hash, msg.Static[:])

	// encrypt the timestamp
	kdf2(&h.chainKey, &key, h.chainKey[:], p.staticStatic[:])
	timestamp := tai64n.Now()
	aead, _ = chacha20poly1305.New(key[:])
	aead.Seal(msg.Timestamp[:0], zeroNonce[:], timestamp[:], h.hash[:])
	mixHash(&h.hash, &h.hash, msg.Timestamp[:])
	bytesx.Zero(key[:])

	return h, msg, nil
}

// LocalIndex returns the sender index of the initiation.
func (h *Initiator) LocalIndex() uint32 {
	return h.localIndex
}

// ConsumeResponse verifies the response. A response for another
// handshake wraps [ErrUnexpectedMessage]; a response that fails
// verification wraps [model.ErrHandshakeAuthFailed].
func (h *Initiator) ConsumeResponse(msg *wire.Response) error {
	if h.done {
		return fmt.Errorf("%w: response already consumed", ErrUnexpectedMessage)
	}
	if msg.Receiver != h.localIndex {
		return fmt.Errorf("%w: receiver %d, expected %d", ErrUnexpectedMessage, msg.Receiver, h.localIndex)
	}
	var (
		hash     [blake2s.Size]byte
		chainKey [blake2s.Size]byte
		tau      [blake2s.Size]byte
		key      [chacha20poly1305.KeySize]byte
	)
	defer bytesx.Zero(tau[:])
	defer bytesx.Zero(key[:])

	var remoteEphemeral wgtypes.Key
	copy(remoteEphemeral[:], msg.Ephemeral[:])
	mixHash(&hash, &h.hash, msg.Ephemeral[:])
	mixKey(&chainKey, &h.chainKey, msg.Ephemeral[:])

	ss, err := dh(h.ephemeral, remoteEphemeral)
	if err != nil {
		return fmt.Errorf("%w: %s", model.ErrHandshakeAuthFailed, err)
	}
	mixKey(&chainKey, &chainKey, ss[:])
	ss, err = dh(h.peer.localPrivate, remoteEphemeral)
	if err != nil {
		return fmt.Errorf("%w: %s", model.ErrHandshakeAuthFailed, err)
	}
	mixKey(&chainKey, &chainKey, ss[:])
	bytesx.Zero(ss[:])

	kdf3(&chainKey, &tau, &key, chainKey[:], h.peer.psk[:])
	mixHash(&hash, &hash, tau[:])
	aead, _ := chacha20poly1305.New(key[:])
	if _, err := aead.Open(nil, zeroNonce[:], msg.Empty[:], hash[:]); err != nil {
		return fmt.Errorf("%w: response does not authenticate", model.ErrHandshakeAuthFailed)
	}
	mixHash(&hash, &hash, msg.Empty[:])

	h.hash = hash
	h.chainKey = chainKey
	h.remoteIndex = msg.Sender
	h.done = true
	return nil
}

// Keypair derives the transport keys after [Initiator.ConsumeResponse]
// succeeded and wipes the handshake state.
func (h *Initiator) Keypair(now time.Time) (*session.Keypair, error) {
	if !h.done {
		return nil, fmt.Errorf("%w: handshake not complete", ErrUnexpectedMessage)
	}
	var send, recv [blake2s.Size]byte
	kdf2(&send, &recv, h.chainKey[:], nil)
	defer bytesx.Zero(send[:])
	defer bytesx.Zero(recv[:])
	h.Zero()
	return session.NewKeypair(send, recv, h.localIndex, h.remoteIndex, true, now)
}

// Zero wipes the handshake state.
func (h *Initiator) Zero() {
	bytesx.Zero(h.hash[:])
	bytesx.Zero(h.chainKey[:])
	bytesx.Zero(h.ephemeral[:])
}
