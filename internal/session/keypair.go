package session

import (
	"crypto/cipher"
	"fmt"
	"time"

	"github.com/gamavpn/wgtunnel/internal/bytesx"
	"github.com/gamavpn/wgtunnel/internal/model"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.zx2c4.com/wireguard/replay"
)

// KeySize is the size of a transport key.
const KeySize = chacha20poly1305.KeySize

// Keypair is one direction-pair of transport keys derived by a handshake.
// A Keypair is owned by [SessionKeys] once installed.
type Keypair struct {
	send cipher.AEAD
	recv cipher.AEAD

	// raw keys are kept only so that we can wipe them.
	sendKey [KeySize]byte
	recvKey [KeySize]byte

	sendCounter uint64
	filter      replay.Filter

	created     time.Time
	localIndex  uint32
	remoteIndex uint32
	isInitiator bool
	epoch       uint64

	txBytes uint64
	rxBytes uint64
}

// NewKeypair builds a keypair from the derived keys. The caller should wipe
// its own copies of sendKey and recvKey afterwards.
func NewKeypair(sendKey, recvKey [KeySize]byte, localIndex, remoteIndex uint32, isInitiator bool, now time.Time) (*Keypair, error) {
	send, err := chacha20poly1305.New(sendKey[:])
	if err != nil {
		return nil, fmt.Errorf("%w: send key: %s", model.ErrConfigInvalid, err)
	}
	recv, err := chacha20poly1305.New(recvKey[:])
	if err != nil {
		return nil, fmt.Errorf("%w: receive key: %s", model.ErrConfigInvalid, err)
	}
	return &Keypair{
		send:        send,
		recv:        recv,
		sendKey:     sendKey,
		recvKey:     recvKey,
		created:     now,
		localIndex:  localIndex,
		remoteIndex: remoteIndex,
		isInitiator: isInitiator,
	}, nil
}

// LocalIndex is the index the peer puts in the receiver field for us.
func (kp *Keypair) LocalIndex() uint32 {
	return kp.localIndex
}

// RemoteIndex is the index we put in the receiver field for the peer.
func (kp *Keypair) RemoteIndex() uint32 {
	return kp.remoteIndex
}

// Epoch returns the epoch assigned at install time.
func (kp *Keypair) Epoch() uint64 {
	return kp.epoch
}

// Created returns the creation time.
func (kp *Keypair) Created() time.Time {
	return kp.created
}

// IsInitiator returns whether we initiated the handshake behind this keypair.
func (kp *Keypair) IsInitiator() bool {
	return kp.isInitiator
}

// Zero wipes the key material. A zeroed keypair refuses every operation.
func (kp *Keypair) Zero() {
	bytesx.Zero(kp.sendKey[:])
	bytesx.Zero(kp.recvKey[:])
	kp.send = nil
	kp.recv = nil
	kp.filter.Reset()
}

// IsZeroed returns whether [Keypair.Zero] wiped this keypair.
func (kp *Keypair) IsZeroed() bool {
	return kp.send == nil && kp.recv == nil &&
		bytesx.IsZero(kp.sendKey[:]) && bytesx.IsZero(kp.recvKey[:])
}

func (kp *Keypair) age(now time.Time) time.Duration {
	return now.Sub(kp.created)
}
