// Package session holds the transport keys derived by handshakes and
// implements authenticated encryption of transport messages.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gamavpn/wgtunnel/internal/bytesx"
	"github.com/gamavpn/wgtunnel/internal/model"
	"github.com/gamavpn/wgtunnel/internal/runtimex"
	"github.com/gamavpn/wgtunnel/internal/wire"
)

// ErrNoKeys means there is no key usable for sending.
var ErrNoKeys = errors.New("no usable session keys")

// Decrypted is the result of a successful [SessionKeys.Decrypt].
type Decrypted struct {
	// Plaintext is the padded plaintext; empty for a keepalive.
	Plaintext []byte

	// Epoch is the epoch of the key that opened the message.
	Epoch uint64

	// Confirmed is true when this message promoted or acknowledged a new epoch.
	Confirmed bool
}

// SessionKeys holds the current and previous keypairs, plus the keypair
// derived when the peer initiated and which waits for the first packet
// from the peer to be confirmed. Only the current keypair encrypts. The
// zero value is invalid; use [New]. This struct is concurrency safe.
type SessionKeys struct {
	limits Limits
	mu     sync.Mutex

	current  *Keypair
	previous *Keypair
	next     *Keypair

	// epoch is the last epoch we assigned.
	epoch uint64

	// previousDeadline is when previous stops being valid.
	previousDeadline time.Time
}

// New returns empty [SessionKeys] using the given limits.
func New(limits Limits) *SessionKeys {
	return &SessionKeys{limits: limits}
}

// Limits returns the configured limits.
func (s *SessionKeys) Limits() Limits {
	return s.limits
}

// Install installs a keypair we derived as initiator: it becomes current
// at once, and the old current becomes decrypt-only for the overlap window.
// Returns the epoch assigned to kp.
func (s *SessionKeys) Install(kp *Keypair, now time.Time) uint64 {
	defer s.mu.Unlock()
	s.mu.Lock()
	runtimex.Assert(kp != nil, "nil keypair")
	s.epoch++
	kp.epoch = s.epoch
	if s.next != nil {
		s.next.Zero()
		s.next = nil
	}
	s.rotateLocked(kp, now)
	return kp.epoch
}

// InstallNext installs a keypair we derived as responder, replacing any
// unconfirmed one. It only decrypts until the peer uses it, at which
// point it becomes current and gets its epoch.
func (s *SessionKeys) InstallNext(kp *Keypair, now time.Time) {
	defer s.mu.Unlock()
	s.mu.Lock()
	runtimex.Assert(kp != nil, "nil keypair")
	if s.next != nil {
		s.next.Zero()
	}
	s.next = kp
}

// rotateLocked makes kp current and keeps the old current as previous.
func (s *SessionKeys) rotateLocked(kp *Keypair, now time.Time) {
	if s.previous != nil {
		s.previous.Zero()
	}
	s.previous = s.current
	s.previousDeadline = now.Add(s.limits.KeyOverlap)
	s.current = kp
}

// Encrypt seals plaintext with the current key and returns a complete
// transport message. The plaintext is zero padded to a multiple of 16
// bytes without exceeding mtu. An empty plaintext is a keepalive.
func (s *SessionKeys) Encrypt(plaintext []byte, mtu int, now time.Time) ([]byte, error) {
	defer s.mu.Unlock()
	s.mu.Lock()
	kp := s.current
	if kp == nil || kp.send == nil {
		return nil, ErrNoKeys
	}
	if kp.sendCounter >= s.limits.RejectAfterMessages {
		return nil, fmt.Errorf("%w: send counter exhausted", ErrNoKeys)
	}
	if kp.age(now) >= s.limits.RejectAfterTime {
		return nil, fmt.Errorf("%w: key expired", ErrNoKeys)
	}
	padded, err := bytesx.PadZero(append([]byte{}, plaintext...),
		bytesx.PaddedSize(len(plaintext), wire.PaddingMultiple, mtu))
	runtimex.PanicOnError(err, "padded size smaller than plaintext")

	counter := kp.sendCounter
	kp.sendCounter++

	out := make([]byte, wire.TransportHeaderSize, wire.TransportHeaderSize+len(padded)+wire.TagSize)
	wire.PutTransportHeader(out, wire.TransportHeader{Receiver: kp.remoteIndex, Counter: counter})
	nonce := wire.Nonce(counter)
	out = kp.send.Seal(out, nonce[:], padded, nil)
	kp.txBytes += uint64(len(out))
	return out, nil
}

// lookupLocked finds the keypair for a receiver index.
func (s *SessionKeys) lookupLocked(index uint32) *Keypair {
	for _, kp := range []*Keypair{s.current, s.next, s.previous} {
		if kp != nil && kp.localIndex == index {
			return kp
		}
	}
	return nil
}

// Decrypt authenticates and opens a transport message. Messages for
// unknown or discarded keys, expired keys and replayed counters wrap
// [model.ErrReplayOrStale]; messages that do not authenticate wrap
// [model.ErrDecryptAuthFailed]. The replay window is only updated after
// authentication succeeds.
func (s *SessionKeys) Decrypt(msg []byte, now time.Time) (*Decrypted, error) {
	header, ciphertext, err := wire.ParseTransport(msg)
	if err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	s.mu.Lock()
	s.expireLocked(now)

	kp := s.lookupLocked(header.Receiver)
	if kp == nil || kp.recv == nil {
		return nil, fmt.Errorf("%w: unknown receiver index %d", model.ErrReplayOrStale, header.Receiver)
	}
	if kp.age(now) >= s.limits.RejectAfterTime || header.Counter >= s.limits.RejectAfterMessages {
		return nil, fmt.Errorf("%w: key for epoch %d expired", model.ErrReplayOrStale, kp.epoch)
	}
	nonce := wire.Nonce(header.Counter)
	plaintext, err := kp.recv.Open(nil, nonce[:], ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: epoch %d counter %d", model.ErrDecryptAuthFailed, kp.epoch, header.Counter)
	}
	if !kp.filter.ValidateCounter(header.Counter, s.limits.RejectAfterMessages) {
		return nil, fmt.Errorf("%w: epoch %d counter %d", model.ErrReplayOrStale, kp.epoch, header.Counter)
	}
	kp.rxBytes += uint64(len(msg))

	out := &Decrypted{Plaintext: plaintext}
	switch {
	case kp == s.next:
		// the peer switched to the keys it derived as initiator
		s.next = nil
		s.epoch++
		kp.epoch = s.epoch
		s.rotateLocked(kp, now)
		out.Confirmed = true
	case kp == s.current && s.previous != nil:
		// the peer acknowledged the current epoch
		s.previous.Zero()
		s.previous = nil
		out.Confirmed = true
	}
	out.Epoch = kp.epoch
	return out, nil
}

// ShouldRekey returns whether the current key passed the rekey age,
// message count or traffic volume threshold, whichever comes first.
func (s *SessionKeys) ShouldRekey(now time.Time) bool {
	defer s.mu.Unlock()
	s.mu.Lock()
	kp := s.current
	if kp == nil {
		return false
	}
	if kp.age(now) >= s.limits.RekeyAfterTime {
		return true
	}
	if kp.sendCounter >= s.limits.RekeyAfterMessages {
		return true
	}
	return s.limits.RekeyAfterBytes > 0 && kp.txBytes+kp.rxBytes >= s.limits.RekeyAfterBytes
}

// Expired returns whether there is no current key or it passed RejectAfterTime.
func (s *SessionKeys) Expired(now time.Time) bool {
	defer s.mu.Unlock()
	s.mu.Lock()
	return s.current == nil || s.current.age(now) >= s.limits.RejectAfterTime
}

// Expire discards the previous key once its overlap window elapsed, and
// any key older than three times RejectAfterTime.
func (s *SessionKeys) Expire(now time.Time) {
	defer s.mu.Unlock()
	s.mu.Lock()
	s.expireLocked(now)
}

func (s *SessionKeys) expireLocked(now time.Time) {
	if s.previous != nil && !now.Before(s.previousDeadline) {
		s.previous.Zero()
		s.previous = nil
	}
	limit := 3 * s.limits.RejectAfterTime
	if s.next != nil && s.next.age(now) >= limit {
		s.next.Zero()
		s.next = nil
	}
	if s.current != nil && s.current.age(now) >= limit {
		s.current.Zero()
		s.current = nil
	}
}

// HasPrevious returns whether a superseded key is still valid for decryption.
func (s *SessionKeys) HasPrevious() bool {
	defer s.mu.Unlock()
	s.mu.Lock()
	return s.previous != nil
}

// Epoch returns the epoch of the current key, or zero without one.
func (s *SessionKeys) Epoch() uint64 {
	defer s.mu.Unlock()
	s.mu.Lock()
	if s.current == nil {
		return 0
	}
	return s.current.epoch
}

// Zero wipes and discards every key.
func (s *SessionKeys) Zero() {
	defer s.mu.Unlock()
	s.mu.Lock()
	for _, kp := range []*Keypair{s.current, s.previous, s.next} {
		if kp != nil {
			kp.Zero()
		}
	}
	s.current, s.previous, s.next = nil, nil, nil
}

// IsZeroed returns whether no key material is held.
func (s *SessionKeys) IsZeroed() bool {
	defer s.mu.Unlock()
	s.mu.Lock()
	return s.current == nil && s.previous == nil && s.next == nil
}
