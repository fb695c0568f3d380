// Package wire parses and serializes WireGuard messages.
//
// Every message starts with a one-byte type followed by three reserved
// zero bytes; all integers are little endian. Sizes are fixed except for
// transport messages, whose ciphertext length varies.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/gamavpn/wgtunnel/internal/model"
)

const (
	// KeySize is the size of public keys, ephemeral keys and chain keys.
	KeySize = 32

	// TagSize is the size of an AEAD authentication tag.
	TagSize = 16

	// MACSize is the size of mac1 and mac2.
	MACSize = 16

	// TimestampSize is the size of a TAI64N timestamp.
	TimestampSize = 12

	// CookieNonceSize is the XChaCha20-Poly1305 nonce size.
	CookieNonceSize = 24

	// CookieSize is the size of a cookie.
	CookieSize = 16

	// InitiationSize is the size of a handshake initiation.
	InitiationSize = 148

	// ResponseSize is the size of a handshake response.
	ResponseSize = 92

	// CookieReplySize is the size of a cookie reply.
	CookieReplySize = 64

	// TransportHeaderSize is the size of the transport header.
	TransportHeaderSize = 16

	// MinTransportSize is the size of a keepalive (empty plaintext).
	MinTransportSize = TransportHeaderSize + TagSize

	// PaddingMultiple is the block size transport plaintexts are padded to.
	PaddingMultiple = 16
)

// ErrMalformed indicates a datagram we cannot parse.
var ErrMalformed = errors.New("wireguard: malformed message")

// Type returns the message type of b, or an error if b is too short or
// the reserved bytes are not zero.
func Type(b []byte) (model.MessageType, error) {
	if len(b) < 4 {
		return 0, fmt.Errorf("%w: too short: %d bytes", ErrMalformed, len(b))
	}
	if b[1]|b[2]|b[3] != 0 {
		return 0, fmt.Errorf("%w: nonzero reserved bytes", ErrMalformed)
	}
	return model.MessageType(b[0]), nil
}

func checkHeader(b []byte, mt model.MessageType, size int) error {
	got, err := Type(b)
	if err != nil {
		return err
	}
	if got != mt {
		return fmt.Errorf("%w: expected %s, got %s", ErrMalformed, mt, got)
	}
	if len(b) != size {
		return fmt.Errorf("%w: %s: expected %d bytes, got %d", ErrMalformed, mt, size, len(b))
	}
	return nil
}

func putHeader(b []byte, mt model.MessageType) {
	binary.LittleEndian.PutUint32(b[0:4], uint32(mt))
}

// Initiation is the first message of the handshake.
type Initiation struct {
	Sender    uint32
	Ephemeral [KeySize]byte
	Static    [KeySize + TagSize]byte
	Timestamp [TimestampSize + TagSize]byte
	MAC1      [MACSize]byte
	MAC2      [MACSize]byte
}

// Marshal serializes the initiation.
func (m *Initiation) Marshal() []byte {
	b := make([]byte, InitiationSize)
	putHeader(b, model.MessageInitiation)
	binary.LittleEndian.PutUint32(b[4:8], m.Sender)
	copy(b[8:40], m.Ephemeral[:])
	copy(b[40:88], m.Static[:])
	copy(b[88:116], m.Timestamp[:])
	copy(b[116:132], m.MAC1[:])
	copy(b[132:148], m.MAC2[:])
	return b
}

// ParseInitiation parses a handshake initiation.
func ParseInitiation(b []byte) (*Initiation, error) {
	if err := checkHeader(b, model.MessageInitiation, InitiationSize); err != nil {
		return nil, err
	}
	m := &Initiation{Sender: binary.LittleEndian.Uint32(b[4:8])}
	copy(m.Ephemeral[:], b[8:40])
	copy(m.Static[:], b[40:88])
	copy(m.Timestamp[:], b[88:116])
	copy(m.MAC1[:], b[116:132])
	copy(m.MAC2[:], b[132:148])
	return m, nil
}

// Response is the second message of the handshake.
type Response struct {
	Sender    uint32
	Receiver  uint32
	Ephemeral [KeySize]byte
	Empty     [TagSize]byte
	MAC1      [MACSize]byte
	MAC2      [MACSize]byte
}

// Marshal serializes the response.
func (m *Response) Marshal() []byte {
	b := make([]byte, ResponseSize)
	putHeader(b, model.MessageResponse)
	binary.LittleEndian.PutUint32(b[4:8], m.Sender)
	binary.LittleEndian.PutUint32(b[8:12], m.Receiver)
	copy(b[12:44], m.Ephemeral[:])
	copy(b[44:60], m.Empty[:])
	copy(b[60:76], m.MAC1[:])
	copy(b[76:92], m.MAC2[:])
	return b
}

// ParseResponse parses a handshake response.
func ParseResponse(b []byte) (*Response, error) {
	if err := checkHeader(b, model.MessageResponse, ResponseSize); err != nil {
		return nil, err
	}
	m := &Response{
		Sender:   binary.LittleEndian.Uint32(b[4:8]),
		Receiver: binary.LittleEndian.Uint32(b[8:12]),
	}
	copy(m.Ephemeral[:], b[12:44])
	copy(m.Empty[:], b[44:60])
	copy(m.MAC1[:], b[60:76])
	copy(m.MAC2[:], b[76:92])
	return m, nil
}

// CookieReply is sent instead of a response by a peer under load.
type CookieReply struct {
	Receiver uint32
	Nonce    [CookieNonceSize]byte
	Cookie   [CookieSize + TagSize]byte
}

// Marshal serializes the cookie reply.
func (m *CookieReply) Marshal() []byte {
	b := make([]byte, CookieReplySize)
	putHeader(b, model.MessageCookieReply)
	binary.LittleEndian.PutUint32(b[4:8], m.Receiver)
	copy(b[8:32], m.Nonce[:])
	copy(b[32:64], m.Cookie[:])
	return b
}

// ParseCookieReply parses a cookie reply.
func ParseCookieReply(b []byte) (*CookieReply, error) {
	if err := checkHeader(b, model.MessageCookieReply, CookieReplySize); err != nil {
		return nil, err
	}
	m := &CookieReply{Receiver: binary.LittleEndian.Uint32(b[4:8])}
	copy(m.Nonce[:], b[8:32])
	copy(m.Cookie[:], b[32:64])
	return m, nil
}

// TransportHeader is the cleartext prefix of a transport message.
type TransportHeader struct {
	Receiver uint32
	Counter  uint64
}

// PutTransportHeader writes the header into the first
// [TransportHeaderSize] bytes of b.
func PutTransportHeader(b []byte, h TransportHeader) {
	putHeader(b, model.MessageTransport)
	binary.LittleEndian.PutUint32(b[4:8], h.Receiver)
	binary.LittleEndian.PutUint64(b[8:16], h.Counter)
}

// ParseTransport splits a transport message into header and ciphertext.
// The returned ciphertext aliases b.
func ParseTransport(b []byte) (TransportHeader, []byte, error) {
	mt, err := Type(b)
	if err != nil {
		return TransportHeader{}, nil, err
	}
	if mt != model.MessageTransport {
		return TransportHeader{}, nil, fmt.Errorf("%w: expected %s, got %s", ErrMalformed, model.MessageTransport, mt)
	}
	if len(b) < MinTransportSize {
		return TransportHeader{}, nil, fmt.Errorf("%w: transport too short: %d bytes", ErrMalformed, len(b))
	}
	h := TransportHeader{
		Receiver: binary.LittleEndian.Uint32(b[4:8]),
		Counter:  binary.LittleEndian.Uint64(b[8:16]),
	}
	return h, b[TransportHeaderSize:], nil
}

// Nonce returns the 12-byte AEAD nonce for a transport counter.
func Nonce(counter uint64) [12]byte {
	var n [12]byte
	binary.LittleEndian.PutUint64(n[4:], counter)
	return n
}

// MACOffsets returns the offsets of mac1 and mac2 inside a handshake
// message of the given length.
func MACOffsets(length int) (mac1, mac2 int) {
	mac2 = length - MACSize
	mac1 = mac2 - MACSize
	return mac1, mac2
}
