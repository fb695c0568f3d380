package model

import (
	"fmt"
	"time"
)

// MessageType is the one-byte type tag of a WireGuard message.
type MessageType uint8

const (
	// MessageInitiation is the first handshake message.
	MessageInitiation = MessageType(1)

	// MessageResponse is the second handshake message.
	MessageResponse = MessageType(2)

	// MessageCookieReply is sent by a peer under load.
	MessageCookieReply = MessageType(3)

	// MessageTransport carries encrypted data or keepalives.
	MessageTransport = MessageType(4)
)

var _ fmt.Stringer = MessageInitiation

// String implements fmt.Stringer.
func (t MessageType) String() string {
	switch t {
	case MessageInitiation:
		return "handshake_initiation"
	case MessageResponse:
		return "handshake_response"
	case MessageCookieReply:
		return "cookie_reply"
	case MessageTransport:
		return "transport_data"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// HandshakeTracer allows to collect traces for the handshakes of a tunnel. A
// HandshakeTracer can be optionally passed to the tunnel manager, and it will
// be propagated to any layer that needs to register an event.
type HandshakeTracer interface {
	// TimeNow allows to inject time for deterministic tests.
	TimeNow() time.Time

	// OnStateChange is called for each transition in the state machine.
	OnStateChange(status TunnelStatus)

	// OnIncomingMessage is called when a handshake message is received.
	OnIncomingMessage(msg LoggedMessage)

	// OnOutgoingMessage is called when a handshake message is about to be sent.
	OnOutgoingMessage(msg LoggedMessage, attempt int)

	// OnDroppedPacket is called whenever a packet is dropped (in/out).
	OnDroppedPacket(direction Direction, reason DropReason)

	// OnHandshakeDone is called when we have completed a handshake.
	OnHandshakeDone(remoteAddr string)
}

// LoggedMessage tracks metadata about a handshake message useful to build traces.
type LoggedMessage struct {
	Type     MessageType
	Sender   uint32
	Receiver uint32
	Size     int
}

// Direction is one of two directions on a packet.
type Direction int

const (
	// DirectionIncoming marks received packets.
	DirectionIncoming = Direction(iota)

	// DirectionOutgoing marks packets to be sent.
	DirectionOutgoing
)

var _ fmt.Stringer = DirectionIncoming

// String implements fmt.Stringer
func (d Direction) String() string {
	switch d {
	case DirectionIncoming:
		return "recv"
	case DirectionOutgoing:
		return "send"
	default:
		return "undefined"
	}
}

// DummyTracer is a no-op implementation of [model.HandshakeTracer] that does nothing
// but can be safely passed as a default implementation.
type DummyTracer struct{}

// TimeNow allows to manipulate time for deterministic tests.
func (dt *DummyTracer) TimeNow() time.Time { return time.Now() }

// OnStateChange is called for each transition in the state machine.
func (dt *DummyTracer) OnStateChange(TunnelStatus) {}

// OnIncomingMessage is called when a handshake message is received.
func (dt *DummyTracer) OnIncomingMessage(LoggedMessage) {}

// OnOutgoingMessage is called when a handshake message is about to be sent.
func (dt *DummyTracer) OnOutgoingMessage(LoggedMessage, int) {}

// OnDroppedPacket is called whenever a packet is dropped (in/out)
func (dt *DummyTracer) OnDroppedPacket(Direction, DropReason) {}

// OnHandshakeDone is called when we have completed a handshake.
func (dt *DummyTracer) OnHandshakeDone(string) {}

// Assert that DummyTracer implements [model.HandshakeTracer].
var _ HandshakeTracer = &DummyTracer{}
