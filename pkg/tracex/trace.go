// Package tracex implements a handshake tracer that can be passed to the
// tunnel manager to observe handshake events.
package tracex

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gamavpn/wgtunnel/internal/model"
	"github.com/gamavpn/wgtunnel/internal/optional"
)

const (
	handshakeEventStateChange = iota
	handshakeEventPacketIn
	handshakeEventPacketOut
	handshakeEventPacketDropped
	handshakeEventDone
)

// HandshakeEventType indicates which event we logged.
type HandshakeEventType int

// Ensure that it implements the Stringer interface.
var _ fmt.Stringer = HandshakeEventType(0)

// String implements fmt.Stringer
func (e HandshakeEventType) String() string {
	switch e {
	case handshakeEventStateChange:
		return "state"
	case handshakeEventPacketIn:
		return "packet_in"
	case handshakeEventPacketOut:
		return "packet_out"
	case handshakeEventPacketDropped:
		return "packet_dropped"
	case handshakeEventDone:
		return "handshake_done"
	default:
		return "unknown"
	}
}

// Event is a handshake event collected by this [model.HandshakeTracer].
type Event struct {
	// EventType is the type for this event.
	EventType string `json:"operation"`

	// Stage is the tunnel status when the event happened.
	Stage string `json:"stage"`

	// AtTime is the time for this event, relative to the start time.
	AtTime float64 `json:"t"`

	// Tags is an array of tags that can be useful to interpret this event.
	Tags []string `json:"tags"`

	// LoggedMessage is optional handshake message metadata.
	LoggedMessage optional.Value[LoggedMessage] `json:"message"`

	// TransactionID is an optional index identifying one particular tunnel.
	TransactionID int64 `json:"transaction_id,omitempty"`
}

func newEvent(etype HandshakeEventType, st model.TunnelStatus, t time.Time, t0 time.Time, txid int64) *Event {
	return &Event{
		EventType:     etype.String(),
		Stage:         st.String(),
		AtTime:        t.Sub(t0).Seconds(),
		Tags:          make([]string, 0),
		LoggedMessage: optional.None[LoggedMessage](),
		TransactionID: txid,
	}
}

// Tracer implements [model.HandshakeTracer].
type Tracer struct {
	// events is the array of handshake events.
	events []*Event

	// mu guards access to the events and the stage.
	mu sync.Mutex

	// stage is the last status we saw.
	stage model.TunnelStatus

	// transactionID is an optional index that will be added to any events produced by this tracer.
	transactionID int64

	// zeroTime is the time when we started a trace.
	zeroTime time.Time
}

var _ model.HandshakeTracer = &Tracer{}

// NewTracer returns a Tracer with the passed start time.
func NewTracer(start time.Time) *Tracer {
	return &Tracer{
		zeroTime: start,
	}
}

// NewTracerWithTransactionID returns a Tracer with the passed start time and the given
// identifier for a transaction, which is copied into every event.
func NewTracerWithTransactionID(start time.Time, txid int64) *Tracer {
	return &Tracer{
		transactionID: txid,
		zeroTime:      start,
	}
}

// TimeNow allows to manipulate time for deterministic tests.
func (t *Tracer) TimeNow() time.Time {
	return time.Now()
}

// OnStateChange is called for each transition in the state machine.
func (t *Tracer) OnStateChange(status model.TunnelStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stage = status
	e := newEvent(handshakeEventStateChange, status, t.TimeNow(), t.zeroTime, t.transactionID)
	t.events = append(t.events, e)
}

// OnIncomingMessage is called when a handshake message is received.
func (t *Tracer) OnIncomingMessage(msg model.LoggedMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := newEvent(handshakeEventPacketIn, t.stage, t.TimeNow(), t.zeroTime, t.transactionID)
	e.LoggedMessage = logMessage(msg, optional.None[int](), model.DirectionIncoming)
	addTagsFromMessage(e, msg)
	t.events = append(t.events, e)
}

// OnOutgoingMessage is called when a handshake message is about to be sent.
func (t *Tracer) OnOutgoingMessage(msg model.LoggedMessage, attempt int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := newEvent(handshakeEventPacketOut, t.stage, t.TimeNow(), t.zeroTime, t.transactionID)
	e.LoggedMessage = logMessage(msg, optional.Some(attempt), model.DirectionOutgoing)
	addTagsFromMessage(e, msg)
	t.events = append(t.events, e)
}

// OnDroppedPacket is called whenever a packet is dropped (in/out)
func (t *Tracer) OnDroppedPacket(direction model.Direction, reason model.DropReason) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := newEvent(handshakeEventPacketDropped, t.stage, t.TimeNow(), t.zeroTime, t.transactionID)
	e.Tags = append(e.Tags, direction.String(), reason.String())
	t.events = append(t.events, e)
}

// OnHandshakeDone is called when we have completed a handshake.
func (t *Tracer) OnHandshakeDone(remoteAddr string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := newEvent(handshakeEventDone, t.stage, t.TimeNow(), t.zeroTime, t.transactionID)
	e.Tags = append(e.Tags, remoteAddr)
	t.events = append(t.events, e)
}

// Trace returns a structured log containing a copy of the array of [Event].
func (t *Tracer) Trace() []*Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Event{}, t.events...)
}

// WriteJSON writes the trace as indented JSON.
func (t *Tracer) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(t.Trace())
}

func logMessage(msg model.LoggedMessage, attempt optional.Value[int], direction model.Direction) optional.Value[LoggedMessage] {
	logged := LoggedMessage{
		Direction: direction.String(),
		Type:      msg.Type.String(),
		Sender:    msg.Sender,
		Receiver:  optional.None[uint32](),
		Size:      msg.Size,
		Attempt:   attempt,
	}
	if msg.Receiver != 0 {
		logged.Receiver = optional.Some(msg.Receiver)
	}
	return optional.Some(logged)
}

// LoggedMessage tracks metadata about a handshake message useful to build traces.
type LoggedMessage struct {
	Direction string `json:"operation"`

	// the only fields of the message we want to log.
	Type     string                 `json:"type"`
	Sender   uint32                 `json:"sender"`
	Receiver optional.Value[uint32] `json:"receiver"`

	// Size is the size of the message in bytes
	Size int `json:"size"`

	// Attempt is the initiation attempt (only for outgoing messages).
	Attempt optional.Value[int] `json:"send_attempt"`
}

// addTagsFromMessage derives meaningful tags from the message, and adds
// them to the tag array in the passed event.
func addTagsFromMessage(e *Event, msg model.LoggedMessage) {
	switch msg.Type {
	case model.MessageInitiation:
		e.Tags = append(e.Tags, "initiation")
	case model.MessageResponse:
		e.Tags = append(e.Tags, "response")
	case model.MessageCookieReply:
		e.Tags = append(e.Tags, "cookie_reply", "under_load")
	}
}
