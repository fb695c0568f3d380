// Package tunnel implements the tunnel state machine.
//
// A [Machine] owns at most one tunnel handle: the socket, the virtual
// interface, the session keys and the peer state of a live tunnel. A single
// worker goroutine serializes every transition: it processes control
// requests, inbound datagrams, outbound packets read from the device,
// handshake results and the health tick in one select loop. Handshakes run
// on a separate task which returns the derived keypair to the worker.
// Setup, and the repair of a socket or device failing on a live tunnel,
// also run on their own tasks so that blocking I/O never stalls the loop.
//
// At most one handle exists per process, whatever the number of machines.
package tunnel

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/gamavpn/wgtunnel/internal/engine"
	"github.com/gamavpn/wgtunnel/internal/model"
	"github.com/gamavpn/wgtunnel/internal/notifier"
	"github.com/gamavpn/wgtunnel/internal/runtimex"
	"github.com/gamavpn/wgtunnel/internal/session"
	"github.com/gamavpn/wgtunnel/internal/tun"
	"github.com/gamavpn/wgtunnel/internal/workers"
	"github.com/gamavpn/wgtunnel/pkg/config"
)

var serviceName = "tunnel"

// Timers contains the timing knobs of the state machine.
type Timers struct {
	// HealthTick is the period of the health monitor.
	HealthTick time.Duration

	// MissedKeepalives is how many keepalive intervals may elapse without
	// hearing from the peer before we reconnect.
	MissedKeepalives int

	// MaxReconnectAttempts is how many failed reconnect handshakes move
	// the tunnel to the error state.
	MaxReconnectAttempts int

	// Handshake is the retry schedule of every handshake.
	Handshake engine.RetryPolicy

	// SetupAttempts bounds the attempts to resolve the endpoint, bind the
	// socket and open the device. It also bounds the attempts to rebind the
	// socket or reopen the device after they fail on a live tunnel.
	SetupAttempts int

	// SetupInterval is the wait before the first setup or repair retry.
	SetupInterval time.Duration
}

// DefaultTimers returns the production timers.
func DefaultTimers() Timers {
	return Timers{
		HealthTick:           time.Second,
		MissedKeepalives:     3,
		MaxReconnectAttempts: 3,
		Handshake:            engine.DefaultRetryPolicy(),
		SetupAttempts:        3,
		SetupInterval:        200 * time.Millisecond,
	}
}

// Config contains the dependencies of a [Machine].
type Config struct {
	// Logger is the logger. Mandatory.
	Logger model.Logger

	// Tracer receives handshake and state events. Mandatory.
	Tracer model.HandshakeTracer

	// Opener creates the virtual interface. Mandatory.
	Opener tun.Opener

	// Listener binds the UDP socket. Mandatory.
	Listener model.PacketListener

	// Resolver resolves the endpoint host; nil means [net.DefaultResolver].
	Resolver model.Resolver

	// Notifier receives every status event. Mandatory.
	Notifier *notifier.Notifier

	// Timers are the timers; the zero value means [DefaultTimers].
	Timers Timers

	// Limits are the session limits; the zero value means [session.DefaultLimits].
	Limits session.Limits
}

// snapshot is what readers see of the worker state.
type snapshot struct {
	status model.TunnelStatus
	reason error
	handle *handle
}

// Machine is the tunnel state machine. The zero value is invalid; use
// [NewMachine]. All methods are safe for concurrent use.
type Machine struct {
	logger   model.Logger
	tracer   model.HandshakeTracer
	opener   tun.Opener
	listener model.PacketListener
	resolver model.Resolver
	notifier *notifier.Notifier
	timers   Timers
	limits   session.Limits

	manager  *workers.Manager
	requests chan *request
	current  atomic.Pointer[snapshot]

	// the fields below are owned by the worker

	handle  *handle
	status  model.TunnelStatus
	reason  error
	waiters []chan<- result

	// onTeardown is called after a handle has been torn down.
	onTeardown func(h *handle)
}

// NewMachine creates a [Machine] in the disconnected state and starts its worker.
func NewMachine(config Config) *Machine {
	runtimex.Assert(config.Logger != nil, "nil logger")
	runtimex.Assert(config.Tracer != nil, "nil tracer")
	runtimex.Assert(config.Opener != nil, "nil opener")
	runtimex.Assert(config.Listener != nil, "nil listener")
	runtimex.Assert(config.Notifier != nil, "nil notifier")
	if config.Timers == (Timers{}) {
		config.Timers = DefaultTimers()
	}
	if config.Limits == (session.Limits{}) {
		config.Limits = session.DefaultLimits()
	}
	if config.Resolver == nil {
		config.Resolver = net.DefaultResolver
	}
	runtimex.Assert(config.Timers.HealthTick > 0, "non-positive health tick")
	m := &Machine{
		logger:   config.Logger,
		tracer:   config.Tracer,
		opener:   config.Opener,
		listener: config.Listener,
		resolver: config.Resolver,
		notifier: config.Notifier,
		timers:   config.Timers,
		limits:   config.Limits,
		manager:  workers.NewManager(config.Logger),
		requests: make(chan *request),
		status:   model.StatusDisconnected,
	}
	m.current.Store(&snapshot{status: model.StatusDisconnected})
	m.manager.StartWorker(m.worker)
	return m
}

type requestKind int

const (
	requestConnect = requestKind(iota)
	requestDisconnect
)

// request is a control request for the worker.
type request struct {
	kind   requestKind
	config *config.Config
	result chan result
}

// result resolves a request.
type result struct {
	status model.TunnelStatus
	err    error
}

// Connect brings the tunnel up with cfg and waits until it is connected
// or failed. When a handle is already live it returns the current status
// at once. The context only bounds the wait: when it is done, Connect
// returns an error wrapping [model.ErrCanceled] and the connection
// attempt continues.
func (m *Machine) Connect(ctx context.Context, cfg *config.Config) (model.TunnelStatus, error) {
	return m.do(ctx, &request{kind: requestConnect, config: cfg, result: make(chan result, 1)})
}

// Disconnect tears the tunnel down and waits until it is disconnected.
// It returns the errors met while closing the socket and the device.
func (m *Machine) Disconnect(ctx context.Context) error {
	_, err := m.do(ctx, &request{kind: requestDisconnect, result: make(chan result, 1)})
	return err
}

func (m *Machine) do(ctx context.Context, req *request) (model.TunnelStatus, error) {
	// POSSIBLY BLOCK until the worker accepts the request
	select {
	case m.requests <- req:
	case <-m.manager.ShouldShutdown():
		return m.Status(), fmt.Errorf("%w: tunnel closed", model.ErrCanceled)
	case <-ctx.Done():
		return m.Status(), fmt.Errorf("%w: %w", model.ErrCanceled, ctx.Err())
	}

	// POSSIBLY BLOCK until the worker resolves the request
	select {
	case res := <-req.result:
		return res.status, res.err
	case <-ctx.Done():
		return m.Status(), fmt.Errorf("%w: %w", model.ErrCanceled, ctx.Err())
	}
}

// Status returns the current status.
func (m *Machine) Status() model.TunnelStatus {
	return m.current.Load().status
}

// Info returns a snapshot of the tunnel.
func (m *Machine) Info() model.TunnelInfo {
	snap := m.current.Load()
	info := model.TunnelInfo{
		Status: snap.status,
		Reason: snap.reason,
		Stats:  (&model.PeerState{}).Stats(),
	}
	if h := snap.handle; h != nil {
		info.HandleID = h.id
		info.Interface = h.config.InterfaceName()
		info.Endpoint = h.Endpoint()
		info.Epoch = h.keys.Epoch()
		info.Stats = h.peer.Stats()
	}
	return info
}

// Close tears down any live handle and stops the worker. After Close,
// Connect and Disconnect fail with [model.ErrCanceled].
func (m *Machine) Close() {
	m.manager.Stop()
}
