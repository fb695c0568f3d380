// Package tunnel contains the public tunnel API.
//
// A [Manager] brings one WireGuard tunnel up and down, exposes its status
// and notifies subscribers of every status transition.
package tunnel

import (
	"context"
	"net"

	"github.com/apex/log"
	"github.com/gamavpn/wgtunnel/internal/model"
	"github.com/gamavpn/wgtunnel/internal/notifier"
	"github.com/gamavpn/wgtunnel/internal/session"
	"github.com/gamavpn/wgtunnel/internal/tun"
	itunnel "github.com/gamavpn/wgtunnel/internal/tunnel"
	"github.com/gamavpn/wgtunnel/pkg/config"
	"golang.zx2c4.com/wireguard/tun/netstack"
)

// Status is the lifecycle state of the tunnel.
type Status = model.TunnelStatus

const (
	StatusDisconnected  = model.StatusDisconnected
	StatusConnecting    = model.StatusConnecting
	StatusHandshaking   = model.StatusHandshaking
	StatusConnected     = model.StatusConnected
	StatusReconnecting  = model.StatusReconnecting
	StatusDisconnecting = model.StatusDisconnecting
	StatusError         = model.StatusError
)

// We're creating type aliases to expose the internal types on the public API.
type (
	Event         = model.StatusEvent
	Info          = model.TunnelInfo
	Stats         = model.PeerStats
	Subscription  = notifier.Subscription
	Timers        = itunnel.Timers
	SessionLimits = session.Limits
	Device        = tun.Device
	DeviceConfig  = tun.Config
	DeviceOpener  = tun.Opener
)

var (
	ErrConfigInvalid       = model.ErrConfigInvalid
	ErrHandshakeTimeout    = model.ErrHandshakeTimeout
	ErrHandshakeAuthFailed = model.ErrHandshakeAuthFailed
	ErrHandshakeNetwork    = model.ErrHandshakeNetwork
	ErrReplayOrStale       = model.ErrReplayOrStale
	ErrDecryptAuthFailed   = model.ErrDecryptAuthFailed
	ErrIO                  = model.ErrIO
	ErrInterfaceBusy       = model.ErrInterfaceBusy
	ErrTunnelActive        = model.ErrTunnelActive
	ErrCanceled            = model.ErrCanceled
)

// DefaultTimers returns the production timers.
func DefaultTimers() Timers {
	return itunnel.DefaultTimers()
}

// DefaultSessionLimits returns the protocol session limits.
func DefaultSessionLimits() SessionLimits {
	return session.DefaultLimits()
}

// NetstackDevice returns a [DeviceOpener] creating a userspace network
// stack. onReady receives the stack every time a tunnel comes up; use it
// to dial through the tunnel.
func NetstackDevice(onReady func(tnet *netstack.Net)) DeviceOpener {
	return tun.NewNetstackOpener(onReady)
}

// Manager manages the lifecycle of a tunnel. The zero value is invalid;
// use [NewManager]. All methods are safe for concurrent use.
type Manager struct {
	logger    model.Logger
	tracer    model.HandshakeTracer
	opener    tun.Opener
	listener  model.PacketListener
	resolver  model.Resolver
	timers    Timers
	limits    SessionLimits
	queueSize int

	notifier *notifier.Notifier
	machine  *itunnel.Machine
}

// Option is an option you can pass to [NewManager].
type Option func(m *Manager)

// WithLogger configures the passed [model.Logger].
func WithLogger(logger model.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithHandshakeTracer configures the passed [model.HandshakeTracer].
func WithHandshakeTracer(tracer model.HandshakeTracer) Option {
	return func(m *Manager) {
		m.tracer = tracer
	}
}

// WithDeviceOpener configures how the virtual interface is created.
func WithDeviceOpener(opener DeviceOpener) Option {
	return func(m *Manager) {
		m.opener = opener
	}
}

// WithPacketListener configures how the UDP socket is bound.
func WithPacketListener(listener model.PacketListener) Option {
	return func(m *Manager) {
		m.listener = listener
	}
}

// WithResolver configures how the endpoint host is resolved. Lookup
// failures are retried like socket failures.
func WithResolver(resolver model.Resolver) Option {
	return func(m *Manager) {
		m.resolver = resolver
	}
}

// WithTimers configures the health monitor, reconnect and retry timers.
func WithTimers(timers Timers) Option {
	return func(m *Manager) {
		m.timers = timers
	}
}

// WithSessionLimits configures the key lifetimes and message limits.
func WithSessionLimits(limits SessionLimits) Option {
	return func(m *Manager) {
		m.limits = limits
	}
}

// WithQueueSize configures the queue size of subscriptions created with a
// zero size.
func WithQueueSize(size int) Option {
	return func(m *Manager) {
		m.queueSize = size
	}
}

// NewManager returns a [Manager] in the disconnected state. Without
// options it logs with apex/log, creates kernel TUN interfaces where
// supported, binds sockets with [net.ListenConfig] and resolves the
// endpoint with [net.DefaultResolver].
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		logger:    log.Log,
		tracer:    &model.DummyTracer{},
		opener:    defaultOpener(),
		listener:  &net.ListenConfig{},
		resolver:  net.DefaultResolver,
		queueSize: notifier.DefaultQueueSize,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.notifier = notifier.New(m.logger, model.StatusEvent{
		Status: model.StatusDisconnected,
		At:     m.tracer.TimeNow(),
	})
	m.machine = itunnel.NewMachine(itunnel.Config{
		Logger:   m.logger,
		Tracer:   m.tracer,
		Opener:   m.opener,
		Listener: m.listener,
		Resolver: m.resolver,
		Notifier: m.notifier,
		Timers:   m.timers,
		Limits:   m.limits,
	})
	return m
}

// Connect brings the tunnel up and waits until it is connected or failed.
// When a tunnel is already live it returns the current status at once.
// The context only bounds the wait.
func (m *Manager) Connect(ctx context.Context, cfg *config.Config) (Status, error) {
	return m.machine.Connect(ctx, cfg)
}

// Disconnect tears the tunnel down and waits until it is disconnected.
func (m *Manager) Disconnect(ctx context.Context) error {
	return m.machine.Disconnect(ctx)
}

// Status returns the current status.
func (m *Manager) Status() Status {
	return m.machine.Status()
}

// Info returns a snapshot of the tunnel and of its counters.
func (m *Manager) Info() Info {
	return m.machine.Info()
}

// Subscribe returns a subscription delivering every status event on a
// channel, starting with the current one. A non-positive size selects the
// configured queue size.
func (m *Manager) Subscribe(size int) *Subscription {
	return m.notifier.Subscribe(m.subscriptionSize(size))
}

// SubscribeFunc calls fx with the status and the reason of every status
// event, starting with the current one, on a dedicated goroutine.
func (m *Manager) SubscribeFunc(fx func(status Status, reason error)) *Subscription {
	return m.notifier.SubscribeFunc(m.queueSize, func(ev model.StatusEvent) {
		fx(ev.Status, ev.Reason)
	})
}

func (m *Manager) subscriptionSize(size int) int {
	if size > 0 {
		return size
	}
	return m.queueSize
}

// Close tears down any live tunnel and stops every subscription.
func (m *Manager) Close() {
	m.machine.Close()
	m.notifier.Close()
}
