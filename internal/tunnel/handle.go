package tunnel

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gamavpn/wgtunnel/internal/allowedips"
	"github.com/gamavpn/wgtunnel/internal/engine"
	"github.com/gamavpn/wgtunnel/internal/model"
	"github.com/gamavpn/wgtunnel/internal/networkio"
	"github.com/gamavpn/wgtunnel/internal/noise"
	"github.com/gamavpn/wgtunnel/internal/session"
	"github.com/gamavpn/wgtunnel/internal/tun"
	"github.com/gamavpn/wgtunnel/internal/workers"
	"github.com/gamavpn/wgtunnel/pkg/config"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
)

// handshakeResult is what the handshake task returns to the worker.
type handshakeResult struct {
	keypair *session.Keypair
	err     error
}

// repairResult is what the repair task returns to the worker: the
// replacement for the component that failed, or the last error.
type repairResult struct {
	transport *networkio.Transport
	device    tun.Device
	err       error
}

// handle is a live tunnel. Unless noted, fields are owned by the worker.
type handle struct {
	// id identifies the handle in logs and in [model.TunnelInfo].
	id string

	config  *config.Config
	noise   *noise.Peer
	keys    *session.SessionKeys
	peer    *model.PeerState
	allowed *allowedips.Table

	// ctx is canceled first thing on teardown.
	ctx    context.Context
	cancel context.CancelFunc

	// manager runs the socket reader, the device reader and the handshake task.
	manager *workers.Manager

	// transport and device are set by the setup task, then replaced by
	// the worker after a repair. The handshake task sends through
	// transport, hence the atomic.
	transport atomic.Pointer[networkio.Transport]
	device    tun.Device
	engine    *engine.Engine

	outbound       chan []byte
	deviceFailures chan error
	responses      chan []byte
	setupDone      chan error
	handshakeDone  chan handshakeResult
	repairDone     chan repairResult

	setupPending    bool
	ready           bool
	repairing       bool
	handshaking     bool
	cancelHandshake context.CancelFunc
	reconnects      int

	// connectedAt is when we last entered the connected state.
	connectedAt time.Time

	// mu protects endpoint, which the handshake task and readers of
	// [Machine.Info] access concurrently.
	mu       sync.Mutex
	endpoint netip.AddrPort
}

func newHandle(cfg *config.Config, np *noise.Peer, limits session.Limits, logger model.Logger) *handle {
	ctx, cancel := context.WithCancel(context.Background())
	return &handle{
		id:             uuid.NewString(),
		config:         cfg,
		noise:          np,
		keys:           session.New(limits),
		peer:           &model.PeerState{},
		allowed:        allowedips.New(cfg.AllowedIPs()),
		ctx:            ctx,
		cancel:         cancel,
		manager:        workers.NewManager(logger),
		outbound:       make(chan []byte, 256),
		deviceFailures: make(chan error, 1),
		responses:      make(chan []byte, 16),
		setupDone:      make(chan error, 1),
		handshakeDone:  make(chan handshakeResult, 1),
		repairDone:     make(chan repairResult, 1),
	}
}

// Send implements [engine.Sender] with the current socket.
func (h *handle) Send(endpoint netip.AddrPort, b []byte) error {
	return h.transport.Load().Send(endpoint, b)
}

// Endpoint returns the peer endpoint.
func (h *handle) Endpoint() netip.AddrPort {
	defer h.mu.Unlock()
	h.mu.Lock()
	return h.endpoint
}

func (h *handle) setEndpoint(endpoint netip.AddrPort) {
	defer h.mu.Unlock()
	h.mu.Lock()
	h.endpoint = endpoint
}

// lastHeard returns when we last heard from the peer in the current connection.
func (h *handle) lastHeard() time.Time {
	return latest(h.peer.LastReceived(), h.connectedAt)
}

// lastSent returns when we last sent to the peer in the current connection.
func (h *handle) lastSent() time.Time {
	return latest(h.peer.LastSent(), h.connectedAt)
}

func latest(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

// setupBackOff returns the retry schedule for binding the socket and
// opening the device.
func (t Timers) setupBackOff(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = t.SetupInterval
	bo.MaxElapsedTime = 0
	bo.Reset()
	attempts := t.SetupAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(bo, uint64(attempts-1)), ctx)
}

// retry runs operation under the setup schedule. Errors not wrapping
// [model.ErrIO] are not retried.
func (m *Machine) retry(h *handle, what string, operation func() error) error {
	op := func() error {
		err := operation()
		if err != nil && !errors.Is(err, model.ErrIO) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, d time.Duration) {
		m.logger.Warnf("%s: %s: %s, retrying in %s", serviceName, what, err.Error(), d)
	}
	return backoff.RetryNotify(op, m.timers.setupBackOff(h.ctx), notify)
}

func (m *Machine) openDevice(h *handle) (tun.Device, error) {
	return tun.Open(m.opener, tun.Config{
		Name:      h.config.InterfaceName(),
		MTU:       h.config.MTU(),
		Addresses: h.config.Addresses(),
		DNS:       h.config.DNS(),
		Routes:    h.config.AllowedIPs(),
	})
}

// setup resolves the endpoint, binds the socket and opens the device.
// It runs on its own goroutine and only touches the handle fields the
// worker does not read until the result is delivered on setupDone.
// I/O failures, failed lookups included, are retried; every other
// failure is returned at once.
func (m *Machine) setup(h *handle) error {
	return m.retry(h, "setup", func() error {
		if !h.Endpoint().IsValid() {
			endpoint, err := networkio.ResolveEndpoint(h.ctx, m.resolver, h.config.Endpoint())
			if err != nil {
				return err
			}
			h.setEndpoint(endpoint)
		}
		if h.transport.Load() == nil {
			transport, err := networkio.Listen(h.ctx, m.listener, h.config.ListenAddress(), m.logger)
			if err != nil {
				return err
			}
			h.transport.Store(transport)
		}
		if h.device == nil {
			device, err := m.openDevice(h)
			if err != nil {
				return err
			}
			h.device = device
		}
		return nil
	})
}

// start starts the workers moving packets once setup succeeded.
func (m *Machine) start(h *handle) {
	h.engine = engine.New(engine.Config{
		Peer:     h.noise,
		Sender:   h,
		Endpoint: h.Endpoint,
		Logger:   m.logger,
		Tracer:   m.tracer,
		Retry:    m.timers.Handshake,
	})
	h.transport.Load().StartWorkers(h.manager)
	tun.StartReader(h.manager, m.logger, h.device, h.outbound, h.deviceFailures)
	h.ready = true
}

// repairSocket closes the failed socket and binds a new one on a task,
// keeping the keys and the device.
func (m *Machine) repairSocket(h *handle, reason error) {
	m.logger.Warnf("%s: socket failed: %s, rebinding", serviceName, reason.Error())
	h.transport.Load().Close()
	h.repairing = true
	go func() {
		var transport *networkio.Transport
		err := m.retry(h, "rebind", func() (err error) {
			transport, err = networkio.Listen(h.ctx, m.listener, h.config.ListenAddress(), m.logger)
			return
		})
		h.repairDone <- repairResult{transport: transport, err: err}
	}()
}

// repairDevice closes the failed device and opens a new one on a task,
// keeping the keys and the socket.
func (m *Machine) repairDevice(h *handle, reason error) {
	m.logger.Warnf("%s: device failed: %s, reopening", serviceName, reason.Error())
	if err := h.device.Close(); err != nil {
		m.logger.Debugf("%s: close device: %s", serviceName, err.Error())
	}
	h.repairing = true
	go func() {
		var device tun.Device
		err := m.retry(h, "reopen", func() (err error) {
			device, err = m.openDevice(h)
			return
		})
		h.repairDone <- repairResult{device: device, err: err}
	}()
}

// onRepairDone restarts the worker of the repaired component, or fails
// the tunnel when the retries ran out.
func (m *Machine) onRepairDone(res repairResult) {
	h := m.handle
	h.repairing = false
	if res.err != nil {
		m.fail(res.err)
		return
	}
	if res.transport != nil {
		h.transport.Store(res.transport)
		res.transport.StartWorkers(h.manager)
		m.logger.Infof("%s: socket rebound, local %s", serviceName, res.transport.LocalAddr())
	}
	if res.device != nil {
		h.device = res.device
		tun.StartReader(h.manager, m.logger, h.device, h.outbound, h.deviceFailures)
		m.logger.Infof("%s: %s reopened", serviceName, h.device.Name())
	}
}

// teardown destroys the live handle: it cancels the handle context, waits
// for the setup and handshake tasks, stops the workers, closes the socket
// and the device, and zeroes every key. It returns the close errors.
func (m *Machine) teardown() error {
	h := m.handle
	if h == nil {
		return nil
	}
	h.cancel()

	if h.setupPending {
		// POSSIBLY BLOCK until setup notices the canceled context
		<-h.setupDone
		h.setupPending = false
	}
	m.stopHandshake(h)
	if h.repairing {
		// POSSIBLY BLOCK until the repair notices the canceled context
		res := <-h.repairDone
		h.repairing = false
		if res.transport != nil {
			h.transport.Store(res.transport)
		}
		if res.device != nil {
			h.device = res.device
		}
	}

	h.manager.StartShutdown()
	var result error
	if transport := h.transport.Load(); transport != nil {
		if err := transport.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if h.device != nil {
		if err := h.device.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	h.manager.WaitWorkersShutdown()

	h.keys.Zero()
	h.ready = false
	releaseSlot(h.id)
	m.handle = nil
	m.logger.Debugf("%s: handle %s destroyed", serviceName, h.id)
	if m.onTeardown != nil {
		m.onTeardown(h)
	}
	return result
}
