package tunnel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gamavpn/wgtunnel/internal/model"
	"github.com/gamavpn/wgtunnel/internal/networkio"
	"github.com/gamavpn/wgtunnel/internal/noise"
	"github.com/gamavpn/wgtunnel/internal/runtimex"
)

// worker is the main loop of the state machine.
func (m *Machine) worker() {
	workerName := fmt.Sprintf("%s: worker", serviceName)

	defer m.manager.OnWorkerDone(workerName)

	m.logger.Debugf("%s: started", workerName)

	ticker := time.NewTicker(m.timers.HealthTick)
	defer ticker.Stop()

	for {
		// a nil channel disables its case
		var (
			incoming       <-chan networkio.Datagram
			socketFailures <-chan error
			outbound       <-chan []byte
			deviceFailures <-chan error
			setupDone      <-chan error
			handshakeDone  <-chan handshakeResult
			repairDone     <-chan repairResult
			tick           <-chan time.Time
		)
		if h := m.handle; h != nil {
			if h.setupPending {
				setupDone = h.setupDone
			}
			if h.repairing {
				repairDone = h.repairDone
			} else if h.ready {
				transport := h.transport.Load()
				incoming = transport.Incoming()
				socketFailures = transport.Failures()
				outbound = h.outbound
				deviceFailures = h.deviceFailures
				tick = ticker.C
			}
			if h.handshaking {
				handshakeDone = h.handshakeDone
			}
		}

		select {
		case req := <-m.requests:
			m.onRequest(req)

		case err := <-setupDone:
			m.onSetupDone(err)

		case res := <-handshakeDone:
			m.onHandshakeDone(res)

		case res := <-repairDone:
			m.onRepairDone(res)

		case dg := <-incoming:
			m.onDatagram(m.handle, dg)

		case pkt := <-outbound:
			m.onOutbound(m.handle, pkt)

		case now := <-tick:
			m.onTick(m.handle, now)

		case err := <-socketFailures:
			m.repairSocket(m.handle, err)

		case err := <-deviceFailures:
			m.repairDevice(m.handle, err)

		case <-m.manager.ShouldShutdown():
			if err := m.disconnect(); err != nil {
				m.logger.Warnf("%s: %s", workerName, err.Error())
			}
			m.resolveWaiters(m.status, fmt.Errorf("%w: tunnel closed", model.ErrCanceled))
			return
		}
	}
}

func (m *Machine) onRequest(req *request) {
	switch req.kind {
	case requestConnect:
		m.connect(req)
	case requestDisconnect:
		err := m.disconnect()
		req.result <- result{status: m.status, err: err}
	}
}

// connect starts a new handle unless one is live.
func (m *Machine) connect(req *request) {
	if m.status.IsActive() {
		m.logger.Debugf("%s: connect: already %s", serviceName, m.status)
		req.result <- result{status: m.status}
		return
	}
	runtimex.Assert(m.handle == nil, "handle outside of an active state")

	cfg := req.config
	if cfg == nil {
		m.failEarly(req, fmt.Errorf("%w: nil config", model.ErrConfigInvalid))
		return
	}
	np, err := noise.NewPeer(cfg.PrivateKey(), cfg.PeerPublicKey(), cfg.PresharedKey())
	if err != nil {
		m.failEarly(req, err)
		return
	}

	h := newHandle(cfg, np, m.limits, m.logger)
	if err := claimSlot(h.id); err != nil {
		h.cancel()
		m.logger.Warnf("%s: connect: %s", serviceName, err.Error())
		req.result <- result{status: m.status, err: err}
		return
	}
	m.handle = h
	m.waiters = append(m.waiters, req.result)
	m.logger.Infof("%s: handle %s: connecting %s to %s", serviceName, h.id, cfg.InterfaceName(), cfg.Endpoint())
	m.publish(model.StatusConnecting, nil)

	h.setupPending = true
	go func() {
		h.setupDone <- m.setup(h)
	}()
}

// failEarly fails a connect request before any handle exists.
func (m *Machine) failEarly(req *request, err error) {
	m.logger.Errorf("%s: connect: %s", serviceName, err.Error())
	m.publish(model.StatusError, err)
	req.result <- result{status: model.StatusError, err: err}
}

func (m *Machine) onSetupDone(err error) {
	h := m.handle
	h.setupPending = false
	if err != nil {
		m.fail(err)
		return
	}
	m.start(h)
	m.logger.Infof("%s: %s up, local %s", serviceName, h.device.Name(), h.transport.Load().LocalAddr())
	m.publish(model.StatusHandshaking, nil)
	m.startHandshake(h)
}

// disconnect tears down the live handle. Without a handle it only moves
// the error state to disconnected.
func (m *Machine) disconnect() error {
	if m.handle == nil {
		if m.status == model.StatusError {
			m.publish(model.StatusDisconnected, nil)
		}
		return nil
	}
	m.handle.cancel()
	m.publish(model.StatusDisconnecting, nil)
	err := m.teardown()
	m.publish(model.StatusDisconnected, nil)
	m.resolveWaiters(model.StatusDisconnected, fmt.Errorf("%w: disconnected", model.ErrCanceled))
	return err
}

// fail tears down the live handle and moves to the error state.
func (m *Machine) fail(reason error) {
	m.logger.Errorf("%s: %s", serviceName, reason.Error())
	if err := m.teardown(); err != nil {
		m.logger.Warnf("%s: teardown: %s", serviceName, err.Error())
	}
	m.publish(model.StatusError, reason)
	m.resolveWaiters(model.StatusError, reason)
}

// publish records a transition and notifies subscribers.
func (m *Machine) publish(status model.TunnelStatus, reason error) {
	m.status, m.reason = status, reason
	m.current.Store(&snapshot{status: status, reason: reason, handle: m.handle})
	m.tracer.OnStateChange(status)
	ev := model.StatusEvent{Status: status, Reason: reason, At: m.tracer.TimeNow()}
	m.logger.Infof("%s: %s", serviceName, ev)
	m.notifier.Publish(ev)
}

// resolveWaiters resolves every pending connect request.
func (m *Machine) resolveWaiters(status model.TunnelStatus, err error) {
	for _, w := range m.waiters {
		w <- result{status: status, err: err}
	}
	m.waiters = nil
}

// startHandshake starts the handshake task.
func (m *Machine) startHandshake(h *handle) {
	runtimex.Assert(!h.handshaking, "handshake already running")
	ctx, cancel := context.WithCancel(h.ctx)
	h.handshaking = true
	h.cancelHandshake = cancel

	// stale messages from a previous handshake
	for len(h.responses) > 0 {
		<-h.responses
	}

	h.manager.StartWorker(func() {
		workerName := fmt.Sprintf("%s: handshakeWorker", serviceName)

		defer h.manager.OnWorkerDone(workerName)

		kp, err := h.engine.InitiateHandshake(ctx, h.responses)
		h.handshakeDone <- handshakeResult{keypair: kp, err: err}
	})
}

// stopHandshake cancels the handshake task, if any, and discards its keys.
func (m *Machine) stopHandshake(h *handle) {
	if !h.handshaking {
		return
	}
	h.cancelHandshake()

	// POSSIBLY BLOCK until the handshake task returns
	res := <-h.handshakeDone
	if res.keypair != nil {
		res.keypair.Zero()
	}
	h.handshaking = false
}

func (m *Machine) onHandshakeDone(res handshakeResult) {
	h := m.handle
	h.handshaking = false
	h.cancelHandshake()
	if res.err != nil {
		m.onHandshakeFailed(h, res.err)
		return
	}
	now := time.Now()
	epoch := h.keys.Install(res.keypair, now)
	h.peer.OnHandshake(now)
	h.reconnects = 0
	m.logger.Infof("%s: handshake done, epoch %d", serviceName, epoch)
	if m.status != model.StatusConnected {
		h.connectedAt = now
		m.publish(model.StatusConnected, nil)
		m.resolveWaiters(model.StatusConnected, nil)
	}
	// confirms the new keys to the peer
	m.sendKeepalive(h, now)
}

func (m *Machine) onHandshakeFailed(h *handle, err error) {
	switch {
	case errors.Is(err, model.ErrCanceled):
		m.logger.Debugf("%s: handshake: %s", serviceName, err.Error())

	case errors.Is(err, model.ErrHandshakeAuthFailed), m.status == model.StatusHandshaking:
		m.fail(err)

	case m.status == model.StatusReconnecting:
		h.reconnects++
		if h.reconnects >= m.timers.MaxReconnectAttempts {
			m.fail(err)
			return
		}
		m.logger.Warnf("%s: reconnect attempt %d failed: %s", serviceName, h.reconnects, err.Error())
		m.startHandshake(h)

	default:
		// rekey: the current keys stay in use and the next tick retries
		m.logger.Warnf("%s: rekey failed: %s", serviceName, err.Error())
	}
}

// reconnect handshakes again keeping the interface up.
func (m *Machine) reconnect(h *handle, why string) {
	m.logger.Warnf("%s: %s, reconnecting", serviceName, why)
	m.stopHandshake(h)
	h.reconnects = 0
	m.publish(model.StatusReconnecting, nil)
	m.startHandshake(h)
}

// onPeerConfirmed runs when the peer switched to keys it derived as
// initiator, which completes a handshake started by the peer.
func (m *Machine) onPeerConfirmed(h *handle, now time.Time) {
	h.peer.OnHandshake(now)
	m.logger.Infof("%s: peer confirmed epoch %d", serviceName, h.keys.Epoch())
	switch m.status {
	case model.StatusHandshaking, model.StatusReconnecting:
		m.stopHandshake(h)
		h.reconnects = 0
		h.connectedAt = now
		m.publish(model.StatusConnected, nil)
		m.resolveWaiters(model.StatusConnected, nil)
	}
}

// onTick runs the health monitor.
func (m *Machine) onTick(h *handle, now time.Time) {
	h.keys.Expire(now)
	if m.status != model.StatusConnected {
		return
	}
	if h.keys.Expired(now) {
		m.reconnect(h, "keys expired")
		return
	}
	keepalive := h.config.Keepalive()
	window := keepalive * time.Duration(m.timers.MissedKeepalives)
	if silence := now.Sub(h.lastHeard()); silence >= window {
		m.reconnect(h, fmt.Sprintf("peer silent for %s", silence.Round(time.Millisecond)))
		return
	}
	if !h.handshaking && h.keys.ShouldRekey(now) {
		m.logger.Infof("%s: rekeying epoch %d", serviceName, h.keys.Epoch())
		m.startHandshake(h)
	}
	if now.Sub(h.lastSent()) >= keepalive {
		m.sendKeepalive(h, now)
	}
}
