package tunnel

import (
	"errors"
	"time"

	"github.com/gamavpn/wgtunnel/internal/allowedips"
	"github.com/gamavpn/wgtunnel/internal/model"
	"github.com/gamavpn/wgtunnel/internal/networkio"
	"github.com/gamavpn/wgtunnel/internal/wire"
)

// onDatagram dispatches a datagram received from the network.
func (m *Machine) onDatagram(h *handle, dg networkio.Datagram) {
	mt, err := wire.Type(dg.Payload)
	if err != nil {
		m.drop(h, model.DirectionIncoming, model.DropMalformed)
		return
	}
	switch mt {
	case model.MessageInitiation:
		m.onInitiation(h, dg)

	case model.MessageResponse, model.MessageCookieReply:
		if !h.handshaking {
			m.logger.Debugf("%s: ignoring %s from %s", serviceName, mt, dg.From)
			return
		}
		select {
		case h.responses <- dg.Payload:
		default:
			m.drop(h, model.DirectionIncoming, model.DropQueueFull)
		}

	case model.MessageTransport:
		m.onTransport(h, dg)

	default:
		m.drop(h, model.DirectionIncoming, model.DropMalformed)
	}
}

// onInitiation answers a handshake started by the peer. The derived keys
// stay unconfirmed until the peer sends with them.
func (m *Machine) onInitiation(h *handle, dg networkio.Datagram) {
	resp, kp, err := h.engine.Respond(dg.Payload, dg.From)
	if err != nil {
		m.logger.Debugf("%s: initiation from %s: %s", serviceName, dg.From, err.Error())
		reason := model.DropAuth
		if errors.Is(err, wire.ErrMalformed) {
			reason = model.DropMalformed
		}
		m.drop(h, model.DirectionIncoming, reason)
		return
	}
	if err := h.Send(dg.From, resp); err != nil {
		kp.Zero()
		m.logger.Warnf("%s: send response: %s", serviceName, err.Error())
		return
	}
	h.keys.InstallNext(kp, time.Now())
	m.logger.Debugf("%s: answered initiation from %s, keys pending", serviceName, dg.From)
}

// onTransport decrypts a transport message and injects its packet into the device.
func (m *Machine) onTransport(h *handle, dg networkio.Datagram) {
	now := time.Now()
	before := h.keys.Epoch()
	out, err := h.keys.Decrypt(dg.Payload, now)
	if err != nil {
		reason := model.DropMalformed
		switch {
		case errors.Is(err, model.ErrReplayOrStale):
			reason = model.DropReplay
		case errors.Is(err, model.ErrDecryptAuthFailed):
			reason = model.DropAuth
		}
		m.logger.Debugf("%s: from %s: %s", serviceName, dg.From, err.Error())
		m.drop(h, model.DirectionIncoming, reason)
		return
	}
	h.peer.OnReceived(now, len(dg.Payload))

	// only authenticated traffic moves the endpoint
	if endpoint := h.Endpoint(); dg.From != endpoint {
		m.logger.Infof("%s: peer endpoint moved from %s to %s", serviceName, endpoint, dg.From)
		h.setEndpoint(dg.From)
	}
	if h.keys.Epoch() != before {
		m.onPeerConfirmed(h, now)
	}

	if len(out.Plaintext) == 0 {
		return // keepalive
	}
	size, err := allowedips.Length(out.Plaintext)
	if err != nil {
		m.drop(h, model.DirectionIncoming, model.DropMalformed)
		return
	}
	pkt := out.Plaintext[:size]
	if !h.allowed.AllowInbound(pkt) {
		m.drop(h, model.DirectionIncoming, model.DropAllowedIPs)
		return
	}
	if _, err := h.device.Write(pkt); err != nil {
		m.logger.Warnf("%s: device write: %s", serviceName, err.Error())
	}
}

// onOutbound encrypts a packet read from the device and sends it.
func (m *Machine) onOutbound(h *handle, pkt []byte) {
	if m.status != model.StatusConnected {
		m.drop(h, model.DirectionOutgoing, model.DropNoKeys)
		return
	}
	if !h.allowed.AllowOutbound(pkt) {
		m.drop(h, model.DirectionOutgoing, model.DropAllowedIPs)
		return
	}
	now := time.Now()
	msg, err := h.keys.Encrypt(pkt, h.device.MTU(), now)
	if err != nil {
		m.drop(h, model.DirectionOutgoing, model.DropNoKeys)
		return
	}
	m.send(h, msg, now)
}

// sendKeepalive sends an empty transport message.
func (m *Machine) sendKeepalive(h *handle, now time.Time) {
	msg, err := h.keys.Encrypt(nil, h.device.MTU(), now)
	if err != nil {
		m.logger.Debugf("%s: keepalive: %s", serviceName, err.Error())
		return
	}
	m.send(h, msg, now)
}

func (m *Machine) send(h *handle, msg []byte, now time.Time) {
	if err := h.Send(h.Endpoint(), msg); err != nil {
		m.logger.Debugf("%s: %s", serviceName, err.Error())
		return
	}
	h.peer.OnSent(now, len(msg))
}

// drop counts a dropped packet.
func (m *Machine) drop(h *handle, direction model.Direction, reason model.DropReason) {
	h.peer.OnDropped(reason)
	m.tracer.OnDroppedPacket(direction, reason)
}
