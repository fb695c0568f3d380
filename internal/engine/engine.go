// Package engine runs WireGuard handshakes over a transport.
//
// As initiator, [Engine.InitiateHandshake] sends initiations following a
// [RetryPolicy] until a valid response arrives. As responder,
// [Engine.Respond] answers a peer initiation. Both produce a
// [*session.Keypair] that the caller installs.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gamavpn/wgtunnel/internal/bytesx"
	"github.com/gamavpn/wgtunnel/internal/model"
	"github.com/gamavpn/wgtunnel/internal/noise"
	"github.com/gamavpn/wgtunnel/internal/runtimex"
	"github.com/gamavpn/wgtunnel/internal/session"
	"github.com/gamavpn/wgtunnel/internal/wire"
)

var serviceName = "engine"

// Sender sends datagrams to the peer.
type Sender interface {
	Send(endpoint netip.AddrPort, b []byte) error
}

// Config contains the engine dependencies.
type Config struct {
	// Peer is the static key material. Mandatory.
	Peer *noise.Peer

	// Sender sends handshake messages. Mandatory.
	Sender Sender

	// Endpoint returns the current peer endpoint. Mandatory.
	Endpoint func() netip.AddrPort

	// Logger is the logger. Mandatory.
	Logger model.Logger

	// Tracer receives handshake events. Mandatory.
	Tracer model.HandshakeTracer

	// Retry is the retry schedule.
	Retry RetryPolicy
}

// Engine performs handshakes with one peer. The zero value is invalid;
// use [New]. One InitiateHandshake and any number of Respond calls may
// run concurrently.
type Engine struct {
	peer      *noise.Peer
	responder *noise.Responder

	// initCookies adds MACs to our initiations and consumes cookie replies
	initCookies *noise.CookieGenerator

	// respCookies adds MACs to our responses
	respCookies *noise.CookieGenerator

	checker  *noise.CookieChecker
	sender   Sender
	endpoint func() netip.AddrPort
	logger   model.Logger
	tracer   model.HandshakeTracer
	retry    RetryPolicy
}

// New creates an [Engine].
func New(config Config) *Engine {
	runtimex.Assert(config.Peer != nil, "nil peer")
	runtimex.Assert(config.Sender != nil, "nil sender")
	runtimex.Assert(config.Endpoint != nil, "nil endpoint func")
	runtimex.Assert(config.Logger != nil, "nil logger")
	runtimex.Assert(config.Tracer != nil, "nil tracer")
	remote := config.Peer.RemotePublic()
	return &Engine{
		peer:        config.Peer,
		responder:   noise.NewResponder(config.Peer),
		initCookies: noise.NewCookieGenerator(remote),
		respCookies: noise.NewCookieGenerator(remote),
		checker:     noise.NewCookieChecker(config.Peer.LocalPublic()),
		sender:      config.Sender,
		endpoint:    config.Endpoint,
		logger:      config.Logger,
		tracer:      config.Tracer,
		retry:       config.Retry,
	}
}

// errAttemptTimeout means one attempt got no valid response in its window.
var errAttemptTimeout = errors.New("no response")

// InitiateHandshake performs a handshake as initiator. Handshake
// responses and cookie replies must be delivered on responses. It returns
// the derived keypair, or an error wrapping [model.ErrHandshakeAuthFailed]
// (fatal, returned at once), [model.ErrHandshakeTimeout] (no valid
// response in any window), [model.ErrHandshakeNetwork] (the last attempt
// could not be sent) or [model.ErrCanceled] together with the context
// error.
func (e *Engine) InitiateHandshake(ctx context.Context, responses <-chan []byte) (*session.Keypair, error) {
	bo := e.retry.backOff()
	var lastSendErr error
	for attempt := 1; ; attempt++ {
		window := bo.NextBackOff()
		if window == backoff.Stop {
			if lastSendErr != nil {
				return nil, lastSendErr
			}
			return nil, fmt.Errorf("%w: no response after %d attempts", model.ErrHandshakeTimeout, attempt-1)
		}
		kp, err := e.attempt(ctx, attempt, window, responses)
		switch {
		case err == nil:
			return kp, nil
		case ctx.Err() != nil:
			return nil, fmt.Errorf("%w: %w", model.ErrCanceled, ctx.Err())
		case errors.Is(err, model.ErrHandshakeAuthFailed):
			return nil, err
		case errors.Is(err, model.ErrHandshakeNetwork):
			lastSendErr = err
		default:
			lastSendErr = nil
		}
		e.logger.Infof("%s: attempt %d failed: %s", serviceName, attempt, err.Error())
	}
}

// pending is an initiation waiting for its response.
type pending struct {
	handshake *noise.Initiator
	msg       []byte
}

// initiate creates a fresh initiation carrying our MACs.
func (e *Engine) initiate(now time.Time) (*pending, error) {
	localIndex, err := bytesx.GenRandomUint32()
	if err != nil {
		return nil, err
	}
	h, init, err := e.peer.CreateInitiation(localIndex)
	if err != nil {
		return nil, err
	}
	msg := init.Marshal()
	e.initCookies.AddMACs(msg, now)
	return &pending{handshake: h, msg: msg}, nil
}

// send sends an initiation to the current endpoint.
func (e *Engine) send(p *pending, attempt int) error {
	e.tracer.OnOutgoingMessage(model.LoggedMessage{
		Type:   model.MessageInitiation,
		Sender: p.handshake.LocalIndex(),
		Size:   len(p.msg),
	}, attempt)
	endpoint := e.endpoint()
	e.logger.Debugf("%s: send initiation %d to %s", serviceName, attempt, endpoint)
	if err := e.sender.Send(endpoint, p.msg); err != nil {
		return fmt.Errorf("%w: %s", model.ErrHandshakeNetwork, err)
	}
	return nil
}

// attempt runs one attempt, waiting at most window for a response.
func (e *Engine) attempt(ctx context.Context, attempt int, window time.Duration, responses <-chan []byte) (*session.Keypair, error) {
	p, err := e.initiate(time.Now())
	if err != nil {
		return nil, fmt.Errorf("%w: %s", model.ErrHandshakeNetwork, err)
	}
	defer func() { p.handshake.Zero() }()

	timer := time.NewTimer(window)
	defer timer.Stop()

	sendErr := e.send(p, attempt)

	for {
		// POSSIBLY BLOCK waiting for the response
		var raw []byte
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			if sendErr != nil {
				return nil, sendErr
			}
			return nil, errAttemptTimeout
		case raw = <-responses:
		}

		mt, err := wire.Type(raw)
		if err != nil {
			continue
		}
		switch mt {
		case model.MessageResponse:
			kp, err := e.onResponse(p, raw)
			if errors.Is(err, model.ErrHandshakeAuthFailed) {
				return nil, err
			}
			if err != nil {
				e.logger.Debugf("%s: ignoring response: %s", serviceName, err.Error())
				continue
			}
			return kp, nil

		case model.MessageCookieReply:
			if !e.onCookieReply(p, raw) {
				continue
			}
			// the peer is under load: retry at once with mac2
			p.handshake.Zero()
			if p, err = e.initiate(time.Now()); err != nil {
				return nil, fmt.Errorf("%w: %s", model.ErrHandshakeNetwork, err)
			}
			sendErr = e.send(p, attempt)
		}
	}
}

// onResponse validates a response to p and derives the keypair.
func (e *Engine) onResponse(p *pending, raw []byte) (*session.Keypair, error) {
	if !e.checker.CheckMAC1(raw) {
		return nil, errors.New("invalid mac1")
	}
	resp, err := wire.ParseResponse(raw)
	if err != nil {
		return nil, err
	}
	if resp.Receiver != p.handshake.LocalIndex() {
		return nil, fmt.Errorf("stale response for index %d", resp.Receiver)
	}
	e.tracer.OnIncomingMessage(model.LoggedMessage{
		Type:     model.MessageResponse,
		Sender:   resp.Sender,
		Receiver: resp.Receiver,
		Size:     len(raw),
	})
	if err := p.handshake.ConsumeResponse(resp); err != nil {
		return nil, err
	}
	kp, err := p.handshake.Keypair(time.Now())
	if err != nil {
		return nil, err
	}
	e.tracer.OnHandshakeDone(e.endpoint().String())
	return kp, nil
}

// onCookieReply consumes a cookie reply to p and returns whether it was valid.
func (e *Engine) onCookieReply(p *pending, raw []byte) bool {
	reply, err := wire.ParseCookieReply(raw)
	if err != nil || reply.Receiver != p.handshake.LocalIndex() {
		return false
	}
	e.tracer.OnIncomingMessage(model.LoggedMessage{
		Type:     model.MessageCookieReply,
		Receiver: reply.Receiver,
		Size:     len(raw),
	})
	if err := e.initCookies.ConsumeReply(reply, time.Now()); err != nil {
		e.logger.Warnf("%s: %s", serviceName, err.Error())
		return false
	}
	return true
}

// Respond answers an initiation received from src. It returns the
// response to send and the keypair derived as responder, which the
// caller installs as unconfirmed. Invalid initiations wrap
// [model.ErrHandshakeAuthFailed] or [wire.ErrMalformed].
func (e *Engine) Respond(msg []byte, src netip.AddrPort) ([]byte, *session.Keypair, error) {
	if !e.checker.CheckMAC1(msg) {
		return nil, nil, fmt.Errorf("%w: invalid mac1 from %s", model.ErrHandshakeAuthFailed, src)
	}
	init, err := wire.ParseInitiation(msg)
	if err != nil {
		return nil, nil, err
	}
	e.tracer.OnIncomingMessage(model.LoggedMessage{
		Type:   model.MessageInitiation,
		Sender: init.Sender,
		Size:   len(msg),
	})
	h, err := e.responder.ConsumeInitiation(init)
	if err != nil {
		return nil, nil, err
	}
	defer h.Zero()
	localIndex, err := bytesx.GenRandomUint32()
	if err != nil {
		return nil, nil, err
	}
	resp, err := h.CreateResponse(localIndex)
	if err != nil {
		return nil, nil, err
	}
	kp, err := h.Keypair(time.Now())
	if err != nil {
		return nil, nil, err
	}
	out := resp.Marshal()
	e.respCookies.AddMACs(out, time.Now())
	e.tracer.OnOutgoingMessage(model.LoggedMessage{
		Type:     model.MessageResponse,
		Sender:   localIndex,
		Receiver: init.Sender,
		Size:     len(out),
	}, 1)
	e.logger.Debugf("%s: answered initiation from %s", serviceName, src)
	return out, kp, nil
}
