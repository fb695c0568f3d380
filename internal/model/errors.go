package model

import "errors"

// Error taxonomy shared by every layer. Callers wrap these with
// fmt.Errorf("%w: ...") and test them with errors.Is.
var (
	// ErrConfigInvalid means the tunnel configuration is unusable. Never retried.
	ErrConfigInvalid = errors.New("invalid config")

	// ErrHandshakeTimeout means no valid handshake response arrived within
	// the retry window.
	ErrHandshakeTimeout = errors.New("handshake timeout")

	// ErrHandshakeAuthFailed means the peer's handshake message failed
	// cryptographic verification. Fatal.
	ErrHandshakeAuthFailed = errors.New("handshake authentication failed")

	// ErrHandshakeNetwork means we could not send a handshake message.
	ErrHandshakeNetwork = errors.New("handshake network error")

	// ErrReplayOrStale means a transport packet carried a counter we already
	// accepted (or one too old for the window) or referenced a discarded key.
	ErrReplayOrStale = errors.New("replayed or stale packet")

	// ErrDecryptAuthFailed means a transport packet did not authenticate.
	ErrDecryptAuthFailed = errors.New("packet authentication failed")

	// ErrIO is a socket or virtual interface failure.
	ErrIO = errors.New("i/o error")

	// ErrInterfaceBusy means another tunnel holds the interface name.
	ErrInterfaceBusy = errors.New("interface busy")

	// ErrTunnelActive means another tunnel handle already exists in this process.
	ErrTunnelActive = errors.New("tunnel already active")

	// ErrCanceled means the operation was interrupted by a disconnect.
	ErrCanceled = errors.New("operation canceled")
)
