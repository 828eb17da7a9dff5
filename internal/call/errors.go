package call

import "errors"

var (
	// ErrMediaUnavailable means neither audio+video nor audio-only capture
	// could be obtained. It wraps the underlying causes.
	ErrMediaUnavailable = errors.New("media unavailable")
	// ErrPeerUnreachable means the relay had no participant with the
	// requested identity.
	ErrPeerUnreachable   = errors.New("peer unreachable")
	ErrNegotiationFailed = errors.New("negotiation failed")
	ErrMachineClosed     = errors.New("call machine closed")
	ErrInvalidPeer       = errors.New("invalid peer identity")
)

// ErrRingTimeout is reported when a ringing call was not answered in time.
var ErrRingTimeout = errors.New("ring timeout")
