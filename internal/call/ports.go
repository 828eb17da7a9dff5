package call

import (
	"context"
	"encoding/json"
)

type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

type MediaConstraints struct {
	Video bool
	Audio bool
}

// MediaSource captures local devices.
type MediaSource interface {
	Acquire(ctx context.Context, c MediaConstraints) (Stream, error)
}

type Stream interface {
	ID() string
	Tracks() []Track
}

type Track interface {
	ID() string
	Kind() MediaKind
	Enabled() bool
	// SetEnabled mutes or unmutes the track without renegotiation.
	SetEnabled(enabled bool)
	// Stop releases the device. Safe to call more than once.
	Stop()
}

type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "responder"
}

// NegotiatorHandlers are invoked from the negotiator's own goroutines.
type NegotiatorHandlers struct {
	// OnSignal carries an outbound signal. The first one of a call attempt is
	// the offer (initiator) or answer (responder).
	OnSignal func(data json.RawMessage)
	OnStream func(remote Stream)
	OnError  func(err error)
}

type NegotiatorFactory interface {
	NewNegotiator(role Role, local Stream, h NegotiatorHandlers) (Negotiator, error)
}

// Negotiator is one call attempt's peer connection. It is never reused.
type Negotiator interface {
	// Signal feeds a remote offer, answer or candidate. It must not block on
	// network I/O.
	Signal(data json.RawMessage) error
	// Destroy closes the connection. Safe to call more than once.
	Destroy()
}

// Signaler sends messages to the relay.
type Signaler interface {
	PlaceCall(to string, signal json.RawMessage, name string) error
	AnswerCall(to string, signal json.RawMessage) error
	SendCandidate(to string, candidate json.RawMessage) error
	EndCall(to string) error
}

// Inbound receives messages routed by the relay. Machine implements it.
type Inbound interface {
	CallMade(from, name string, signal json.RawMessage)
	CallAnswered(from string, signal json.RawMessage)
	RemoteCandidate(from string, candidate json.RawMessage)
	RemoteEnded(from string)
	PeerUnreachable(to string)
}

type Cue int

const (
	CueIncoming Cue = iota
	CueOutgoing
)

func (c Cue) String() string {
	switch c {
	case CueIncoming:
		return "incoming"
	case CueOutgoing:
		return "outgoing"
	default:
		return "unknown"
	}
}

// Cues plays ring tones. Stop on a cue that is not playing is a no-op.
type Cues interface {
	Play(c Cue)
	Stop(c Cue)
}
