package relay

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

// Identity names a connected participant. It is assigned at connect time and
// is only meaningful while that connection is registered.
type Identity string

// NewIdentity returns a fresh random identity.
func NewIdentity() Identity {
	return Identity(uuid.NewString())
}

// ParseIdentity validates an identity received from a client or a token.
func ParseIdentity(raw string) (Identity, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || len(raw) > 256 {
		return "", ErrInvalidIdentity
	}
	for i := 0; i < len(raw); i++ {
		if raw[i] < 0x21 || raw[i] == 0x7f {
			return "", ErrInvalidIdentity
		}
	}
	return Identity(raw), nil
}

type EventKind string

const (
	EventCallMade        EventKind = "call-made"
	EventCallAnswered    EventKind = "call-answered"
	EventICECandidate    EventKind = "ice-candidate"
	EventEndCall         EventKind = "end-call"
	EventPeerUnreachable EventKind = "peer-unreachable"
)

// Event is a message the relay hands to a Peer. Payloads are forwarded
// verbatim.
type Event struct {
	Kind EventKind
	// From is the sender. Empty for EventPeerUnreachable.
	From Identity
	// To is only set for EventPeerUnreachable and names the absent callee.
	To        Identity
	Name      string
	Signal    json.RawMessage
	Candidate json.RawMessage
}

// Peer is the relay's handle on a registered connection.
type Peer interface {
	// Deliver queues ev for the participant without blocking. It reports
	// false when the event was dropped.
	Deliver(ev Event) bool
	// Close disconnects the participant. Called when its identity is taken
	// over by a newer connection.
	Close()
}
