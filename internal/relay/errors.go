package relay

import "errors"

var (
	ErrTooManyParticipants = errors.New("too many participants")
	// ErrUnknownParticipant is returned when the target (or the sender) of a
	// routed message is not registered. The message has been dropped; for
	// PlaceCall the caller has already been told the peer is unreachable.
	ErrUnknownParticipant = errors.New("unknown participant")
	ErrInvalidIdentity    = errors.New("invalid identity")
)
