package call

type State int

const (
	Idle State = iota
	OutgoingRinging
	IncomingRinging
	Connected
	Ending
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case OutgoingRinging:
		return "outgoing-ringing"
	case IncomingRinging:
		return "incoming-ringing"
	case Connected:
		return "connected"
	case Ending:
		return "ending"
	default:
		return "unknown"
	}
}

// Snapshot is a point-in-time copy of the machine for presentation.
type Snapshot struct {
	State             State
	RemoteIdentity    string
	RemoteDisplayName string
	LocalStream       Stream
	RemoteStream      Stream

	AudioEnabled  bool
	VideoEnabled  bool
	ScreenSharing bool
	// Acquiring is true while local media capture is in flight.
	Acquiring bool

	LastError     error
	StaleMessages uint64
}

func (s Snapshot) InCall() bool {
	return s.State != Idle
}
