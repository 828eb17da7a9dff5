package relay

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/metrics"
)

type Config struct {
	// MaxParticipants caps concurrently registered identities. 0 means
	// unlimited.
	MaxParticipants int
	Logger          *slog.Logger
	Metrics         *metrics.Metrics
	Now             func() time.Time
}

// CallSession records that Caller has offered a call to Callee.
type CallSession struct {
	Caller    Identity
	Callee    Identity
	CreatedAt time.Time
	Answered  bool
}

type pairKey struct {
	a, b Identity
}

func keyFor(x, y Identity) pairKey {
	if x < y {
		return pairKey{a: x, b: y}
	}
	return pairKey{a: y, b: x}
}

func (k pairKey) other(id Identity) Identity {
	if k.a == id {
		return k.b
	}
	return k.a
}

// Relay routes signaling between registered participants. The lock only
// guards the registry; delivery happens after it is released so a slow peer
// never stalls routing for anybody else.
type Relay struct {
	cfg Config
	log *slog.Logger

	mu    sync.Mutex
	peers map[Identity]Peer
	calls map[pairKey]*CallSession
}

// New returns an empty relay. A nil Logger or Now in cfg falls back to
// slog.Default and time.Now.
func New(cfg Config) *Relay {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Relay{
		cfg:   cfg,
		log:   cfg.Logger,
		peers: make(map[Identity]Peer),
		calls: make(map[pairKey]*CallSession),
	}
}

type delivery struct {
	peer Peer
	ev   Event
}

func (r *Relay) flush(out []delivery) {
	for _, d := range out {
		if !d.peer.Deliver(d.ev) {
			r.cfg.Metrics.Inc(metrics.SendQueueFull)
			r.log.Warn("dropped relay event", "kind", d.ev.Kind, "from", d.ev.From)
		}
	}
}

// dropSessionsLocked removes every session involving id and returns end-call
// events for the partners that are still registered.
func (r *Relay) dropSessionsLocked(id Identity) []delivery {
	var out []delivery
	for k := range r.calls {
		if k.a != id && k.b != id {
			continue
		}
		delete(r.calls, k)
		partner := k.other(id)
		if p, ok := r.peers[partner]; ok {
			out = append(out, delivery{peer: p, ev: Event{Kind: EventEndCall, From: id}})
		}
	}
	return out
}

// Register binds id to peer. Registering an identity that is already bound
// replaces the old connection: its calls are ended and it is closed.
func (r *Relay) Register(id Identity, peer Peer) error {
	if id == "" {
		return ErrInvalidIdentity
	}

	var (
		out []delivery
		old Peer
	)
	r.mu.Lock()
	if prev, ok := r.peers[id]; ok {
		old = prev
		out = r.dropSessionsLocked(id)
	} else if r.cfg.MaxParticipants > 0 && len(r.peers) >= r.cfg.MaxParticipants {
		r.mu.Unlock()
		r.cfg.Metrics.Inc(metrics.TooManyParticipants)
		return ErrTooManyParticipants
	}
	r.peers[id] = peer
	r.mu.Unlock()

	if old != nil {
		r.cfg.Metrics.Inc(metrics.ParticipantReplaced)
		r.cfg.Metrics.Add(metrics.EndCallSynthesized, uint64(len(out)))
		r.log.Info("participant replaced", "id", id)
		old.Close()
	} else {
		r.cfg.Metrics.Inc(metrics.ParticipantRegistered)
		r.log.Debug("participant registered", "id", id)
	}
	r.flush(out)
	return nil
}

// Unregister removes id if it is still bound to peer. A connection that was
// replaced by a newer one for the same identity is ignored.
func (r *Relay) Unregister(id Identity, peer Peer) {
	r.mu.Lock()
	cur, ok := r.peers[id]
	if !ok || cur != peer {
		r.mu.Unlock()
		return
	}
	delete(r.peers, id)
	out := r.dropSessionsLocked(id)
	r.mu.Unlock()

	r.cfg.Metrics.Inc(metrics.ParticipantLeft)
	r.cfg.Metrics.Add(metrics.EndCallSynthesized, uint64(len(out)))
	r.log.Debug("participant left", "id", id, "ended_calls", len(out))
	r.flush(out)
}

// route looks up both ends under the lock, applies mutate to the session
// table and returns the target peer.
func (r *Relay) route(from, to Identity, mutate func(k pairKey)) (target Peer, sender Peer, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sender, ok := r.peers[from]
	if !ok {
		return nil, nil, ErrUnknownParticipant
	}
	target, ok = r.peers[to]
	if !ok || from == to {
		return nil, sender, ErrUnknownParticipant
	}
	if mutate != nil {
		mutate(keyFor(from, to))
	}
	return target, sender, nil
}

// PlaceCall forwards an offer from caller to callee. When the callee is not
// registered the caller receives EventPeerUnreachable instead.
func (r *Relay) PlaceCall(from, to Identity, name string, signal json.RawMessage) error {
	replaced := false
	target, sender, err := r.route(from, to, func(k pairKey) {
		_, replaced = r.calls[k]
		r.calls[k] = &CallSession{Caller: from, Callee: to, CreatedAt: r.cfg.Now()}
	})
	if err != nil {
		if sender != nil {
			r.cfg.Metrics.Inc(metrics.PeerUnreachable)
			r.log.Debug("callee unreachable", "from", from, "to", to)
			r.flush([]delivery{{peer: sender, ev: Event{Kind: EventPeerUnreachable, To: to}}})
		} else {
			r.cfg.Metrics.Inc(metrics.PeerAbsent)
		}
		return err
	}
	if replaced {
		r.cfg.Metrics.Inc(metrics.CallReplaced)
	}
	r.cfg.Metrics.Inc(metrics.CallPlaced)
	r.flush([]delivery{{peer: target, ev: Event{Kind: EventCallMade, From: from, Name: name, Signal: signal}}})
	return nil
}

// AnswerCall forwards an answer back to the caller. Dropped silently when the
// caller is gone.
func (r *Relay) AnswerCall(from, to Identity, signal json.RawMessage) error {
	target, _, err := r.route(from, to, func(k pairKey) {
		if s, ok := r.calls[k]; ok {
			s.Answered = true
		}
	})
	if err != nil {
		r.cfg.Metrics.Inc(metrics.PeerAbsent)
		return err
	}
	r.cfg.Metrics.Inc(metrics.AnswerRelayed)
	r.flush([]delivery{{peer: target, ev: Event{Kind: EventCallAnswered, From: from, Signal: signal}}})
	return nil
}

// RelayCandidate forwards an ICE candidate to the other party of an existing
// pair session. Candidates for a pair with no session are rejected.
func (r *Relay) RelayCandidate(from, to Identity, candidate json.RawMessage) error {
	target, _, err := r.route(from, to, nil)
	if err != nil {
		r.cfg.Metrics.Inc(metrics.PeerAbsent)
		return err
	}
	r.cfg.Metrics.Inc(metrics.CandidateRelayed)
	r.flush([]delivery{{peer: target, ev: Event{Kind: EventICECandidate, From: from, Candidate: candidate}}})
	return nil
}

// EndCall forwards a hang-up. It is safe to repeat; the session entry is
// simply gone after the first one.
func (r *Relay) EndCall(from, to Identity) error {
	target, _, err := r.route(from, to, func(k pairKey) {
		delete(r.calls, k)
	})
	if err != nil {
		r.cfg.Metrics.Inc(metrics.PeerAbsent)
		return err
	}
	r.cfg.Metrics.Inc(metrics.EndCallRelayed)
	r.flush([]delivery{{peer: target, ev: Event{Kind: EventEndCall, From: from}}})
	return nil
}

// Participants returns the registered identities, sorted.
func (r *Relay) Participants() []Identity {
	r.mu.Lock()
	out := make([]Identity, 0, len(r.peers))
	for id := range r.peers {
		out = append(out, id)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Relay) ActiveCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// Session returns a copy of the session between x and y, if any.
func (r *Relay) Session(x, y Identity) (CallSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.calls[keyFor(x, y)]
	if !ok {
		return CallSession{}, false
	}
	return *s, true
}

// Close disconnects every registered participant.
func (r *Relay) Close() {
	r.mu.Lock()
	peers := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	r.peers = make(map[Identity]Peer)
	r.calls = make(map[pairKey]*CallSession)
	r.mu.Unlock()

	for _, p := range peers {
		p.Close()
	}
}
