package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

type fakeTrack struct {
	id      string
	kind    MediaKind
	enabled atomic.Bool
	stops   atomic.Int32
}

func newFakeTrack(id string, kind MediaKind) *fakeTrack {
	t := &fakeTrack{id: id, kind: kind}
	t.enabled.Store(true)
	return t
}

func (t *fakeTrack) ID() string              { return t.id }
func (t *fakeTrack) Kind() MediaKind         { return t.kind }
func (t *fakeTrack) Enabled() bool           { return t.enabled.Load() }
func (t *fakeTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }
func (t *fakeTrack) Stop()                   { t.stops.Add(1) }
func (t *fakeTrack) stopped() bool           { return t.stops.Load() > 0 }

type fakeStream struct {
	id     string
	tracks []*fakeTrack
}

func (s *fakeStream) ID() string { return s.id }

func (s *fakeStream) Tracks() []Track {
	out := make([]Track, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t)
	}
	return out
}

func (s *fakeStream) allStopped() bool {
	for _, t := range s.tracks {
		if !t.stopped() {
			return false
		}
	}
	return true
}

// fakeMedia answers Acquire according to its policy. When gate is non-nil,
// Acquire blocks until a value is sent on it, ignoring ctx, so tests can
// model a capture that completes after the call was cancelled.
type fakeMedia struct {
	mu       sync.Mutex
	failAV   bool
	failA    bool
	gate     chan struct{}
	requests []MediaConstraints
	streams  []*fakeStream
}

var errNoCamera = errors.New("no camera")
var errNoMicrophone = errors.New("no microphone")

func (f *fakeMedia) Acquire(ctx context.Context, c MediaConstraints) (Stream, error) {
	f.mu.Lock()
	f.requests = append(f.requests, c)
	gate := f.gate
	failAV, failA := f.failAV, f.failA
	n := len(f.requests)
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if c.Video && failAV {
		return nil, errNoCamera
	}
	if !c.Video && failA {
		return nil, errNoMicrophone
	}

	s := &fakeStream{id: fmt.Sprintf("stream-%d", n)}
	s.tracks = append(s.tracks, newFakeTrack(s.id+"-audio", KindAudio))
	if c.Video {
		s.tracks = append(s.tracks, newFakeTrack(s.id+"-video", KindVideo))
	}
	f.mu.Lock()
	f.streams = append(f.streams, s)
	f.mu.Unlock()
	return s, nil
}

func (f *fakeMedia) constraints() []MediaConstraints {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]MediaConstraints(nil), f.requests...)
}

func (f *fakeMedia) allStreams() []*fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeStream(nil), f.streams...)
}

type fakeNegotiator struct {
	role      Role
	local     Stream
	h         NegotiatorHandlers
	mu        sync.Mutex
	signals   []json.RawMessage
	destroyed atomic.Int32
	signalErr error
}

func (n *fakeNegotiator) Signal(data json.RawMessage) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.signalErr != nil {
		return n.signalErr
	}
	n.signals = append(n.signals, data)
	return nil
}

func (n *fakeNegotiator) Destroy() { n.destroyed.Add(1) }

func (n *fakeNegotiator) received() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.signals))
	for _, s := range n.signals {
		out = append(out, string(s))
	}
	return out
}

// fakeFactory emits an offer (initiator) or an answer after the first
// Signal (responder) the way a non-trickle peer connection would.
type fakeFactory struct {
	mu      sync.Mutex
	created []*fakeNegotiator
	err     error
	// manual suppresses the automatic first signal.
	manual bool
}

func (f *fakeFactory) NewNegotiator(role Role, local Stream, h NegotiatorHandlers) (Negotiator, error) {
	if f.err != nil {
		return nil, f.err
	}
	n := &fakeNegotiator{role: role, local: local, h: h}
	f.mu.Lock()
	f.created = append(f.created, n)
	f.mu.Unlock()
	if role == RoleInitiator && !f.manual {
		h.OnSignal(json.RawMessage(`{"type":"offer","sdp":"o"}`))
	}
	return &autoAnswer{fakeNegotiator: n, manual: f.manual}, nil
}

func (f *fakeFactory) negotiators() []*fakeNegotiator {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeNegotiator(nil), f.created...)
}

type autoAnswer struct {
	*fakeNegotiator
	manual   bool
	answered bool
}

func (a *autoAnswer) Signal(data json.RawMessage) error {
	if err := a.fakeNegotiator.Signal(data); err != nil {
		return err
	}
	if a.role == RoleResponder && !a.answered && !a.manual {
		a.answered = true
		a.h.OnSignal(json.RawMessage(`{"type":"answer","sdp":"a"}`))
	}
	return nil
}

type sent struct {
	kind   string
	to     string
	signal string
	name   string
}

type fakeSignaler struct {
	mu   sync.Mutex
	msgs []sent
	err  error
	// notify receives every message as it is sent.
	notify chan sent
}

func (s *fakeSignaler) record(m sent) error {
	s.mu.Lock()
	s.msgs = append(s.msgs, m)
	err := s.err
	notify := s.notify
	s.mu.Unlock()
	if notify != nil {
		notify <- m
	}
	return err
}

func (s *fakeSignaler) PlaceCall(to string, signal json.RawMessage, name string) error {
	return s.record(sent{kind: "call-user", to: to, signal: string(signal), name: name})
}

func (s *fakeSignaler) AnswerCall(to string, signal json.RawMessage) error {
	return s.record(sent{kind: "answer-call", to: to, signal: string(signal)})
}

func (s *fakeSignaler) SendCandidate(to string, candidate json.RawMessage) error {
	return s.record(sent{kind: "ice-candidate", to: to, signal: string(candidate)})
}

func (s *fakeSignaler) EndCall(to string) error {
	return s.record(sent{kind: "end-call", to: to})
}

func (s *fakeSignaler) sent() []sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sent(nil), s.msgs...)
}

func (s *fakeSignaler) kinds() []string {
	var out []string
	for _, m := range s.sent() {
		out = append(out, m.kind+":"+m.to)
	}
	return out
}

type fakeCues struct {
	mu      sync.Mutex
	playing map[Cue]bool
	log     []string
}

func (c *fakeCues) Play(cue Cue) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.playing == nil {
		c.playing = make(map[Cue]bool)
	}
	c.playing[cue] = true
	c.log = append(c.log, "play:"+cue.String())
}

func (c *fakeCues) Stop(cue Cue) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.playing, cue)
}

func (c *fakeCues) isPlaying(cue Cue) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playing[cue]
}
