package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Config wires a Machine to its collaborators. Media, Negotiators and
// Signaler are required.
type Config struct {
	Media       MediaSource
	Negotiators NegotiatorFactory
	Signaler    Signaler
	// Cues defaults to NopCues.
	Cues Cues

	// DisplayName is sent with outgoing calls.
	DisplayName string
	// RingTimeout ends a call that is still ringing after this long. 0
	// disables the timer.
	RingTimeout time.Duration

	Logger *slog.Logger
	// OnError receives every error the machine reports. Called on the loop
	// goroutine; it must not call back into the machine synchronously.
	OnError func(err error)
	// OnState receives a snapshot after every state change. Same rules as
	// OnError.
	OnState func(s Snapshot)
}

type eventKind int

const (
	evStartCall eventKind = iota
	evAcceptCall
	evRejectCall
	evEndCall
	evToggleAudio
	evToggleVideo
	evToggleScreenShare
	evSnapshot

	evCallMade
	evCallAnswered
	evRemoteCandidate
	evRemoteEnded
	evPeerUnreachable

	evMediaSettled
	evNegotiatorSignal
	evNegotiatorStream
	evNegotiatorError
	evRingTimeout
)

var eventNames = [...]string{
	evStartCall:         "start-call",
	evAcceptCall:        "accept-call",
	evRejectCall:        "reject-call",
	evEndCall:           "end-call",
	evToggleAudio:       "toggle-audio",
	evToggleVideo:       "toggle-video",
	evToggleScreenShare: "toggle-screen-share",
	evSnapshot:          "snapshot",
	evCallMade:          "call-made",
	evCallAnswered:      "call-answered",
	evRemoteCandidate:   "remote-candidate",
	evRemoteEnded:       "remote-ended",
	evPeerUnreachable:   "peer-unreachable",
	evMediaSettled:      "media-settled",
	evNegotiatorSignal:  "negotiator-signal",
	evNegotiatorStream:  "negotiator-stream",
	evNegotiatorError:   "negotiator-error",
	evRingTimeout:       "ring-timeout",
}

func (k eventKind) String() string {
	if int(k) < len(eventNames) {
		return eventNames[k]
	}
	return "unknown"
}

type event struct {
	kind eventKind
	// peer is the remote identity: the target for StartCall, the sender for
	// relayed messages and the absent callee for PeerUnreachable.
	peer   string
	name   string
	data   json.RawMessage
	gen    uint64
	stream Stream
	err    error
	reply  chan Snapshot
}

// Machine is one participant's call state machine. Create it with
// NewMachine, drive it with Run and stop it with Close.
type Machine struct {
	cfg Config
	log *slog.Logger

	queue     *eventQueue
	closing   chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
	current   atomic.Pointer[Snapshot]

	// Everything below is owned by the Run goroutine.
	runCtx context.Context

	state      State
	remote     string
	remoteName string
	role       Role
	contacted  bool

	local        Stream
	remoteStream Stream
	neg          Negotiator
	sentFirst    bool

	pendingSignal     json.RawMessage
	pendingCandidates []json.RawMessage

	audioEnabled  bool
	videoEnabled  bool
	screenSharing bool

	// gen identifies the current call attempt. Asynchronous results tagged
	// with an older generation are discarded.
	gen           uint64
	acquiring     bool
	cancelAcquire context.CancelFunc
	deferred      []event
	ringTimer     *time.Timer

	lastErr error
	stale   uint64
}

// NewMachine validates cfg and returns an Idle machine. Nothing happens
// until Run is called.
func NewMachine(cfg Config) (*Machine, error) {
	if cfg.Media == nil {
		return nil, errors.New("call: media source is required")
	}
	if cfg.Negotiators == nil {
		return nil, errors.New("call: negotiator factory is required")
	}
	if cfg.Signaler == nil {
		return nil, errors.New("call: signaler is required")
	}
	if cfg.Cues == nil {
		cfg.Cues = NopCues{}
	}
	if cfg.RingTimeout < 0 {
		return nil, fmt.Errorf("call: ring timeout must be >= 0, got %s", cfg.RingTimeout)
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	m := &Machine{
		cfg:     cfg,
		log:     log,
		queue:   newEventQueue(),
		closing: make(chan struct{}),
		stopped: make(chan struct{}),
		runCtx:  context.Background(),
	}
	m.current.Store(&Snapshot{State: Idle})
	return m, nil
}

// Run processes events until ctx is done or Close is called. Any call in
// progress is torn down before Run returns.
func (m *Machine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.runCtx = ctx

	defer func() {
		m.teardown(true)
		m.closed.Store(true)
		// Acquisitions still in flight find the queue closed and stop
		// their own streams; these settled before it closed.
		for _, ev := range m.queue.close() {
			if ev.kind == evMediaSettled {
				stopStream(ev.stream)
			}
		}
		close(m.stopped)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.closing:
			return nil
		case <-m.queue.ready:
		}
		for _, ev := range m.queue.drain() {
			m.dispatch(ev)
		}
	}
}

// Close stops Run. It does not wait for Run to return; use Done for that.
func (m *Machine) Close() {
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		close(m.closing)
	})
}

// Done is closed once Run has returned.
func (m *Machine) Done() <-chan struct{} {
	return m.stopped
}

func (m *Machine) enqueue(ev event) error {
	if m.closed.Load() {
		return ErrMachineClosed
	}
	if !m.queue.push(ev) {
		return ErrMachineClosed
	}
	return nil
}

// StartCall places a call to peer. It is ignored unless the machine is Idle.
func (m *Machine) StartCall(peer string) error {
	peer = strings.TrimSpace(peer)
	if peer == "" {
		return ErrInvalidPeer
	}
	return m.enqueue(event{kind: evStartCall, peer: peer})
}

// The commands below only enqueue. They return ErrMachineClosed once the
// machine has stopped; a command that does not apply to the current state
// is dropped when it is handled.

// AcceptCall answers the ringing incoming call.
func (m *Machine) AcceptCall() error { return m.enqueue(event{kind: evAcceptCall}) }

// RejectCall declines the ringing incoming call.
func (m *Machine) RejectCall() error { return m.enqueue(event{kind: evRejectCall}) }

// EndCall hangs up an outgoing, incoming or connected call.
func (m *Machine) EndCall() error { return m.enqueue(event{kind: evEndCall}) }

// ToggleAudio mutes or unmutes the local audio tracks without renegotiating.
func (m *Machine) ToggleAudio() error { return m.enqueue(event{kind: evToggleAudio}) }

// ToggleVideo turns the local video tracks off or on without renegotiating.
func (m *Machine) ToggleVideo() error { return m.enqueue(event{kind: evToggleVideo}) }

// ToggleScreenShare flips the screen-share flag while in a call. No track is
// added or replaced.
func (m *Machine) ToggleScreenShare() error { return m.enqueue(event{kind: evToggleScreenShare}) }

// Snapshot returns the state once every event queued before it has been
// dispatched. Events deferred behind a pending media acquisition are not
// yet applied; Snapshot.Acquiring reports that case.
func (m *Machine) Snapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	if err := m.enqueue(event{kind: evSnapshot, reply: reply}); err != nil {
		return Snapshot{}, err
	}
	select {
	case s := <-reply:
		return s, nil
	case <-m.stopped:
		return Snapshot{}, ErrMachineClosed
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// Current returns the most recently published snapshot without waiting for
// the queue.
func (m *Machine) Current() Snapshot {
	return *m.current.Load()
}

func (m *Machine) CallMade(from, name string, signal json.RawMessage) {
	_ = m.enqueue(event{kind: evCallMade, peer: from, name: name, data: signal})
}

func (m *Machine) CallAnswered(from string, signal json.RawMessage) {
	_ = m.enqueue(event{kind: evCallAnswered, peer: from, data: signal})
}

func (m *Machine) RemoteCandidate(from string, candidate json.RawMessage) {
	_ = m.enqueue(event{kind: evRemoteCandidate, peer: from, data: candidate})
}

func (m *Machine) RemoteEnded(from string) {
	_ = m.enqueue(event{kind: evRemoteEnded, peer: from})
}

func (m *Machine) PeerUnreachable(to string) {
	_ = m.enqueue(event{kind: evPeerUnreachable, peer: to})
}

var _ Inbound = (*Machine)(nil)

// deferrable reports whether ev must wait for the pending media acquisition.
// Only messages from the current remote qualify; anything that cancels the
// call or cannot touch media is handled right away.
func (m *Machine) deferrable(ev event) bool {
	switch ev.kind {
	case evCallMade, evCallAnswered, evRemoteCandidate:
		return ev.peer == m.remote
	default:
		return false
	}
}

func (m *Machine) dispatch(ev event) {
	if m.acquiring && m.deferrable(ev) {
		m.deferred = append(m.deferred, ev)
		return
	}

	switch ev.kind {
	case evStartCall:
		m.onStartCall(ev.peer)
	case evAcceptCall:
		m.onAcceptCall()
	case evRejectCall:
		m.onRejectCall()
	case evEndCall:
		m.onEndCall()
	case evToggleAudio:
		m.toggleKind(KindAudio)
	case evToggleVideo:
		m.toggleKind(KindVideo)
	case evToggleScreenShare:
		if m.state != Idle {
			m.screenSharing = !m.screenSharing
			m.publish()
		}
	case evSnapshot:
		ev.reply <- m.snapshot()
	case evCallMade:
		m.onCallMade(ev)
	case evCallAnswered:
		m.onCallAnswered(ev)
	case evRemoteCandidate:
		m.onRemoteCandidate(ev)
	case evRemoteEnded:
		m.onRemoteEnded(ev)
	case evPeerUnreachable:
		m.onPeerUnreachable(ev)
	case evMediaSettled:
		m.onMediaSettled(ev)
	case evNegotiatorSignal:
		m.onNegotiatorSignal(ev)
	case evNegotiatorStream:
		if ev.gen == m.gen && m.state != Idle {
			m.remoteStream = ev.stream
			m.publish()
		}
	case evNegotiatorError:
		if ev.gen == m.gen && m.state != Idle {
			m.fail(ev.err)
		}
	case evRingTimeout:
		if ev.gen == m.gen && (m.state == OutgoingRinging || m.state == IncomingRinging) {
			m.log.Info("ring timeout", "remote_id", m.remote, "state", m.state.String())
			m.report(ErrRingTimeout)
			m.teardown(true)
		}
	}
}

func (m *Machine) ignore(ev event) {
	m.log.Debug("ignoring event", "event", ev.kind.String(), "state", m.state.String(), "peer", ev.peer)
}

func (m *Machine) staleMessage(ev event) {
	m.stale++
	m.log.Debug("stale message", "event", ev.kind.String(), "from", ev.peer, "remote_id", m.remote)
}

func (m *Machine) onStartCall(peer string) {
	if m.state != Idle {
		m.ignore(event{kind: evStartCall, peer: peer})
		return
	}
	m.beginAttempt(peer, "")
	m.state = OutgoingRinging
	m.role = RoleInitiator
	m.cfg.Cues.Play(CueOutgoing)
	m.armRing()
	m.startAcquire()
	m.publish()
}

func (m *Machine) onCallMade(ev event) {
	switch {
	case m.state == Idle:
		m.beginAttempt(ev.peer, ev.name)
		m.state = IncomingRinging
		m.role = RoleResponder
		m.contacted = true
		m.pendingSignal = ev.data
		m.cfg.Cues.Play(CueIncoming)
		m.armRing()
		m.publish()
	case ev.peer != m.remote:
		m.log.Info("declining call while busy", "from", ev.peer, "remote_id", m.remote, "state", m.state.String())
		if err := m.cfg.Signaler.EndCall(ev.peer); err != nil {
			m.log.Warn("failed to decline call", "from", ev.peer, "err", err)
		}
	default:
		// A second call from the current remote: both sides dialled each
		// other, or the caller placed the call again. Only one session per
		// pair may exist, so decline it, which ends the pair's session on
		// both ends.
		m.log.Info("declining duplicate call", "from", ev.peer, "state", m.state.String())
		m.contacted = true
		m.teardown(true)
	}
}

func (m *Machine) onAcceptCall() {
	if m.state != IncomingRinging {
		m.ignore(event{kind: evAcceptCall})
		return
	}
	m.cfg.Cues.Stop(CueIncoming)
	m.stopRing()
	m.state = Connected
	m.startAcquire()
	m.publish()
}

func (m *Machine) onRejectCall() {
	if m.state != IncomingRinging {
		m.ignore(event{kind: evRejectCall})
		return
	}
	m.teardown(true)
}

func (m *Machine) onEndCall() {
	switch m.state {
	case OutgoingRinging, Connected, IncomingRinging:
		m.teardown(true)
	default:
		m.ignore(event{kind: evEndCall})
	}
}

func (m *Machine) onCallAnswered(ev event) {
	if m.state == Idle || ev.peer != m.remote {
		m.staleMessage(ev)
		return
	}
	if m.state != OutgoingRinging || m.neg == nil {
		m.ignore(ev)
		return
	}
	m.cfg.Cues.Stop(CueOutgoing)
	m.stopRing()
	m.state = Connected
	m.publish()
	if err := m.neg.Signal(ev.data); err != nil {
		m.fail(err)
	}
}

func (m *Machine) onRemoteCandidate(ev event) {
	if m.state == Idle || ev.peer != m.remote {
		m.staleMessage(ev)
		return
	}
	switch {
	case m.state == IncomingRinging:
		m.pendingCandidates = append(m.pendingCandidates, ev.data)
	case m.neg != nil:
		if err := m.neg.Signal(ev.data); err != nil {
			m.log.Warn("failed to apply remote candidate", "remote_id", m.remote, "err", err)
		}
	default:
		m.ignore(ev)
	}
}

func (m *Machine) onRemoteEnded(ev event) {
	if m.state == Idle || ev.peer != m.remote {
		m.staleMessage(ev)
		return
	}
	m.log.Info("remote ended call", "remote_id", m.remote, "state", m.state.String())
	m.teardown(false)
}

func (m *Machine) onPeerUnreachable(ev event) {
	if m.state != OutgoingRinging || ev.peer != m.remote || !m.sentFirst {
		m.staleMessage(ev)
		return
	}
	m.report(fmt.Errorf("%w: %s", ErrPeerUnreachable, ev.peer))
	m.teardown(false)
}

func (m *Machine) beginAttempt(peer, name string) {
	m.remote = peer
	m.remoteName = name
	m.lastErr = nil
}

func (m *Machine) startAcquire() {
	gen := m.gen
	ctx, cancel := context.WithCancel(m.runCtx)
	m.acquiring = true
	m.cancelAcquire = cancel

	src := m.cfg.Media
	go func() {
		stream, err := acquireWithFallback(ctx, src)
		if !m.queue.push(event{kind: evMediaSettled, gen: gen, stream: stream, err: err}) {
			stopStream(stream)
		}
	}()
}

// acquireWithFallback asks for audio and video, then audio alone.
func acquireWithFallback(ctx context.Context, src MediaSource) (Stream, error) {
	stream, errAV := src.Acquire(ctx, MediaConstraints{Video: true, Audio: true})
	if errAV == nil {
		return stream, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	stream, errA := src.Acquire(ctx, MediaConstraints{Audio: true})
	if errA == nil {
		return stream, nil
	}
	return nil, fmt.Errorf("%w: %w", ErrMediaUnavailable, errors.Join(errAV, errA))
}

func stopStream(s Stream) {
	if s == nil {
		return
	}
	for _, t := range s.Tracks() {
		t.Stop()
	}
}

func (m *Machine) onMediaSettled(ev event) {
	if ev.gen != m.gen || !m.acquiring {
		if ev.stream != nil {
			m.log.Debug("releasing media from a cancelled call", "stream_id", ev.stream.ID())
			stopStream(ev.stream)
		}
		return
	}
	m.acquiring = false
	if m.cancelAcquire != nil {
		m.cancelAcquire()
		m.cancelAcquire = nil
	}

	if ev.err != nil {
		m.report(ev.err)
		m.teardown(true)
		return
	}

	m.local = ev.stream
	m.audioEnabled, m.videoEnabled = false, false
	for _, t := range ev.stream.Tracks() {
		switch t.Kind() {
		case KindAudio:
			m.audioEnabled = m.audioEnabled || t.Enabled()
		case KindVideo:
			m.videoEnabled = m.videoEnabled || t.Enabled()
		}
	}

	gen := m.gen
	neg, err := m.cfg.Negotiators.NewNegotiator(m.role, ev.stream, NegotiatorHandlers{
		OnSignal: func(data json.RawMessage) {
			m.queue.push(event{kind: evNegotiatorSignal, gen: gen, data: data})
		},
		OnStream: func(remote Stream) {
			m.queue.push(event{kind: evNegotiatorStream, gen: gen, stream: remote})
		},
		OnError: func(err error) {
			m.queue.push(event{kind: evNegotiatorError, gen: gen, err: err})
		},
	})
	if err != nil {
		m.fail(err)
		return
	}
	m.neg = neg

	if m.role == RoleResponder {
		if err := neg.Signal(m.pendingSignal); err != nil {
			m.fail(err)
			return
		}
		m.pendingSignal = nil
		for _, c := range m.pendingCandidates {
			if err := neg.Signal(c); err != nil {
				m.log.Warn("failed to apply buffered candidate", "remote_id", m.remote, "err", err)
			}
		}
		m.pendingCandidates = nil
	}
	m.publish()

	deferred := m.deferred
	m.deferred = nil
	for _, d := range deferred {
		m.dispatch(d)
	}
}

func (m *Machine) onNegotiatorSignal(ev event) {
	if ev.gen != m.gen || m.state == Idle || m.neg == nil {
		return
	}
	if m.sentFirst {
		if err := m.cfg.Signaler.SendCandidate(m.remote, ev.data); err != nil {
			m.log.Warn("failed to send candidate", "remote_id", m.remote, "err", err)
		}
		return
	}

	m.sentFirst = true
	var err error
	if m.role == RoleInitiator {
		err = m.cfg.Signaler.PlaceCall(m.remote, ev.data, m.cfg.DisplayName)
		m.contacted = true
	} else {
		err = m.cfg.Signaler.AnswerCall(m.remote, ev.data)
	}
	if err != nil {
		m.report(fmt.Errorf("send %s signal: %w", m.role, err))
		m.teardown(false)
	}
}

func (m *Machine) toggleKind(kind MediaKind) {
	if m.local == nil {
		return
	}
	enabled := &m.audioEnabled
	if kind == KindVideo {
		enabled = &m.videoEnabled
	}
	next := !*enabled
	found := false
	for _, t := range m.local.Tracks() {
		if t.Kind() == kind {
			t.SetEnabled(next)
			found = true
		}
	}
	if !found {
		return
	}
	*enabled = next
	m.publish()
}

func (m *Machine) armRing() {
	if m.cfg.RingTimeout <= 0 {
		return
	}
	m.stopRing()
	gen := m.gen
	m.ringTimer = time.AfterFunc(m.cfg.RingTimeout, func() {
		m.queue.push(event{kind: evRingTimeout, gen: gen})
	})
}

func (m *Machine) stopRing() {
	if m.ringTimer != nil {
		m.ringTimer.Stop()
		m.ringTimer = nil
	}
}

// fail reports a negotiation failure and ends the call.
func (m *Machine) fail(err error) {
	if !errors.Is(err, ErrNegotiationFailed) {
		err = fmt.Errorf("%w: %w", ErrNegotiationFailed, err)
	}
	m.report(err)
	m.teardown(true)
}

func (m *Machine) report(err error) {
	m.lastErr = err
	m.log.Warn("call error", "remote_id", m.remote, "state", m.state.String(), "err", err)
	if m.cfg.OnError != nil {
		m.cfg.OnError(err)
	}
}

// teardown releases everything the current call holds and returns to Idle.
// notify sends a best-effort end-call to the remote if it knows about us.
func (m *Machine) teardown(notify bool) {
	if m.state == Idle {
		return
	}
	m.state = Ending
	m.publish()

	m.cfg.Cues.Stop(CueIncoming)
	m.cfg.Cues.Stop(CueOutgoing)
	m.stopRing()

	if m.cancelAcquire != nil {
		m.cancelAcquire()
		m.cancelAcquire = nil
	}
	if m.neg != nil {
		m.neg.Destroy()
		m.neg = nil
	}
	stopStream(m.local)
	m.local = nil
	m.remoteStream = nil

	if notify && m.contacted {
		if err := m.cfg.Signaler.EndCall(m.remote); err != nil {
			m.log.Debug("failed to send end-call", "remote_id", m.remote, "err", err)
		}
	}

	for _, ev := range m.deferred {
		m.staleMessage(ev)
	}
	m.deferred = nil

	m.remote = ""
	m.remoteName = ""
	m.role = RoleInitiator
	m.contacted = false
	m.sentFirst = false
	m.pendingSignal = nil
	m.pendingCandidates = nil
	m.audioEnabled = false
	m.videoEnabled = false
	m.screenSharing = false
	m.acquiring = false
	m.gen++
	m.state = Idle
	m.publish()
}

func (m *Machine) snapshot() Snapshot {
	return Snapshot{
		State:             m.state,
		RemoteIdentity:    m.remote,
		RemoteDisplayName: m.remoteName,
		LocalStream:       m.local,
		RemoteStream:      m.remoteStream,
		AudioEnabled:      m.audioEnabled,
		VideoEnabled:      m.videoEnabled,
		ScreenSharing:     m.screenSharing,
		Acquiring:         m.acquiring,
		LastError:         m.lastErr,
		StaleMessages:     m.stale,
	}
}

func (m *Machine) publish() {
	s := m.snapshot()
	m.current.Store(&s)
	if m.cfg.OnState != nil {
		m.cfg.OnState(s)
	}
}
