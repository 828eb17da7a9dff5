package webrtcpeer

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/call"
)

const (
	DefaultGatherTimeout = 2 * time.Second

	// pliInterval is how often a keyframe is requested from remote video.
	pliInterval = 3 * time.Second
)

// Attacher is a local track that can publish itself on a PeerConnection.
// Local tracks that do not implement it are not sent.
type Attacher interface {
	Attach(pc *webrtc.PeerConnection) error
}

// Factory builds one negotiator per call. It implements
// call.NegotiatorFactory.
type Factory struct {
	API        *webrtc.API
	ICEServers []webrtc.ICEServer
	// Trickle sends the description immediately and candidates as they are
	// gathered. Otherwise the description is sent once, after gathering
	// completes or GatherTimeout elapses.
	Trickle       bool
	GatherTimeout time.Duration
	Logger        *slog.Logger
}

var _ call.NegotiatorFactory = (*Factory)(nil)

func (f *Factory) NewNegotiator(role call.Role, local call.Stream, h call.NegotiatorHandlers) (call.Negotiator, error) {
	if f.API == nil {
		return nil, errors.New("webrtcpeer: factory has no API")
	}
	log := f.Logger
	if log == nil {
		log = slog.Default()
	}
	gather := f.GatherTimeout
	if gather <= 0 {
		gather = DefaultGatherTimeout
	}

	pc, err := f.API.NewPeerConnection(webrtc.Configuration{ICEServers: f.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("%w: new peer connection: %w", call.ErrNegotiationFailed, err)
	}

	n := &negotiator{
		role:          role,
		pc:            pc,
		h:             h,
		trickle:       f.Trickle,
		gatherTimeout: gather,
		log:           log.With("role", role.String()),
		jobs:          newJobQueue(),
		done:          make(chan struct{}),
		remote:        &remoteStream{},
	}
	if err := n.attach(local); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("%w: %w", call.ErrNegotiationFailed, err)
	}

	pc.OnICECandidate(n.onICECandidate)
	pc.OnTrack(n.onTrack)
	pc.OnConnectionStateChange(n.onConnectionState)

	go n.run()
	if role == call.RoleInitiator {
		n.jobs.push(n.offer)
	}
	return n, nil
}

// negotiator drives one PeerConnection. Offer/answer work and remote inputs
// run in order on a single worker goroutine so the caller never blocks on
// pion. Fields below jobs are owned by that worker.
type negotiator struct {
	role          call.Role
	pc            *webrtc.PeerConnection
	h             call.NegotiatorHandlers
	trickle       bool
	gatherTimeout time.Duration
	log           *slog.Logger

	jobs *jobQueue

	remoteSet     bool
	pendingRemote []webrtc.ICECandidateInit
	descSent      bool
	pendingLocal  []webrtc.ICECandidateInit

	remote     *remoteStream
	streamOnce sync.Once

	closed      atomic.Bool
	failed      atomic.Bool
	done        chan struct{}
	destroyOnce sync.Once
}

func (n *negotiator) attach(local call.Stream) error {
	have := make(map[call.MediaKind]bool)
	if local != nil {
		for _, t := range local.Tracks() {
			a, ok := t.(Attacher)
			if !ok {
				continue
			}
			if err := a.Attach(n.pc); err != nil {
				return fmt.Errorf("attach %s track: %w", t.Kind(), err)
			}
			have[t.Kind()] = true
		}
	}
	if n.role != call.RoleInitiator {
		return nil
	}
	// The offer always asks for both kinds so an audio-only caller still
	// receives the callee's video.
	for _, kind := range []call.MediaKind{call.KindAudio, call.KindVideo} {
		if have[kind] {
			continue
		}
		if _, err := n.pc.AddTransceiverFromKind(codecKind(kind), webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("add %s transceiver: %w", kind, err)
		}
	}
	return nil
}

func (n *negotiator) run() {
	for {
		select {
		case <-n.done:
			return
		case <-n.jobs.ready:
		}
		for _, job := range n.jobs.drain() {
			if n.closed.Load() {
				return
			}
			job()
		}
	}
}

// Signal feeds a payload from the remote peer. Malformed payloads are
// rejected synchronously; everything else is applied on the worker.
func (n *negotiator) Signal(data json.RawMessage) error {
	if n.closed.Load() {
		return nil
	}
	s, err := decodeSignal(data)
	if err != nil {
		return err
	}
	switch s.Type {
	case signalOffer, signalAnswer:
		if (s.Type == signalOffer) != (n.role == call.RoleResponder) {
			n.log.Debug("ignoring description for the other role", "type", s.Type)
			return nil
		}
		desc := webrtc.SessionDescription{Type: webrtc.NewSDPType(s.Type), SDP: s.SDP}
		n.jobs.push(func() { n.applyDescription(desc) })
	case signalCandidate:
		c := *s.Candidate
		n.jobs.push(func() { n.applyCandidate(c) })
	default:
		// simple-peer also sends renegotiate and transceiverRequest.
		n.log.Debug("ignoring signal", "type", s.Type)
	}
	return nil
}

func (n *negotiator) offer() {
	offer, err := n.pc.CreateOffer(nil)
	if err != nil {
		n.fail("create offer", err)
		return
	}
	n.publishLocal(offer)
}

func (n *negotiator) answer() {
	answer, err := n.pc.CreateAnswer(nil)
	if err != nil {
		n.fail("create answer", err)
		return
	}
	n.publishLocal(answer)
}

func (n *negotiator) publishLocal(desc webrtc.SessionDescription) {
	var gathered <-chan struct{}
	if !n.trickle {
		gathered = webrtc.GatheringCompletePromise(n.pc)
	}
	if err := n.pc.SetLocalDescription(desc); err != nil {
		n.fail("set local description", err)
		return
	}

	if !n.trickle {
		select {
		case <-gathered:
		case <-time.After(n.gatherTimeout):
			n.log.Debug("ice gathering timed out, sending partial description", "timeout", n.gatherTimeout)
		case <-n.done:
			return
		}
		if ld := n.pc.LocalDescription(); ld != nil {
			desc = *ld
		}
	}

	n.emit(signal{Type: desc.Type.String(), SDP: desc.SDP})
	n.descSent = true
	for _, c := range n.pendingLocal {
		n.emitCandidate(c)
	}
	n.pendingLocal = nil
}

func (n *negotiator) applyDescription(desc webrtc.SessionDescription) {
	if err := n.pc.SetRemoteDescription(desc); err != nil {
		n.fail("set remote description", err)
		return
	}
	n.remoteSet = true
	for _, c := range n.pendingRemote {
		n.addCandidate(c)
	}
	n.pendingRemote = nil

	if desc.Type == webrtc.SDPTypeOffer {
		n.answer()
	}
}

func (n *negotiator) applyCandidate(c webrtc.ICECandidateInit) {
	if !n.remoteSet {
		n.pendingRemote = append(n.pendingRemote, c)
		return
	}
	n.addCandidate(c)
}

func (n *negotiator) addCandidate(c webrtc.ICECandidateInit) {
	if c.Candidate == "" {
		// End-of-candidates marker.
		return
	}
	if err := n.pc.AddICECandidate(c); err != nil {
		n.log.Debug("failed to add remote candidate", "err", err)
	}
}

func (n *negotiator) onICECandidate(c *webrtc.ICECandidate) {
	if c == nil || !n.trickle || n.closed.Load() {
		return
	}
	init := c.ToJSON()
	n.jobs.push(func() {
		if !n.descSent {
			n.pendingLocal = append(n.pendingLocal, init)
			return
		}
		n.emitCandidate(init)
	})
}

func (n *negotiator) emitCandidate(c webrtc.ICECandidateInit) {
	n.emit(signal{Type: signalCandidate, Candidate: &c})
}

func (n *negotiator) emit(s signal) {
	if n.closed.Load() || n.h.OnSignal == nil {
		return
	}
	data, err := json.Marshal(s)
	if err != nil {
		n.fail("encode signal", err)
		return
	}
	n.h.OnSignal(data)
}

func (n *negotiator) onTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	if n.closed.Load() {
		return
	}
	n.log.Debug("remote track", "kind", track.Kind().String(), "codec", track.Codec().MimeType)
	n.remote.add(newRemoteTrack(track), track.StreamID())
	n.streamOnce.Do(func() {
		if n.h.OnStream != nil && !n.closed.Load() {
			n.h.OnStream(n.remote)
		}
	})

	if track.Kind() == webrtc.RTPCodecTypeVideo {
		go n.requestKeyframes(track.SSRC())
	}
	go drain(track)
}

// drain reads remote RTP until the track ends so the receive interceptors
// keep running.
func drain(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}

func (n *negotiator) requestKeyframes(ssrc webrtc.SSRC) {
	pli := []rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(ssrc)}}
	if err := n.pc.WriteRTCP(pli); err != nil {
		return
	}
	t := time.NewTicker(pliInterval)
	defer t.Stop()
	for {
		select {
		case <-n.done:
			return
		case <-t.C:
			if err := n.pc.WriteRTCP(pli); err != nil {
				return
			}
		}
	}
}

func (n *negotiator) onConnectionState(state webrtc.PeerConnectionState) {
	n.log.Debug("peer connection state", "state", state.String())
	if state == webrtc.PeerConnectionStateFailed {
		n.report(fmt.Errorf("%w: peer connection %s", call.ErrNegotiationFailed, state))
	}
}

func (n *negotiator) fail(op string, err error) {
	n.report(fmt.Errorf("%w: %s: %w", call.ErrNegotiationFailed, op, err))
}

// report delivers the first failure only; one is enough to end the call.
func (n *negotiator) report(err error) {
	if n.closed.Load() || !n.failed.CompareAndSwap(false, true) {
		return
	}
	if n.h.OnError != nil {
		n.h.OnError(err)
	}
}

// Destroy closes the PeerConnection. Handler calls after this point are
// suppressed.
func (n *negotiator) Destroy() {
	n.destroyOnce.Do(func() {
		n.closed.Store(true)
		close(n.done)
		if err := n.pc.Close(); err != nil {
			n.log.Debug("close peer connection", "err", err)
		}
	})
}

// jobQueue is an unbounded FIFO of worker jobs.
type jobQueue struct {
	mu    sync.Mutex
	items []func()
	ready chan struct{}
}

func newJobQueue() *jobQueue {
	return &jobQueue{ready: make(chan struct{}, 1)}
}

func (q *jobQueue) push(job func()) {
	q.mu.Lock()
	q.items = append(q.items, job)
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *jobQueue) drain() []func() {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()
	return items
}
