package webrtcpeer

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/rtp"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/call"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/config"
)

const negotiationTimeout = 10 * time.Second

func newVNetAPIs(t *testing.T) (*webrtc.API, *webrtc.API) {
	t.Helper()
	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() { _ = router.Stop() })

	netA, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.0.0.1"}})
	if err != nil {
		t.Fatalf("new net A: %v", err)
	}
	netB, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.0.0.2"}})
	if err != nil {
		t.Fatalf("new net B: %v", err)
	}
	if err := router.AddNet(netA); err != nil {
		t.Fatalf("add net A: %v", err)
	}
	if err := router.AddNet(netB); err != nil {
		t.Fatalf("add net B: %v", err)
	}
	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}

	apiA, err := NewAPI(config.ClientConfig{}, Options{Net: netA})
	if err != nil {
		t.Fatalf("new api A: %v", err)
	}
	apiB, err := NewAPI(config.ClientConfig{}, Options{Net: netB})
	if err != nil {
		t.Fatalf("new api B: %v", err)
	}
	return apiA, apiB
}

// testTrack sends a steady stream of RTP packets once attached.
type testTrack struct {
	id      string
	kind    call.MediaKind
	enabled bool

	stopOnce sync.Once
	stop     chan struct{}
}

func newTestTrack(kind call.MediaKind) *testTrack {
	return &testTrack{id: "local-" + string(kind), kind: kind, enabled: true, stop: make(chan struct{})}
}

func (t *testTrack) ID() string           { return t.id }
func (t *testTrack) Kind() call.MediaKind { return t.kind }
func (t *testTrack) Enabled() bool        { return t.enabled }
func (t *testTrack) SetEnabled(on bool)   { t.enabled = on }
func (t *testTrack) Stop()                { t.stopOnce.Do(func() { close(t.stop) }) }

func (t *testTrack) Attach(pc *webrtc.PeerConnection) error {
	capability := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	if t.kind == call.KindVideo {
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	}
	local, err := webrtc.NewTrackLocalStaticRTP(capability, t.id, "local-stream")
	if err != nil {
		return err
	}
	sender, err := pc.AddTrack(local)
	if err != nil {
		return err
	}
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		var seq uint16
		for {
			select {
			case <-t.stop:
				return
			case <-ticker.C:
				seq++
				_ = local.WriteRTP(&rtp.Packet{
					Header:  rtp.Header{Version: 2, SequenceNumber: seq, Timestamp: uint32(seq) * 960},
					Payload: []byte{0x10, 0x00, 0x00, 0x00},
				})
			}
		}
	}()
	return nil
}

type testStream struct {
	tracks []call.Track
}

func (s *testStream) ID() string           { return "local-stream" }
func (s *testStream) Tracks() []call.Track { return s.tracks }

func streamOf(t *testing.T, kinds ...call.MediaKind) *testStream {
	t.Helper()
	s := &testStream{}
	for _, k := range kinds {
		tr := newTestTrack(k)
		t.Cleanup(tr.Stop)
		s.tracks = append(s.tracks, tr)
	}
	return s
}

type endpoint struct {
	signals chan json.RawMessage
	streams chan call.Stream
	errs    chan error
}

func newEndpoint() *endpoint {
	return &endpoint{
		signals: make(chan json.RawMessage, 128),
		streams: make(chan call.Stream, 4),
		errs:    make(chan error, 4),
	}
}

func (e *endpoint) handlers() call.NegotiatorHandlers {
	return call.NegotiatorHandlers{
		OnSignal: func(data json.RawMessage) { e.signals <- data },
		OnStream: func(s call.Stream) { e.streams <- s },
		OnError:  func(err error) { e.errs <- err },
	}
}

func (e *endpoint) nextSignal(t *testing.T) signal {
	t.Helper()
	select {
	case data := <-e.signals:
		s, err := decodeSignal(data)
		if err != nil {
			t.Fatalf("decode %s: %v", data, err)
		}
		return s
	case err := <-e.errs:
		t.Fatalf("negotiation error: %v", err)
	case <-time.After(negotiationTimeout):
		t.Fatalf("timed out waiting for signal")
	}
	return signal{}
}

func (e *endpoint) waitStream(t *testing.T) call.Stream {
	t.Helper()
	select {
	case s := <-e.streams:
		return s
	case err := <-e.errs:
		t.Fatalf("negotiation error: %v", err)
	case <-time.After(negotiationTimeout):
		t.Fatalf("timed out waiting for remote stream")
	}
	return nil
}

func forward(from *endpoint, to call.Negotiator, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case data := <-from.signals:
			_ = to.Signal(data)
		}
	}
}

func encode(t *testing.T, s signal) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func hasKind(s call.Stream, kind call.MediaKind) bool {
	for _, tr := range s.Tracks() {
		if tr.Kind() == kind {
			return true
		}
	}
	return false
}

func TestNegotiator_NonTrickleExchangesCompleteDescriptions(t *testing.T) {
	apiA, apiB := newVNetAPIs(t)
	a, b := newEndpoint(), newEndpoint()

	caller, err := (&Factory{API: apiA}).NewNegotiator(call.RoleInitiator, streamOf(t, call.KindAudio, call.KindVideo), a.handlers())
	if err != nil {
		t.Fatalf("initiator: %v", err)
	}
	t.Cleanup(caller.Destroy)
	callee, err := (&Factory{API: apiB}).NewNegotiator(call.RoleResponder, streamOf(t, call.KindAudio), b.handlers())
	if err != nil {
		t.Fatalf("responder: %v", err)
	}
	t.Cleanup(callee.Destroy)

	offer := a.nextSignal(t)
	if offer.Type != signalOffer || !strings.Contains(offer.SDP, "a=candidate:") {
		t.Fatalf("offer=%+v, want a description carrying candidates", offer)
	}
	if err := callee.Signal(encode(t, offer)); err != nil {
		t.Fatalf("signal offer: %v", err)
	}

	answer := b.nextSignal(t)
	if answer.Type != signalAnswer || !strings.Contains(answer.SDP, "a=candidate:") {
		t.Fatalf("answer=%+v, want a description carrying candidates", answer)
	}
	if err := caller.Signal(encode(t, answer)); err != nil {
		t.Fatalf("signal answer: %v", err)
	}

	remoteAtCallee := b.waitStream(t)
	remoteAtCaller := a.waitStream(t)
	if !hasKind(remoteAtCaller, call.KindAudio) {
		t.Fatalf("caller remote stream has no audio")
	}

	deadline := time.Now().Add(negotiationTimeout)
	for !(hasKind(remoteAtCallee, call.KindAudio) && hasKind(remoteAtCallee, call.KindVideo)) {
		if time.Now().After(deadline) {
			t.Fatalf("callee remote stream tracks=%d, want audio and video", len(remoteAtCallee.Tracks()))
		}
		time.Sleep(20 * time.Millisecond)
	}

	select {
	case extra := <-a.signals:
		t.Fatalf("non-trickle initiator sent an extra signal %s", extra)
	default:
	}
}

func TestNegotiator_TrickleSendsCandidatesAfterDescription(t *testing.T) {
	apiA, apiB := newVNetAPIs(t)
	a, b := newEndpoint(), newEndpoint()

	caller, err := (&Factory{API: apiA, Trickle: true}).NewNegotiator(call.RoleInitiator, streamOf(t, call.KindAudio), a.handlers())
	if err != nil {
		t.Fatalf("initiator: %v", err)
	}
	t.Cleanup(caller.Destroy)
	callee, err := (&Factory{API: apiB, Trickle: true}).NewNegotiator(call.RoleResponder, streamOf(t, call.KindAudio), b.handlers())
	if err != nil {
		t.Fatalf("responder: %v", err)
	}
	t.Cleanup(callee.Destroy)

	first := a.nextSignal(t)
	if first.Type != signalOffer {
		t.Fatalf("first signal type=%q, want offer", first.Type)
	}
	if err := callee.Signal(encode(t, first)); err != nil {
		t.Fatalf("signal offer: %v", err)
	}
	next := a.nextSignal(t)
	if next.Type != signalCandidate || next.Candidate == nil || next.Candidate.Candidate == "" {
		t.Fatalf("second signal=%+v, want a candidate", next)
	}
	if err := callee.Signal(encode(t, next)); err != nil {
		t.Fatalf("signal candidate: %v", err)
	}

	stop := make(chan struct{})
	t.Cleanup(func() { close(stop) })
	go forward(a, callee, stop)
	go forward(b, caller, stop)

	b.waitStream(t)
	a.waitStream(t)
}

func TestNegotiator_BuffersCandidatesBeforeRemoteDescription(t *testing.T) {
	apiA, apiB := newVNetAPIs(t)
	a, b := newEndpoint(), newEndpoint()

	caller, err := (&Factory{API: apiA, Trickle: true}).NewNegotiator(call.RoleInitiator, streamOf(t, call.KindAudio), a.handlers())
	if err != nil {
		t.Fatalf("initiator: %v", err)
	}
	t.Cleanup(caller.Destroy)
	callee, err := (&Factory{API: apiB, Trickle: true}).NewNegotiator(call.RoleResponder, streamOf(t, call.KindAudio), b.handlers())
	if err != nil {
		t.Fatalf("responder: %v", err)
	}
	t.Cleanup(callee.Destroy)

	offer := a.nextSignal(t)
	candidate := a.nextSignal(t)
	if candidate.Type != signalCandidate {
		t.Fatalf("signal=%+v, want candidate", candidate)
	}

	// Candidate first, then the offer it belongs to.
	if err := callee.Signal(encode(t, candidate)); err != nil {
		t.Fatalf("signal candidate: %v", err)
	}
	if err := callee.Signal(encode(t, offer)); err != nil {
		t.Fatalf("signal offer: %v", err)
	}

	stop := make(chan struct{})
	t.Cleanup(func() { close(stop) })
	go forward(a, callee, stop)
	go forward(b, caller, stop)

	b.waitStream(t)
}

func TestNegotiator_OfferRequestsBothKinds(t *testing.T) {
	apiA, _ := newVNetAPIs(t)
	a := newEndpoint()

	caller, err := (&Factory{API: apiA, GatherTimeout: 200 * time.Millisecond}).NewNegotiator(call.RoleInitiator, &testStream{}, a.handlers())
	if err != nil {
		t.Fatalf("initiator: %v", err)
	}
	t.Cleanup(caller.Destroy)

	offer := a.nextSignal(t)
	for _, want := range []string{"m=audio", "m=video", "a=recvonly"} {
		if !strings.Contains(offer.SDP, want) {
			t.Fatalf("offer sdp missing %q:\n%s", want, offer.SDP)
		}
	}
}

func TestNegotiator_RejectsMalformedSignals(t *testing.T) {
	apiA, _ := newVNetAPIs(t)
	a := newEndpoint()
	n, err := (&Factory{API: apiA}).NewNegotiator(call.RoleResponder, &testStream{}, a.handlers())
	if err != nil {
		t.Fatalf("responder: %v", err)
	}
	t.Cleanup(n.Destroy)

	for _, raw := range []string{`not json`, `{"sdp":"v=0"}`, `{"type":"offer"}`, `{"type":"candidate"}`} {
		if err := n.Signal(json.RawMessage(raw)); !errors.Is(err, ErrBadSignal) {
			t.Fatalf("Signal(%s) err=%v, want %v", raw, err, ErrBadSignal)
		}
	}
	if err := n.Signal(json.RawMessage(`{"type":"renegotiate","renegotiate":true}`)); err != nil {
		t.Fatalf("unknown signal type err=%v, want nil", err)
	}
}

func TestNegotiator_BadRemoteDescriptionReportsFailure(t *testing.T) {
	apiA, _ := newVNetAPIs(t)
	a := newEndpoint()
	n, err := (&Factory{API: apiA}).NewNegotiator(call.RoleResponder, &testStream{}, a.handlers())
	if err != nil {
		t.Fatalf("responder: %v", err)
	}
	t.Cleanup(n.Destroy)

	if err := n.Signal(json.RawMessage(`{"type":"offer","sdp":"garbage"}`)); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	select {
	case err := <-a.errs:
		if !errors.Is(err, call.ErrNegotiationFailed) {
			t.Fatalf("err=%v, want %v", err, call.ErrNegotiationFailed)
		}
	case <-time.After(negotiationTimeout):
		t.Fatalf("no error reported")
	}
}

func TestNegotiator_DestroyIsIdempotentAndSilencesHandlers(t *testing.T) {
	apiA, _ := newVNetAPIs(t)
	a := newEndpoint()
	n, err := (&Factory{API: apiA, GatherTimeout: time.Second}).NewNegotiator(call.RoleInitiator, &testStream{}, a.handlers())
	if err != nil {
		t.Fatalf("initiator: %v", err)
	}

	n.Destroy()
	n.Destroy()
	if err := n.Signal(json.RawMessage(`{"type":"answer","sdp":"v=0"}`)); err != nil {
		t.Fatalf("Signal after Destroy err=%v, want nil", err)
	}

	// Drop anything emitted before Destroy took effect, then expect silence.
	time.Sleep(100 * time.Millisecond)
	for len(a.signals) > 0 {
		<-a.signals
	}
	select {
	case s := <-a.signals:
		t.Fatalf("signal after Destroy: %s", s)
	case err := <-a.errs:
		t.Fatalf("error after Destroy: %v", err)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestFactory_RequiresAPI(t *testing.T) {
	if _, err := (&Factory{}).NewNegotiator(call.RoleInitiator, nil, call.NegotiatorHandlers{}); err == nil {
		t.Fatalf("expected error without API")
	}
}
