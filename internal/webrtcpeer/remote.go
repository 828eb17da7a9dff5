package webrtcpeer

import (
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/call"
)

// remoteStream collects the tracks the remote peer sends. It is handed to the
// call machine on the first track; later tracks are appended to it.
type remoteStream struct {
	mu     sync.Mutex
	id     string
	tracks []call.Track
}

var _ call.Stream = (*remoteStream)(nil)

func (s *remoteStream) add(t *remoteTrack, streamID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.id == "" {
		s.id = streamID
	}
	s.tracks = append(s.tracks, t)
}

func (s *remoteStream) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *remoteStream) Tracks() []call.Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]call.Track(nil), s.tracks...)
}

type remoteTrack struct {
	id      string
	kind    call.MediaKind
	enabled atomic.Bool
}

func newRemoteTrack(t *webrtc.TrackRemote) *remoteTrack {
	rt := &remoteTrack{id: t.ID(), kind: call.KindAudio}
	if t.Kind() == webrtc.RTPCodecTypeVideo {
		rt.kind = call.KindVideo
	}
	rt.enabled.Store(true)
	return rt
}

func (t *remoteTrack) ID() string           { return t.id }
func (t *remoteTrack) Kind() call.MediaKind { return t.kind }
func (t *remoteTrack) Enabled() bool        { return t.enabled.Load() }
func (t *remoteTrack) SetEnabled(on bool)   { t.enabled.Store(on) }

// Stop is a no-op: remote tracks end when the peer connection closes.
func (t *remoteTrack) Stop() {}

func codecKind(k call.MediaKind) webrtc.RTPCodecType {
	if k == call.KindVideo {
		return webrtc.RTPCodecTypeVideo
	}
	return webrtc.RTPCodecTypeAudio
}
