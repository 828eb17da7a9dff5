package media

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pion/mediadevices"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/call"
)

const rtpMTU = 1200

// deviceTrack is the part of mediadevices.Track this package uses.
type deviceTrack interface {
	ID() string
	Kind() webrtc.RTPCodecType
	Close() error
	NewRTPReader(codecName string, ssrc uint32, mtu int) (mediadevices.RTPReadCloser, error)
}

type rtpWriter interface {
	WriteRTP(p *rtp.Packet) error
}

// Track is one captured device track. Disabling it drops packets instead of
// renegotiating, so the remote side sees silence or a frozen frame.
type Track struct {
	dev      deviceTrack
	kind     call.MediaKind
	streamID string
	log      *slog.Logger

	enabled atomic.Bool

	startOnce sync.Once
	local     *webrtc.TrackLocalStaticRTP
	startErr  error

	stopOnce sync.Once
}

func newTrack(dev deviceTrack, streamID string, log *slog.Logger) *Track {
	t := &Track{dev: dev, kind: call.KindAudio, streamID: streamID}
	if dev.Kind() == webrtc.RTPCodecTypeVideo {
		t.kind = call.KindVideo
	}
	t.log = log.With("track_id", dev.ID(), "kind", string(t.kind))
	t.enabled.Store(true)
	return t
}

func (t *Track) ID() string           { return t.dev.ID() }
func (t *Track) Kind() call.MediaKind { return t.kind }
func (t *Track) Enabled() bool        { return t.enabled.Load() }
func (t *Track) SetEnabled(on bool)   { t.enabled.Store(on) }

// Stop releases the device. The RTP pump ends with it.
func (t *Track) Stop() {
	t.stopOnce.Do(func() {
		if err := t.dev.Close(); err != nil {
			t.log.Debug("close device track", "err", err)
		}
	})
}

func capabilityFor(kind call.MediaKind) webrtc.RTPCodecCapability {
	if kind == call.KindVideo {
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	}
	return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
}

// Attach publishes the track on pc. The encoder and pump start on the first
// Attach; later calls share the same local track.
func (t *Track) Attach(pc *webrtc.PeerConnection) error {
	t.startOnce.Do(func() { t.local, t.startErr = t.start() })
	if t.startErr != nil {
		return t.startErr
	}
	sender, err := pc.AddTrack(t.local)
	if err != nil {
		return fmt.Errorf("add track: %w", err)
	}
	// Interceptors only see RTCP that is read.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (t *Track) start() (*webrtc.TrackLocalStaticRTP, error) {
	capability := capabilityFor(t.kind)
	local, err := webrtc.NewTrackLocalStaticRTP(capability, t.dev.ID(), t.streamID)
	if err != nil {
		return nil, fmt.Errorf("new local track: %w", err)
	}
	// NewRTPReader wants the bare codec name ("VP8", "opus").
	_, codecName, _ := strings.Cut(capability.MimeType, "/")
	reader, err := t.dev.NewRTPReader(codecName, 0, rtpMTU)
	if err != nil {
		return nil, fmt.Errorf("new rtp reader for %s: %w", codecName, err)
	}
	go t.pump(reader, local)
	return local, nil
}

// pump copies encoded packets to w until the reader fails. Packets read while
// the track is disabled are dropped.
func (t *Track) pump(r mediadevices.RTPReadCloser, w rtpWriter) {
	defer func() { _ = r.Close() }()
	for {
		pkts, release, err := r.Read()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				t.log.Debug("rtp reader stopped", "err", err)
			}
			return
		}
		if t.enabled.Load() {
			for _, p := range pkts {
				if err := w.WriteRTP(p); err != nil && !errors.Is(err, io.ErrClosedPipe) {
					t.log.Debug("write rtp", "err", err)
				}
			}
		}
		if release != nil {
			release()
		}
	}
}
