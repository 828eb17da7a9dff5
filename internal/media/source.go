// Package media captures camera and microphone tracks with pion/mediadevices
// and publishes them on PeerConnections.
package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/prop"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/call"
)

// ErrNoTracks is returned when capture succeeded but a requested kind is
// missing from the result.
var ErrNoTracks = errors.New("requested media tracks not available")

// captureFunc opens devices. It is swapped out in tests.
type captureFunc func(mediadevices.MediaStreamConstraints) ([]deviceTrack, error)

func getUserMedia(c mediadevices.MediaStreamConstraints) ([]deviceTrack, error) {
	ms, err := mediadevices.GetUserMedia(c)
	if err != nil {
		return nil, err
	}
	tracks := ms.GetTracks()
	out := make([]deviceTrack, 0, len(tracks))
	for _, t := range tracks {
		out = append(out, t)
	}
	return out, nil
}

// Source implements call.MediaSource.
type Source struct {
	codecs  *mediadevices.CodecSelector
	capture captureFunc
	log     *slog.Logger
}

var _ call.MediaSource = (*Source)(nil)

// NewSource captures through the registered mediadevices drivers, encoding
// with codecs.
func NewSource(codecs *mediadevices.CodecSelector, log *slog.Logger) *Source {
	if log == nil {
		log = slog.Default()
	}
	return &Source{codecs: codecs, capture: getUserMedia, log: log}
}

func (s *Source) constraints(c call.MediaConstraints) mediadevices.MediaStreamConstraints {
	msc := mediadevices.MediaStreamConstraints{Codec: s.codecs}
	if c.Video {
		msc.Video = func(mc *mediadevices.MediaTrackConstraints) {
			mc.Width = prop.Int(640)
			mc.Height = prop.Int(480)
			mc.FrameRate = prop.Float(30)
		}
	}
	if c.Audio {
		msc.Audio = func(mc *mediadevices.MediaTrackConstraints) {
			mc.ChannelCount = prop.Int(1)
		}
	}
	return msc
}

// Acquire opens the requested devices. Device startup can block for a long
// time, so it runs on its own goroutine; if ctx ends first the tracks that
// eventually open are closed.
func (s *Source) Acquire(ctx context.Context, c call.MediaConstraints) (call.Stream, error) {
	if !c.Audio && !c.Video {
		return nil, ErrNoTracks
	}

	type result struct {
		tracks []deviceTrack
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		tracks, err := s.capture(s.constraints(c))
		ch <- result{tracks, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("get user media: %w", r.err)
		}
		return s.wrap(r.tracks, c)
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.err == nil {
				closeDevices(r.tracks)
				s.log.Debug("released media acquired after cancellation")
			}
		}()
		return nil, ctx.Err()
	}
}

func (s *Source) wrap(devices []deviceTrack, c call.MediaConstraints) (*Stream, error) {
	stream := &Stream{id: uuid.NewString()}
	var haveAudio, haveVideo bool
	for _, d := range devices {
		t := newTrack(d, stream.id, s.log)
		switch t.Kind() {
		case call.KindAudio:
			haveAudio = true
		case call.KindVideo:
			haveVideo = true
		}
		stream.tracks = append(stream.tracks, t)
	}
	if (c.Audio && !haveAudio) || (c.Video && !haveVideo) {
		closeDevices(devices)
		return nil, fmt.Errorf("%w: audio=%t video=%t", ErrNoTracks, haveAudio, haveVideo)
	}
	return stream, nil
}

func closeDevices(devices []deviceTrack) {
	for _, d := range devices {
		_ = d.Close()
	}
}

// Stream is a set of captured local tracks.
type Stream struct {
	id     string
	tracks []*Track
}

var _ call.Stream = (*Stream)(nil)

func (s *Stream) ID() string { return s.id }

func (s *Stream) Tracks() []call.Track {
	out := make([]call.Track, len(s.tracks))
	for i, t := range s.tracks {
		out[i] = t
	}
	return out
}
