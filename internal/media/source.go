// Package media owns local capture for a call: it turns a Device into pion
// local tracks that a peer connection can send.
package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/callrecord"
)

var (
	ErrPermissionDenied  = errors.New("media permission denied")
	ErrDeviceUnavailable = errors.New("media device unavailable")
	ErrReleased          = errors.New("media stream released")
)

// Constraints selects which tracks a capture should produce.
type Constraints struct {
	Audio bool
	Video bool
}

func ConstraintsFor(kind callrecord.MediaKind) Constraints {
	return Constraints{Audio: true, Video: kind == callrecord.MediaVideo}
}

// Sink receives encoded samples from a Device.
type Sink interface {
	WriteSample(pionmedia.Sample) error
}

// Device is a capture backend. Start must fail with ErrPermissionDenied or
// ErrDeviceUnavailable (possibly wrapped) when capture cannot begin. video is
// nil when c.Video is false.
type Device interface {
	Start(c Constraints, audio, video Sink) (Capture, error)
}

type Capture interface {
	Stop() error
}

// Track is a local track whose sample writes can be gated without
// renegotiation.
type Track struct {
	local   *webrtc.TrackLocalStaticSample
	enabled atomic.Bool
}

func newTrack(capability webrtc.RTPCodecCapability, id, streamID string) (*Track, error) {
	local, err := webrtc.NewTrackLocalStaticSample(capability, id, streamID)
	if err != nil {
		return nil, err
	}
	t := &Track{local: local}
	t.enabled.Store(true)
	return t, nil
}

func (t *Track) Local() *webrtc.TrackLocalStaticSample { return t.local }

func (t *Track) Enabled() bool { return t.enabled.Load() }

// WriteSample forwards s to the peer connection unless the track is disabled.
func (t *Track) WriteSample(s pionmedia.Sample) error {
	if !t.enabled.Load() {
		return nil
	}
	return t.local.WriteSample(s)
}

// Stream is one acquired capture. It is exclusively owned by the session that
// acquired it until released.
type Stream struct {
	id      string
	kind    callrecord.MediaKind
	audio   *Track
	video   *Track
	capture Capture

	releaseOnce sync.Once
	releaseErr  error
	released    atomic.Bool
}

func (s *Stream) ID() string                 { return s.id }
func (s *Stream) Kind() callrecord.MediaKind { return s.kind }
func (s *Stream) Audio() *Track              { return s.audio }

// Video returns nil for audio-only streams.
func (s *Stream) Video() *Track { return s.video }

func (s *Stream) Released() bool { return s.released.Load() }

// Tracks returns the local tracks to attach to a peer connection.
func (s *Stream) Tracks() []webrtc.TrackLocal {
	out := []webrtc.TrackLocal{s.audio.local}
	if s.video != nil {
		out = append(out, s.video.local)
	}
	return out
}

func (s *Stream) SetAudioEnabled(enabled bool) {
	s.audio.enabled.Store(enabled)
}

// SetVideoEnabled reports false when the stream has no video track.
func (s *Stream) SetVideoEnabled(enabled bool) bool {
	if s.video == nil {
		return false
	}
	s.video.enabled.Store(enabled)
	return true
}

func (s *Stream) stop() error {
	s.releaseOnce.Do(func() {
		s.released.Store(true)
		s.audio.enabled.Store(false)
		if s.video != nil {
			s.video.enabled.Store(false)
		}
		if s.capture != nil {
			s.releaseErr = s.capture.Stop()
		}
	})
	return s.releaseErr
}

// Source acquires and releases streams from a single Device.
type Source struct {
	device Device
	log    *slog.Logger

	mu     sync.Mutex
	active map[string]*Stream
}

func NewSource(device Device, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{
		device: device,
		log:    logger,
		active: make(map[string]*Stream),
	}
}

// Acquire starts capture for kind. On failure nothing stays acquired.
func (s *Source) Acquire(ctx context.Context, kind callrecord.MediaKind) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.device == nil {
		return nil, ErrDeviceUnavailable
	}
	if kind != callrecord.MediaAudio && kind != callrecord.MediaVideo {
		return nil, fmt.Errorf("unsupported media kind %q", kind)
	}

	streamID := "call-" + uuid.NewString()
	audio, err := newTrack(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  2,
	}, "audio", streamID)
	if err != nil {
		return nil, fmt.Errorf("create audio track: %w", err)
	}

	stream := &Stream{id: streamID, kind: kind, audio: audio}
	c := ConstraintsFor(kind)
	var videoSink Sink
	if c.Video {
		video, err := newTrack(webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeVP8,
			ClockRate: 90000,
		}, "video", streamID)
		if err != nil {
			return nil, fmt.Errorf("create video track: %w", err)
		}
		stream.video = video
		videoSink = video
	}

	capture, err := s.device.Start(c, audio, videoSink)
	if err != nil {
		return nil, err
	}
	stream.capture = capture

	s.mu.Lock()
	s.active[stream.id] = stream
	s.mu.Unlock()

	s.log.Debug("media acquired", "stream_id", stream.id, "media_kind", kind)
	return stream, nil
}

// Release stops all tracks of st. Releasing twice is a no-op.
func (s *Source) Release(st *Stream) error {
	if st == nil {
		return nil
	}
	s.mu.Lock()
	_, tracked := s.active[st.id]
	delete(s.active, st.id)
	s.mu.Unlock()

	err := st.stop()
	if tracked {
		s.log.Debug("media released", "stream_id", st.id)
	}
	return err
}

// Active returns the number of acquired, unreleased streams.
func (s *Source) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}
