package webrtc

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	pion "github.com/pion/webrtc/v4"
)

// MediaSource acquires the local microphone.
type MediaSource interface {
	GetUserMedia() (LocalStream, error)
}

// LocalStream is a captured local media stream.
type LocalStream interface {
	Tracks() []pion.TrackLocal
	Stop() error
}

// SilentSource yields a single Opus track that never carries samples. It keeps
// the audio m-line sendrecv on hosts without a capture device.
type SilentSource struct{}

func (SilentSource) GetUserMedia() (LocalStream, error) {
	track, err := pion.NewTrackLocalStaticSample(
		pion.RTPCodecCapability{MimeType: pion.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio",
		"voice-"+uuid.NewString(),
	)
	if err != nil {
		return nil, fmt.Errorf("create silent track: %w", err)
	}
	return &staticStream{tracks: []pion.TrackLocal{track}}, nil
}

type staticStream struct {
	mu      sync.Mutex
	tracks  []pion.TrackLocal
	stopped bool
}

func (s *staticStream) Tracks() []pion.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	return s.tracks
}

func (s *staticStream) Stop() error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	return nil
}
