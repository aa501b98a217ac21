//go:build linux && cgo

package webrtc

import (
	"fmt"

	"partner_voice/native/internal/domain"

	"github.com/hashicorp/go-multierror"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	pion "github.com/pion/webrtc/v4"
)

// DefaultMediaSource captures the system microphone via pion/mediadevices.
func DefaultMediaSource() MediaSource { return microphoneSource{} }

type microphoneSource struct{}

func (microphoneSource) GetUserMedia() (LocalStream, error) {
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}
	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithAudioEncoders(&opusParams),
	)

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
		Codec: codecSelector,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMediaUnavailable, err)
	}

	tracks := stream.GetAudioTracks()
	if len(tracks) == 0 {
		return nil, fmt.Errorf("%w: no microphone track", domain.ErrMediaUnavailable)
	}
	for _, t := range tracks {
		t.OnEnded(func(err error) {
			if err != nil {
				log.Warnf("microphone track ended: %v", err)
			}
		})
	}
	log.Infof("microphone captured, %d track(s)", len(tracks))
	return &deviceStream{tracks: tracks}, nil
}

type deviceStream struct {
	tracks []mediadevices.Track
}

func (s *deviceStream) Tracks() []pion.TrackLocal {
	out := make([]pion.TrackLocal, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t)
	}
	return out
}

func (s *deviceStream) Stop() error {
	var result error
	for _, t := range s.tracks {
		if err := t.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result
}
