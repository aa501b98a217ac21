package webrtc

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	pion "github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
)

// AudioSink consumes remote audio tracks.
type AudioSink interface {
	Attach(conversationID string, track *pion.TrackRemote)
	Close() error
}

// rtpReader is the read side of a remote track.
type rtpReader interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// DrainSink reads and discards remote RTP so the receiver buffers never fill.
type DrainSink struct{}

func (DrainSink) Attach(conversationID string, track *pion.TrackRemote) {
	go drain(track)
}

func (DrainSink) Close() error { return nil }

func drain(r rtpReader) {
	for {
		if _, _, err := r.ReadRTP(); err != nil {
			return
		}
	}
}

// OggSink records each remote Opus track into an Ogg file under dir. Every
// recording goroutine owns its writer and finalizes it when the track ends.
type OggSink struct {
	dir string
	now func() time.Time

	wg   sync.WaitGroup
	mu   sync.Mutex
	errs error
}

// NewOggSink creates dir if needed and returns a recording sink.
func NewOggSink(dir string) (*OggSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create record dir: %w", err)
	}
	return &OggSink{dir: dir, now: time.Now}, nil
}

func (s *OggSink) Attach(conversationID string, track *pion.TrackRemote) {
	s.attach(conversationID, track.Codec(), track)
}

func (s *OggSink) attach(conversationID string, codec pion.RTPCodecParameters, r rtpReader) {
	if codec.MimeType != pion.MimeTypeOpus {
		log.Warnf("[%s] not recording %s track", conversationID, codec.MimeType)
		go drain(r)
		return
	}

	name := fmt.Sprintf("%s-%s.ogg", conversationID, s.now().Format("20060102-150405.000"))
	w, err := oggwriter.New(filepath.Join(s.dir, name), codec.ClockRate, codec.Channels)
	if err != nil {
		log.Errorf("[%s] open recording: %v", conversationID, err)
		go drain(r)
		return
	}

	log.Infof("[%s] recording remote audio to %s", conversationID, name)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.record(conversationID, r, w)
	}()
}

func (s *OggSink) record(conversationID string, r rtpReader, w *oggwriter.OggWriter) {
	for {
		pkt, _, err := r.ReadRTP()
		if err != nil {
			break
		}
		if err := w.WriteRTP(pkt); err != nil {
			log.Warnf("[%s] write recording: %v", conversationID, err)
			drain(r)
			break
		}
	}
	if err := w.Close(); err != nil {
		s.mu.Lock()
		s.errs = multierror.Append(s.errs, fmt.Errorf("[%s] close recording: %w", conversationID, err))
		s.mu.Unlock()
	}
}

// Close waits for every recording to finalize. Tracks end when their peer
// connection closes, so call it after closing the connection.
func (s *OggSink) Close() error {
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.errs
	s.errs = nil
	return err
}
