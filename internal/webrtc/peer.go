// Package webrtc manages the single live peer session of a voice call:
// the Pion connection, the local microphone stream, the remote audio and
// the staging of ICE candidates that arrive before the remote description.
package webrtc

import (
	"fmt"
	"sync"

	"partner_voice/native/internal/domain"
	"partner_voice/native/internal/metrics"

	"github.com/hashicorp/go-multierror"
	logging "github.com/ipfs/go-log/v2"
	pion "github.com/pion/webrtc/v4"
)

var log = logging.Logger("webrtc")

// SignalSender emits negotiation signals to the remote party.
type SignalSender interface {
	SendSignal(conversationID string, sig domain.Signal) error
}

// ICEProvider returns the ICE servers for a new connection.
type ICEProvider func() []domain.ICEServer

// Options configures a Manager.
type Options struct {
	Factory    Factory
	Media      MediaSource
	Sink       AudioSink
	ICEServers ICEProvider
	Metrics    metrics.Collector
	// OnStateChange is called from Pion's goroutine with the connection state.
	OnStateChange func(conversationID string, state pion.PeerConnectionState)
}

// Manager owns at most one peer connection and its media.
type Manager struct {
	factory       Factory
	media         MediaSource
	sink          AudioSink
	iceServers    ICEProvider
	metrics       metrics.Collector
	onStateChange func(string, pion.PeerConnectionState)

	sender SignalSender

	mu             sync.Mutex
	conn           Connection
	conversationID string
	local          LocalStream
	remote         *RemoteStream
	tracksAdded    bool
	remoteDescSet  bool
	pendingICE     []pion.ICECandidateInit
	pendingFor     string
}

// NewManager creates a Manager. Call SetSender before any connection is made.
func NewManager(opts Options) *Manager {
	m := &Manager{
		factory:       opts.Factory,
		media:         opts.Media,
		sink:          opts.Sink,
		iceServers:    opts.ICEServers,
		metrics:       opts.Metrics,
		onStateChange: opts.OnStateChange,
	}
	if m.media == nil {
		m.media = SilentSource{}
	}
	if m.sink == nil {
		m.sink = DrainSink{}
	}
	if m.iceServers == nil {
		m.iceServers = func() []domain.ICEServer { return nil }
	}
	if m.metrics == nil {
		m.metrics = metrics.Nop{}
	}
	return m
}

// SetSender injects the signal sender after construction (the channel and
// the session depend on each other).
func (m *Manager) SetSender(s SignalSender) {
	m.sender = s
}

// ConversationID returns the conversation the live connection is bound to, or "".
func (m *Manager) ConversationID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conversationID
}

// Active reports whether a connection exists.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil
}

// CreateConnection returns the connection bound to conversationID, creating
// it when needed. A connection bound to another conversation is torn down first.
func (m *Manager) CreateConnection(conversationID string) (Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createConnectionLocked(conversationID)
}

func (m *Manager) createConnectionLocked(conversationID string) (Connection, error) {
	if m.conn != nil {
		if m.conversationID == conversationID {
			return m.conn, nil
		}
		log.Warnf("[%s] replacing live session of %s", conversationID, m.conversationID)
		if err := m.teardownLocked(); err != nil {
			log.Warnf("[%s] teardown: %v", m.conversationID, err)
		}
	}

	conn, err := m.factory(m.iceServers())
	if err != nil {
		return nil, err
	}

	sender := m.sender
	conn.OnICECandidate(func(c *pion.ICECandidate) {
		if c == nil {
			log.Debugf("[%s] ICE gathering complete", conversationID)
			return
		}
		init := c.ToJSON()
		sig := domain.Signal{
			Type: domain.SignalICECandidate,
			Candidate: &domain.ICECandidatePayload{
				Candidate:        init.Candidate,
				SDPMid:           init.SDPMid,
				SDPMLineIndex:    init.SDPMLineIndex,
				UsernameFragment: init.UsernameFragment,
			},
		}
		if sender == nil {
			return
		}
		if err := sender.SendSignal(conversationID, sig); err != nil {
			log.Warnf("[%s] send ICE candidate: %v", conversationID, err)
			return
		}
		m.metrics.SignalSent(domain.SignalICECandidate)
	})

	remote := &RemoteStream{}
	sink := m.sink
	conn.OnTrack(func(track *pion.TrackRemote, _ *pion.RTPReceiver) {
		codec := track.Codec()
		log.Infof("[%s] remote track: kind=%s codec=%s", conversationID, track.Kind(), codec.MimeType)
		if !remote.add(track) {
			return
		}
		sink.Attach(conversationID, track)
	})

	onState := m.onStateChange
	conn.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		log.Infof("[%s] peer connection state: %s", conversationID, state.String())
		if onState != nil {
			onState(conversationID, state)
		}
	})

	m.conn = conn
	m.conversationID = conversationID
	m.remote = remote
	m.tracksAdded = false
	m.remoteDescSet = false
	if m.pendingFor != conversationID {
		m.pendingICE = nil
	}
	m.pendingFor = conversationID
	log.Infof("[%s] peer connection created", conversationID)
	return conn, nil
}

// EnsureLocalStream acquires the microphone once and returns the same stream afterwards.
func (m *Manager) EnsureLocalStream() (LocalStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureLocalStreamLocked()
}

func (m *Manager) ensureLocalStreamLocked() (LocalStream, error) {
	if m.local != nil {
		return m.local, nil
	}
	stream, err := m.media.GetUserMedia()
	if err != nil {
		return nil, fmt.Errorf("get user media: %w", err)
	}
	m.local = stream
	return stream, nil
}

// EnsureTracksAdded adds the local tracks to the live connection exactly once per session.
func (m *Manager) EnsureTracksAdded() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureTracksAddedLocked()
}

func (m *Manager) ensureTracksAddedLocked() error {
	if m.conn == nil {
		return domain.ErrNoSession
	}
	if m.tracksAdded {
		return nil
	}
	stream, err := m.ensureLocalStreamLocked()
	if err != nil {
		return err
	}
	for _, track := range stream.Tracks() {
		if _, err := m.conn.AddTrack(track); err != nil {
			return fmt.Errorf("add track %s: %w", track.ID(), err)
		}
	}
	m.tracksAdded = true
	return nil
}

// CreateOffer attaches the local tracks, creates an offer and sets it as the
// local description.
func (m *Manager) CreateOffer() (domain.Signal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureTracksAddedLocked(); err != nil {
		return domain.Signal{}, err
	}
	offer, err := m.conn.CreateOffer(nil)
	if err != nil {
		return domain.Signal{}, fmt.Errorf("create offer: %w", err)
	}
	if err := m.conn.SetLocalDescription(offer); err != nil {
		return domain.Signal{}, fmt.Errorf("set local description: %w", err)
	}
	log.Infof("[%s] local offer set", m.conversationID)
	return domain.Signal{Type: domain.SignalOffer, SDP: offer.SDP}, nil
}

// HandleSignal applies one inbound signal. established is true once an offer
// or answer completed the handshake on this side.
func (m *Manager) HandleSignal(conversationID string, sig domain.Signal) (established bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.metrics.SignalReceived(sig.Type)

	switch sig.Type {
	case domain.SignalOffer:
		return m.handleOfferLocked(conversationID, sig)
	case domain.SignalAnswer:
		return m.handleAnswerLocked(conversationID, sig)
	case domain.SignalICECandidate:
		return false, m.handleCandidateLocked(conversationID, sig)
	default:
		return false, fmt.Errorf("%w: %q", domain.ErrUnknownSignalType, sig.Type)
	}
}

func (m *Manager) handleOfferLocked(conversationID string, sig domain.Signal) (bool, error) {
	conn, err := m.createConnectionLocked(conversationID)
	if err != nil {
		return false, err
	}
	// Transceivers must exist before the answer is generated.
	if err := m.ensureTracksAddedLocked(); err != nil {
		return false, err
	}

	if err := conn.SetRemoteDescription(pion.SessionDescription{Type: pion.SDPTypeOffer, SDP: sig.SDP}); err != nil {
		return false, fmt.Errorf("set remote offer: %w", err)
	}
	m.remoteDescSet = true

	answer, err := conn.CreateAnswer(nil)
	if err != nil {
		return false, fmt.Errorf("create answer: %w", err)
	}
	if err := conn.SetLocalDescription(answer); err != nil {
		return false, fmt.Errorf("set local answer: %w", err)
	}

	if m.sender != nil {
		if err := m.sender.SendSignal(conversationID, domain.Signal{Type: domain.SignalAnswer, SDP: answer.SDP}); err != nil {
			return false, fmt.Errorf("send answer: %w", err)
		}
		m.metrics.SignalSent(domain.SignalAnswer)
	}
	log.Infof("[%s] answered remote offer", conversationID)

	m.flushPendingLocked()
	return true, nil
}

func (m *Manager) handleAnswerLocked(conversationID string, sig domain.Signal) (bool, error) {
	if m.conn == nil || m.conversationID != conversationID {
		return false, fmt.Errorf("answer for %s: %w", conversationID, domain.ErrNoSession)
	}
	if err := m.conn.SetRemoteDescription(pion.SessionDescription{Type: pion.SDPTypeAnswer, SDP: sig.SDP}); err != nil {
		return false, fmt.Errorf("set remote answer: %w", err)
	}
	m.remoteDescSet = true
	log.Infof("[%s] remote answer set", conversationID)

	m.flushPendingLocked()
	return true, nil
}

func (m *Manager) handleCandidateLocked(conversationID string, sig domain.Signal) error {
	if sig.Candidate == nil {
		return fmt.Errorf("ice-candidate for %s without candidate", conversationID)
	}
	init := pion.ICECandidateInit{
		Candidate:        sig.Candidate.Candidate,
		SDPMid:           sig.Candidate.SDPMid,
		SDPMLineIndex:    sig.Candidate.SDPMLineIndex,
		UsernameFragment: sig.Candidate.UsernameFragment,
	}

	if m.conn != nil && m.conversationID != conversationID {
		return fmt.Errorf("ice-candidate for %s: %w", conversationID, domain.ErrNoSession)
	}
	if m.conn == nil && m.pendingFor != conversationID {
		m.pendingICE = nil
		m.pendingFor = conversationID
	}
	if m.conn == nil || !m.remoteDescSet {
		m.pendingICE = append(m.pendingICE, init)
		m.metrics.ICECandidateStaged()
		log.Debugf("[%s] staged ICE candidate (%d pending)", conversationID, len(m.pendingICE))
		return nil
	}

	if err := m.conn.AddICECandidate(init); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

// flushPendingLocked applies staged candidates in arrival order, once.
func (m *Manager) flushPendingLocked() {
	pending := m.pendingICE
	m.pendingICE = nil
	for _, c := range pending {
		if err := m.conn.AddICECandidate(c); err != nil {
			log.Warnf("[%s] add staged ICE candidate: %v", m.conversationID, err)
		}
	}
	if len(pending) > 0 {
		log.Debugf("[%s] flushed %d staged ICE candidate(s)", m.conversationID, len(pending))
	}
}

// PendingCandidates returns the number of staged ICE candidates.
func (m *Manager) PendingCandidates() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pendingICE)
}

// Teardown stops all media, closes the connection and clears session state.
// It always completes; the returned error only aggregates close failures.
func (m *Manager) Teardown() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.teardownLocked()
}

func (m *Manager) teardownLocked() error {
	var result error

	if m.local != nil {
		if err := m.local.Stop(); err != nil {
			result = multierror.Append(result, fmt.Errorf("stop local stream: %w", err))
		}
	}
	if m.remote != nil {
		m.remote.clear()
	}
	if m.conn != nil {
		if err := m.conn.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close peer connection: %w", err))
		}
		log.Infof("[%s] peer session torn down", m.conversationID)
	}
	// Remote tracks end with the connection, which lets the sink finalize.
	if err := m.sink.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close sink: %w", err))
	}

	m.conn = nil
	m.conversationID = ""
	m.local = nil
	m.remote = nil
	m.tracksAdded = false
	m.remoteDescSet = false
	m.pendingICE = nil
	m.pendingFor = ""
	return result
}

// RemoteStream accumulates the remote tracks of the live session.
type RemoteStream struct {
	mu     sync.Mutex
	tracks []*pion.TrackRemote
	closed bool
}

func (r *RemoteStream) add(t *pion.TrackRemote) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.tracks = append(r.tracks, t)
	return true
}

func (r *RemoteStream) clear() {
	r.mu.Lock()
	r.tracks = nil
	r.closed = true
	r.mu.Unlock()
}

// Len returns the number of received remote tracks.
func (r *RemoteStream) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tracks)
}
