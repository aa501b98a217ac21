package webrtc

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"partner_voice/native/internal/domain"

	pion "github.com/pion/webrtc/v4"
)

// mockConn records calls in order for verification.
type mockConn struct {
	mu     sync.Mutex
	calls  []string
	tracks []pion.TrackLocal
	closed bool

	remoteErr error

	onICE   func(*pion.ICECandidate)
	onTrack func(*pion.TrackRemote, *pion.RTPReceiver)
}

func (m *mockConn) record(call string) {
	m.mu.Lock()
	m.calls = append(m.calls, call)
	m.mu.Unlock()
}

func (m *mockConn) AddTrack(track pion.TrackLocal) (*pion.RTPSender, error) {
	m.record("AddTrack")
	m.tracks = append(m.tracks, track)
	return nil, nil
}
func (m *mockConn) CreateOffer(*pion.OfferOptions) (pion.SessionDescription, error) {
	m.record("CreateOffer")
	return pion.SessionDescription{Type: pion.SDPTypeOffer, SDP: "v=0\r\nlocal-offer"}, nil
}
func (m *mockConn) CreateAnswer(*pion.AnswerOptions) (pion.SessionDescription, error) {
	m.record("CreateAnswer")
	return pion.SessionDescription{Type: pion.SDPTypeAnswer, SDP: "v=0\r\nlocal-answer"}, nil
}
func (m *mockConn) SetLocalDescription(desc pion.SessionDescription) error {
	m.record("SetLocalDescription:" + desc.Type.String())
	return nil
}
func (m *mockConn) SetRemoteDescription(desc pion.SessionDescription) error {
	m.record("SetRemoteDescription:" + desc.Type.String())
	return m.remoteErr
}
func (m *mockConn) AddICECandidate(c pion.ICECandidateInit) error {
	m.record("AddICECandidate:" + c.Candidate)
	return nil
}
func (m *mockConn) OnICECandidate(f func(*pion.ICECandidate))                { m.onICE = f }
func (m *mockConn) OnTrack(f func(*pion.TrackRemote, *pion.RTPReceiver))     { m.onTrack = f }
func (m *mockConn) OnConnectionStateChange(f func(pion.PeerConnectionState)) {}
func (m *mockConn) Close() error                                             { m.closed = true; return nil }

func (m *mockConn) callLog() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// mockSender records outbound signals.
type mockSender struct {
	mu   sync.Mutex
	sent []domain.SignalEnvelope
}

func (m *mockSender) SendSignal(conversationID string, sig domain.Signal) error {
	m.mu.Lock()
	m.sent = append(m.sent, domain.SignalEnvelope{ConversationID: conversationID, Signal: sig})
	m.mu.Unlock()
	return nil
}

// countingMedia counts GetUserMedia calls.
type countingMedia struct {
	calls int
	err   error
}

func (c *countingMedia) GetUserMedia() (LocalStream, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return SilentSource{}.GetUserMedia()
}

type harness struct {
	mgr    *Manager
	conns  []*mockConn
	sender *mockSender
	media  *countingMedia
}

func newHarness() *harness {
	h := &harness{sender: &mockSender{}, media: &countingMedia{}}
	h.mgr = NewManager(Options{
		Factory: func(servers []domain.ICEServer) (Connection, error) {
			c := &mockConn{}
			h.conns = append(h.conns, c)
			return c, nil
		},
		Media: h.media,
	})
	h.mgr.SetSender(h.sender)
	return h
}

func candidate(n int) domain.Signal {
	return domain.Signal{
		Type:      domain.SignalICECandidate,
		Candidate: &domain.ICECandidatePayload{Candidate: fmt.Sprintf("candidate:%d", n)},
	}
}

func TestCreateConnection_Idempotent(t *testing.T) {
	h := newHarness()

	c1, err := h.mgr.CreateConnection("conv-1")
	if err != nil {
		t.Fatal(err)
	}
	c2, _ := h.mgr.CreateConnection("conv-1")
	if c1 != c2 || len(h.conns) != 1 {
		t.Errorf("expected one connection for the same conversation, got %d", len(h.conns))
	}

	if _, err := h.mgr.CreateConnection("conv-2"); err != nil {
		t.Fatal(err)
	}
	if !h.conns[0].closed {
		t.Error("expected previous connection to be closed")
	}
	if h.mgr.ConversationID() != "conv-2" {
		t.Errorf("expected conv-2 bound, got %q", h.mgr.ConversationID())
	}
}

func TestEnsureLocalStream_Memoized(t *testing.T) {
	h := newHarness()

	s1, err := h.mgr.EnsureLocalStream()
	if err != nil {
		t.Fatal(err)
	}
	s2, _ := h.mgr.EnsureLocalStream()
	if s1 != s2 || h.media.calls != 1 {
		t.Errorf("expected one acquisition, got %d", h.media.calls)
	}
}

func TestEnsureTracksAdded_Once(t *testing.T) {
	h := newHarness()
	h.mgr.CreateConnection("conv-1")

	if err := h.mgr.EnsureTracksAdded(); err != nil {
		t.Fatal(err)
	}
	if err := h.mgr.EnsureTracksAdded(); err != nil {
		t.Fatal(err)
	}
	if n := len(h.conns[0].tracks); n != 1 {
		t.Errorf("expected 1 track added, got %d", n)
	}
}

func TestEnsureTracksAdded_MediaDenied(t *testing.T) {
	h := newHarness()
	h.media.err = domain.ErrMediaUnavailable
	h.mgr.CreateConnection("conv-1")

	err := h.mgr.EnsureTracksAdded()
	if !errors.Is(err, domain.ErrMediaUnavailable) {
		t.Errorf("expected ErrMediaUnavailable, got %v", err)
	}
}

func TestHandleSignal_OfferAnswersAndFlushesICEInOrder(t *testing.T) {
	h := newHarness()

	for i := 1; i <= 2; i++ {
		if _, err := h.mgr.HandleSignal("conv-1", candidate(i)); err != nil {
			t.Fatal(err)
		}
	}
	if h.mgr.PendingCandidates() != 2 {
		t.Fatalf("expected 2 staged candidates, got %d", h.mgr.PendingCandidates())
	}

	established, err := h.mgr.HandleSignal("conv-1", domain.Signal{Type: domain.SignalOffer, SDP: "v=0\r\nremote"})
	if err != nil {
		t.Fatal(err)
	}
	if !established {
		t.Error("expected offer to establish the call")
	}

	want := []string{
		"AddTrack",
		"SetRemoteDescription:offer",
		"CreateAnswer",
		"SetLocalDescription:answer",
		"AddICECandidate:candidate:1",
		"AddICECandidate:candidate:2",
	}
	got := h.conns[0].callLog()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("unexpected call order\n got: %v\nwant: %v", got, want)
	}

	if len(h.sender.sent) != 1 || h.sender.sent[0].Signal.Type != domain.SignalAnswer {
		t.Fatalf("expected one answer sent, got %+v", h.sender.sent)
	}
	if h.sender.sent[0].Signal.SDP != "v=0\r\nlocal-answer" {
		t.Errorf("unexpected answer SDP %q", h.sender.sent[0].Signal.SDP)
	}
	if h.mgr.PendingCandidates() != 0 {
		t.Error("expected staging buffer to be empty after flush")
	}

	// After the remote description, candidates apply immediately.
	h.mgr.HandleSignal("conv-1", candidate(3))
	got = h.conns[0].callLog()
	if got[len(got)-1] != "AddICECandidate:candidate:3" {
		t.Errorf("expected immediate apply, got %v", got)
	}
}

func TestHandleSignal_AnswerFlushesStagedICE(t *testing.T) {
	h := newHarness()
	h.mgr.CreateConnection("conv-1")
	if _, err := h.mgr.CreateOffer(); err != nil {
		t.Fatal(err)
	}

	h.mgr.HandleSignal("conv-1", candidate(7))
	established, err := h.mgr.HandleSignal("conv-1", domain.Signal{Type: domain.SignalAnswer, SDP: "v=0\r\nremote"})
	if err != nil || !established {
		t.Fatalf("expected answer to establish, err=%v", err)
	}

	got := h.conns[0].callLog()
	want := []string{
		"AddTrack",
		"CreateOffer",
		"SetLocalDescription:offer",
		"SetRemoteDescription:answer",
		"AddICECandidate:candidate:7",
	}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("unexpected call order\n got: %v\nwant: %v", got, want)
	}
}

func TestHandleSignal_AnswerWithoutSession(t *testing.T) {
	h := newHarness()
	_, err := h.mgr.HandleSignal("conv-1", domain.Signal{Type: domain.SignalAnswer, SDP: "x"})
	if !errors.Is(err, domain.ErrNoSession) {
		t.Errorf("expected ErrNoSession, got %v", err)
	}
}

func TestHandleSignal_UnknownType(t *testing.T) {
	h := newHarness()
	_, err := h.mgr.HandleSignal("conv-1", domain.Signal{Type: "renegotiate"})
	if !errors.Is(err, domain.ErrUnknownSignalType) {
		t.Errorf("expected ErrUnknownSignalType, got %v", err)
	}
}

func TestHandleSignal_RemoteDescriptionFailureKeepsCandidatesStaged(t *testing.T) {
	h := newHarness()
	h.mgr.CreateConnection("conv-1")
	h.conns[0].remoteErr = errors.New("bad sdp")

	h.mgr.HandleSignal("conv-1", candidate(1))
	if _, err := h.mgr.HandleSignal("conv-1", domain.Signal{Type: domain.SignalOffer, SDP: "garbage"}); err == nil {
		t.Fatal("expected offer failure")
	}
	if h.mgr.PendingCandidates() != 1 {
		t.Errorf("expected candidate to stay staged, got %d", h.mgr.PendingCandidates())
	}
	if !h.mgr.Active() {
		t.Error("expected session to survive a bad signal")
	}
}

func TestICECandidateCallback_EmitsSignal(t *testing.T) {
	h := newHarness()
	h.mgr.CreateConnection("conv-1")

	h.conns[0].onICE(&pion.ICECandidate{
		Foundation: "1",
		Priority:   2130706431,
		Address:    "192.0.2.10",
		Protocol:   pion.ICEProtocolUDP,
		Port:       50000,
		Typ:        pion.ICECandidateTypeHost,
		Component:  1,
		SDPMid:     "0",
	})
	h.conns[0].onICE(nil)

	if len(h.sender.sent) != 1 {
		t.Fatalf("expected 1 signal, got %d", len(h.sender.sent))
	}
	sent := h.sender.sent[0]
	if sent.ConversationID != "conv-1" || sent.Signal.Type != domain.SignalICECandidate {
		t.Errorf("unexpected signal %+v", sent)
	}
	if sent.Signal.Candidate == nil || sent.Signal.Candidate.SDPMid == nil || *sent.Signal.Candidate.SDPMid != "0" {
		t.Errorf("expected sdpMid 0, got %+v", sent.Signal.Candidate)
	}
}

func TestTeardown_ClearsSession(t *testing.T) {
	h := newHarness()
	h.mgr.CreateConnection("conv-1")
	h.mgr.EnsureTracksAdded()
	h.mgr.HandleSignal("conv-1", candidate(1))

	if err := h.mgr.Teardown(); err != nil {
		t.Fatalf("teardown: %v", err)
	}
	if !h.conns[0].closed {
		t.Error("expected connection closed")
	}
	if h.mgr.Active() || h.mgr.ConversationID() != "" || h.mgr.PendingCandidates() != 0 {
		t.Error("expected session state cleared")
	}

	// A fresh session re-acquires the microphone.
	h.mgr.CreateConnection("conv-2")
	h.mgr.EnsureTracksAdded()
	if h.media.calls != 2 {
		t.Errorf("expected media re-acquired after teardown, got %d calls", h.media.calls)
	}
	if n := len(h.conns[1].tracks); n != 1 {
		t.Errorf("expected tracks on the new connection, got %d", n)
	}
}
