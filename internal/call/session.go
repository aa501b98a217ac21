// Package call holds the voice call state: the persisted call history, the
// per-conversation signal buffer and the Session state machine that drives a
// single peer session from the signal channel's events.
package call

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"partner_voice/native/internal/domain"
	"partner_voice/native/internal/metrics"
	"partner_voice/native/internal/webrtc"

	logging "github.com/ipfs/go-log/v2"
	pion "github.com/pion/webrtc/v4"
)

var log = logging.Logger("call")

// Options configures a Session.
type Options struct {
	Registry *Registry
	Buffer   *SignalBuffer
	Peer     *webrtc.Manager
	Metrics  metrics.Collector
	// Identity returns the local participant recorded on outgoing calls.
	Identity func() domain.Participant
	// CallTimeout ends an unanswered outgoing call. Zero disables it.
	CallTimeout time.Duration
}

// Session is the call state machine. It implements domain.Handler.
//
// Every method is safe for concurrent use. Observable values are published
// after the session lock is released, so subscribers may call back into the
// Session.
type Session struct {
	Status    *Value[domain.CallStatus]
	Connected *Value[bool]
	Incoming  *Value[[]domain.IncomingCall]
	Active    *Value[string]
	LastError *Value[string]

	registry *Registry
	buffer   *SignalBuffer
	peer     *webrtc.Manager
	metrics  metrics.Collector
	identity func() domain.Participant
	timeout  time.Duration
	now      func() time.Time

	signaler domain.Signaler

	mu          sync.Mutex
	initialized bool
	unsubscribe func()
	status      domain.CallStatus
	connected   bool
	active      string
	direction   domain.Direction
	incoming    []domain.IncomingCall
	incomingVer int
	lastErr     string
	timer       *time.Timer

	pubMu          sync.Mutex
	publishing     bool
	dirty          bool
	pubIncomingVer int
}

// NewSession creates an idle Session. Call SetSignaler and Init before use.
func NewSession(opts Options) *Session {
	s := &Session{
		Status:    NewValue(domain.StatusIdle),
		Connected: NewValue(false),
		Incoming:  NewValue([]domain.IncomingCall{}),
		Active:    NewValue(""),
		LastError: NewValue(""),

		registry: opts.Registry,
		buffer:   opts.Buffer,
		peer:     opts.Peer,
		metrics:  opts.Metrics,
		identity: opts.Identity,
		timeout:  opts.CallTimeout,
		now:      time.Now,
		status:   domain.StatusIdle,
	}
	if s.buffer == nil {
		s.buffer = NewSignalBuffer(DefaultBufferLimit)
	}
	if s.metrics == nil {
		s.metrics = metrics.Nop{}
	}
	if s.identity == nil {
		s.identity = func() domain.Participant { return domain.Participant{} }
	}
	return s
}

// SetSignaler injects the signaler after construction to resolve the
// circular dependency (Session needs Signaler, Channel needs Handler).
func (s *Session) SetSignaler(sig domain.Signaler) {
	s.mu.Lock()
	s.signaler = sig
	s.mu.Unlock()
}

// Init subscribes to the signal buffer and picks up the channel state.
func (s *Session) Init() {
	s.mu.Lock()
	defer s.unlock()

	if s.initialized {
		return
	}
	s.unsubscribe = s.buffer.Subscribe(s.onBuffered)
	if s.signaler != nil {
		s.connected = s.signaler.Connected()
	}
	s.initialized = true
	log.Debugf("session initialized")
}

// Dispose ends any live call, clears the incoming set and stops listening.
func (s *Session) Dispose() {
	s.mu.Lock()
	defer s.unlock()

	if !s.initialized {
		return
	}
	s.unsubscribe()
	s.unsubscribe = nil
	if s.active != "" {
		s.endActiveLocked("disposed")
	}
	s.incoming = nil
	s.incomingVer++
	s.status = domain.StatusIdle
	s.initialized = false
	log.Debugf("session disposed")
}

// Snapshot is a consistent view of the session state.
type Snapshot struct {
	Status    domain.CallStatus
	Connected bool
	Active    string
	Incoming  []domain.IncomingCall
	LastError string
}

// Snapshot returns the current state without waiting for observers.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Status:    s.status,
		Connected: s.connected,
		Active:    s.active,
		Incoming:  append([]domain.IncomingCall{}, s.incoming...),
		LastError: s.lastErr,
	}
}

// IncomingCalls returns the ringing calls, oldest first.
func (s *Session) IncomingCalls() []domain.IncomingCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.IncomingCall{}, s.incoming...)
}

// History returns the persisted call records, oldest first.
func (s *Session) History() []domain.CallRecord {
	return s.registry.List()
}

// StartCall places an outgoing call to conversationID.
func (s *Session) StartCall(conversationID string) error {
	if conversationID == "" {
		return errors.New("start call: empty conversation id")
	}

	s.mu.Lock()
	defer s.unlock()

	if s.signaler == nil || !s.signaler.Connected() {
		return s.failLocked(fmt.Errorf("start call: %w", domain.ErrNotConnected))
	}
	if s.active == conversationID {
		return nil
	}
	if s.active != "" {
		s.endActiveLocked("replaced")
	}
	s.lastErr = ""

	// Leftovers from an earlier call on this conversation must not reach the new session.
	if stale := s.buffer.Consume(conversationID); len(stale) > 0 {
		log.Debugf("[%s] discarded %d stale signal(s)", conversationID, len(stale))
	}

	if _, err := s.peer.CreateConnection(conversationID); err != nil {
		return s.failLocked(fmt.Errorf("start call %s: %w", conversationID, err))
	}
	offer, err := s.peer.CreateOffer()
	if err != nil {
		s.teardownLocked()
		return s.failLocked(fmt.Errorf("start call %s: %w", conversationID, err))
	}

	s.active = conversationID
	s.direction = domain.DirectionOutgoing
	s.status = domain.StatusCalling
	s.removeIncomingLocked(conversationID)
	s.metrics.CallStarted(string(domain.DirectionOutgoing))
	s.recordLocked(conversationID, domain.CallPatch{
		ClearTerminal: true,
		Direction:     ptr(domain.DirectionOutgoing),
		Status:        ptr(domain.RecordRinging),
		From:          ptr(s.identity()),
	})

	err = s.signaler.Initiate(conversationID, func(ack domain.InitiateAck) {
		s.onInitiateAck(conversationID, ack)
	})
	if err != nil {
		s.finishActiveLocked(domain.RecordEnded, "failed", domain.StatusIdle)
		return s.failLocked(fmt.Errorf("initiate %s: %w", conversationID, err))
	}
	if err := s.signaler.SendSignal(conversationID, offer); err != nil {
		s.finishActiveLocked(domain.RecordEnded, "failed", domain.StatusIdle)
		return s.failLocked(fmt.Errorf("send offer %s: %w", conversationID, err))
	}
	s.metrics.SignalSent(domain.SignalOffer)
	s.startTimerLocked(conversationID)

	log.Infof("[%s] calling", conversationID)
	return nil
}

// Accept answers a ringing call. An empty conversationID accepts the topmost one.
func (s *Session) Accept(conversationID string) error {
	s.mu.Lock()
	defer s.unlock()

	if conversationID == "" {
		if len(s.incoming) == 0 {
			return domain.ErrNoIncomingCall
		}
		conversationID = s.incoming[0].ConversationID
	}
	if s.signaler == nil || !s.signaler.Connected() {
		return s.failLocked(fmt.Errorf("accept: %w", domain.ErrNotConnected))
	}
	if s.active == conversationID && s.status == domain.StatusInCall {
		return nil
	}
	if s.active != "" {
		s.endActiveLocked("replaced")
	}
	s.lastErr = ""

	if _, err := s.peer.CreateConnection(conversationID); err != nil {
		return s.failLocked(fmt.Errorf("accept %s: %w", conversationID, err))
	}
	if err := s.peer.EnsureTracksAdded(); err != nil {
		s.teardownLocked()
		return s.failLocked(fmt.Errorf("accept %s: %w", conversationID, err))
	}
	if err := s.signaler.Accept(conversationID); err != nil {
		s.teardownLocked()
		return s.failLocked(fmt.Errorf("accept %s: %w", conversationID, err))
	}

	entry, found := s.removeIncomingLocked(conversationID)
	s.active = conversationID
	s.direction = domain.DirectionIncoming
	s.status = domain.StatusInCall
	s.metrics.CallStarted(string(domain.DirectionIncoming))

	started := s.now()
	patch := domain.CallPatch{
		Direction: ptr(domain.DirectionIncoming),
		Status:    ptr(domain.RecordInCall),
		StartedAt: &started,
	}
	if found {
		patch.From = &entry.From
		patch.To = &entry.To
	}
	s.recordLocked(conversationID, patch)
	log.Infof("[%s] accepted", conversationID)

	s.drainLocked(conversationID)
	return nil
}

// Reject declines a ringing call. An empty conversationID rejects the topmost
// one. Local state is updated even when the reject cannot be sent.
func (s *Session) Reject(conversationID string) error {
	s.mu.Lock()
	defer s.unlock()

	if conversationID == "" {
		if len(s.incoming) == 0 {
			return domain.ErrNoIncomingCall
		}
		conversationID = s.incoming[0].ConversationID
	}

	var err error
	if s.signaler != nil {
		if err = s.signaler.Reject(conversationID); err != nil {
			log.Warnf("[%s] send reject: %v", conversationID, err)
			err = fmt.Errorf("reject %s: %w", conversationID, err)
		}
	}
	if !s.closeLocked(conversationID, domain.RecordRejected, "rejected") {
		log.Debugf("[%s] reject for untracked call", conversationID)
	}
	log.Infof("[%s] rejected", conversationID)
	return err
}

// End hangs up the active call.
func (s *Session) End() error {
	s.mu.Lock()
	defer s.unlock()

	if s.active == "" {
		return domain.ErrNoActiveCall
	}
	s.endActiveLocked("ended")
	return nil
}

// PeerStateChanged reports a peer connection state change. It may be called
// from Pion while the session lock is held, so the work runs on its own goroutine.
func (s *Session) PeerStateChanged(conversationID string, state pion.PeerConnectionState) {
	go s.onPeerState(conversationID, state)
}

func (s *Session) onPeerState(conversationID string, state pion.PeerConnectionState) {
	s.mu.Lock()
	defer s.unlock()

	if s.active != conversationID {
		return
	}
	switch state {
	case pion.PeerConnectionStateFailed:
		log.Warnf("[%s] peer connection failed", conversationID)
		s.lastErr = "peer connection failed"
	case pion.PeerConnectionStateDisconnected:
		log.Warnf("[%s] peer connection interrupted", conversationID)
	}
}

func (s *Session) OnConnectionChange(connected bool) {
	s.mu.Lock()
	defer s.unlock()

	s.connected = connected
	if connected {
		log.Infof("signal channel connected")
	} else {
		log.Warnf("signal channel disconnected")
	}
}

func (s *Session) OnIncomingCall(ev domain.IncomingCallEvent) {
	s.mu.Lock()
	defer s.unlock()

	if s.active == ev.ConversationID || s.indexIncomingLocked(ev.ConversationID) >= 0 {
		log.Debugf("[%s] duplicate incoming call ignored", ev.ConversationID)
		return
	}
	s.addIncomingLocked(domain.IncomingCall{
		ConversationID: ev.ConversationID,
		From:           ev.From,
		To:             ev.To,
		StartedAt:      ev.StartedAt,
		ReceivedAt:     s.now(),
	})
	log.Infof("[%s] incoming call from %s", ev.ConversationID, ev.From.Label())
}

func (s *Session) OnCallAccepted(conversationID string) {
	s.mu.Lock()
	defer s.unlock()

	if s.active != conversationID || s.direction != domain.DirectionOutgoing {
		log.Debugf("[%s] accepted event for untracked call", conversationID)
		return
	}
	started := s.now()
	s.recordLocked(conversationID, domain.CallPatch{
		Status:    ptr(domain.RecordInCall),
		StartedAt: &started,
	})
	log.Infof("[%s] remote accepted", conversationID)
}

func (s *Session) OnCallRejected(conversationID string) {
	s.mu.Lock()
	defer s.unlock()

	wasActive := s.active == conversationID
	if !s.closeLocked(conversationID, domain.RecordRejected, "rejected") {
		log.Debugf("[%s] rejected event for untracked call", conversationID)
		return
	}
	if wasActive {
		s.lastErr = "call rejected"
	}
	log.Infof("[%s] remote rejected", conversationID)
}

func (s *Session) OnCallEnded(conversationID string) {
	s.mu.Lock()
	defer s.unlock()

	if !s.closeLocked(conversationID, domain.RecordEnded, "remote_ended") {
		log.Debugf("[%s] ended event for untracked call", conversationID)
		return
	}
	log.Infof("[%s] remote ended", conversationID)
}

// OnSignal buffers an inbound signal. A signal for a conversation that is
// not tracked locally surfaces it as a ringing call.
func (s *Session) OnSignal(conversationID string, sig domain.Signal) {
	s.mu.Lock()
	if s.untrackedLocked(conversationID, sig) {
		s.addIncomingLocked(domain.IncomingCall{
			ConversationID: conversationID,
			ReceivedAt:     s.now(),
		})
		log.Infof("[%s] incoming call surfaced by %s signal", conversationID, sig.Type)
	}
	s.unlock()

	s.buffer.Push(conversationID, sig)
}

// onBuffered processes every queued signal once the active conversation receives one.
func (s *Session) onBuffered(entry domain.BufferedSignal) {
	s.mu.Lock()
	defer s.unlock()

	if entry.ConversationID != s.active {
		return
	}
	s.drainLocked(entry.ConversationID)
}

func (s *Session) onInitiateAck(conversationID string, ack domain.InitiateAck) {
	s.mu.Lock()
	defer s.unlock()

	if ack.Success {
		log.Debugf("[%s] initiate acknowledged", conversationID)
		return
	}
	if s.active != conversationID || s.status != domain.StatusCalling {
		return
	}
	msg := ack.Message
	if msg == "" {
		msg = "no reason given"
	}
	s.finishActiveLocked(domain.RecordEnded, "failed", domain.StatusIdle)
	s.failLocked(fmt.Errorf("initiate %s: %w: %s", conversationID, domain.ErrCallRejected, msg))
}

func (s *Session) onTimeout(conversationID string) {
	s.mu.Lock()
	defer s.unlock()

	if s.active != conversationID || s.status != domain.StatusCalling {
		return
	}
	log.Infof("[%s] no answer after %s", conversationID, s.timeout)
	s.endActiveLocked("timeout")
	s.lastErr = "no answer"
}

func (s *Session) drainLocked(conversationID string) {
	for _, entry := range s.buffer.Consume(conversationID) {
		s.applyLocked(conversationID, entry.Signal)
	}
}

// applyLocked feeds one signal to the peer manager. Failures are logged and
// leave the call as it is.
func (s *Session) applyLocked(conversationID string, sig domain.Signal) {
	established, err := s.peer.HandleSignal(conversationID, sig)
	if err != nil {
		log.Warnf("[%s] handle %s: %v", conversationID, sig.Type, err)
		return
	}
	if !established || s.active != conversationID || s.status != domain.StatusCalling {
		return
	}

	s.stopTimerLocked()
	s.status = domain.StatusInCall
	started := s.now()
	s.recordLocked(conversationID, domain.CallPatch{
		Status:    ptr(domain.RecordInCall),
		StartedAt: &started,
	})
	log.Infof("[%s] in call", conversationID)
}

func (s *Session) untrackedLocked(conversationID string, sig domain.Signal) bool {
	if s.active == conversationID || s.indexIncomingLocked(conversationID) >= 0 {
		return false
	}
	if sig.Type == domain.SignalOffer {
		return true
	}
	// Trailing candidates of a finished call must not ring again.
	rec, ok := s.registry.Get(conversationID)
	if !ok {
		return true
	}
	return rec.Status != domain.RecordEnded && rec.Status != domain.RecordRejected
}

// endActiveLocked notifies the remote party and finishes the active call.
func (s *Session) endActiveLocked(outcome string) {
	conversationID := s.active
	if s.signaler != nil {
		if err := s.signaler.End(conversationID); err != nil {
			log.Warnf("[%s] send end: %v", conversationID, err)
		}
	}
	s.finishActiveLocked(domain.RecordEnded, outcome, domain.StatusEnded)
	log.Infof("[%s] call ended (%s)", conversationID, outcome)
}

// finishActiveLocked tears the active call down and records its terminal status.
func (s *Session) finishActiveLocked(status domain.RecordStatus, outcome string, rest domain.CallStatus) {
	conversationID := s.active
	s.teardownLocked()

	ended := s.now()
	s.recordLocked(conversationID, domain.CallPatch{Status: &status, EndedAt: &ended})
	s.metrics.CallEnded(string(s.direction), outcome)
	s.buffer.Consume(conversationID)

	s.active = ""
	s.direction = ""
	s.removeIncomingLocked(conversationID)
	s.restLocked(rest)
}

// closeLocked finishes conversationID whether it is active or still ringing.
// It reports false when the conversation is not tracked.
func (s *Session) closeLocked(conversationID string, status domain.RecordStatus, outcome string) bool {
	if s.active == conversationID {
		s.finishActiveLocked(status, outcome, domain.StatusEnded)
		return true
	}
	if _, ok := s.removeIncomingLocked(conversationID); !ok {
		return false
	}
	if s.peer.ConversationID() == conversationID {
		s.teardownLocked()
	}
	ended := s.now()
	s.recordLocked(conversationID, domain.CallPatch{Status: &status, EndedAt: &ended})
	s.buffer.Consume(conversationID)
	s.restLocked(domain.StatusEnded)
	return true
}

// restLocked sets the status after a call left the machine. Remaining
// ringing calls keep the status at ringing.
func (s *Session) restLocked(status domain.CallStatus) {
	if s.active != "" {
		return
	}
	if len(s.incoming) > 0 {
		s.status = domain.StatusRinging
		return
	}
	s.status = status
}

func (s *Session) teardownLocked() {
	s.stopTimerLocked()
	if err := s.peer.Teardown(); err != nil {
		log.Warnf("teardown: %v", err)
	}
}

func (s *Session) failLocked(err error) error {
	log.Errorf("%v", err)
	s.lastErr = err.Error()
	s.restLocked(domain.StatusIdle)
	return err
}

func (s *Session) addIncomingLocked(call domain.IncomingCall) {
	s.incoming = append(s.incoming, call)
	s.incomingVer++
	s.recordLocked(call.ConversationID, domain.CallPatch{
		ClearTerminal: true,
		Direction:     ptr(domain.DirectionIncoming),
		Status:        ptr(domain.RecordRinging),
		From:          &call.From,
		To:            &call.To,
		StartedAt:     call.StartedAt,
	})
	if s.active == "" {
		s.status = domain.StatusRinging
	}
}

func (s *Session) removeIncomingLocked(conversationID string) (domain.IncomingCall, bool) {
	i := s.indexIncomingLocked(conversationID)
	if i < 0 {
		return domain.IncomingCall{}, false
	}
	call := s.incoming[i]
	s.incoming = append(s.incoming[:i:i], s.incoming[i+1:]...)
	s.incomingVer++
	return call, true
}

func (s *Session) indexIncomingLocked(conversationID string) int {
	for i := range s.incoming {
		if s.incoming[i].ConversationID == conversationID {
			return i
		}
	}
	return -1
}

func (s *Session) recordLocked(conversationID string, patch domain.CallPatch) {
	at := s.now()
	patch.LastEventAt = &at
	s.registry.Upsert(conversationID, patch)
}

func (s *Session) startTimerLocked(conversationID string) {
	s.stopTimerLocked()
	if s.timeout <= 0 {
		return
	}
	s.timer = time.AfterFunc(s.timeout, func() { s.onTimeout(conversationID) })
}

func (s *Session) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// unlock releases the session lock and publishes the new state.
func (s *Session) unlock() {
	s.mu.Unlock()
	s.publish()
}

// publish copies the session state into the observable values. Concurrent
// callers coalesce: the goroutine already publishing loops until no change
// is left unpublished.
func (s *Session) publish() {
	s.pubMu.Lock()
	if s.publishing {
		s.dirty = true
		s.pubMu.Unlock()
		return
	}
	s.publishing = true
	for {
		s.dirty = false
		s.pubMu.Unlock()

		s.mu.Lock()
		status, connected, active, lastErr := s.status, s.connected, s.active, s.lastErr
		ver := s.incomingVer
		var incoming []domain.IncomingCall
		if ver != s.pubIncomingVer {
			incoming = append([]domain.IncomingCall{}, s.incoming...)
		}
		s.mu.Unlock()

		// Status goes last so its subscribers see the rest already published.
		if s.LastError.Get() != lastErr {
			s.LastError.Set(lastErr)
		}
		if s.Connected.Get() != connected {
			s.Connected.Set(connected)
		}
		if s.Active.Get() != active {
			s.Active.Set(active)
		}
		if ver != s.pubIncomingVer {
			s.pubIncomingVer = ver
			s.Incoming.Set(incoming)
		}
		if s.Status.Get() != status {
			s.Status.Set(status)
		}

		s.pubMu.Lock()
		if !s.dirty {
			s.publishing = false
			s.pubMu.Unlock()
			return
		}
	}
}

func ptr[T any](v T) *T { return &v }
