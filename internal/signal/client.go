package signal

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"partner_voice/native/internal/domain"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ackEvent is the event name of server acknowledgements.
const ackEvent = "ack"

// envelope is the generic WebSocket message envelope.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	AckID string          `json:"ackId,omitempty"`
}

// SocketOptions configures a Socket.
type SocketOptions struct {
	URL          string
	Token        string
	PingInterval time.Duration
	MinBackoff   time.Duration
	MaxBackoff   time.Duration
	Dialer       *websocket.Dialer
}

func (o *SocketOptions) withDefaults() {
	if o.PingInterval <= 0 {
		o.PingInterval = 25 * time.Second
	}
	if o.MinBackoff <= 0 {
		o.MinBackoff = time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
}

// Socket is a WebSocket event connection with named events, acknowledgements
// and automatic reconnection. It fires EventConnect and EventDisconnect on
// every (re)connection and drop.
type Socket struct {
	opts SocketOptions

	mu   sync.Mutex // guards conn writes
	conn *websocket.Conn

	hmu      sync.RWMutex
	handlers map[string][]func(json.RawMessage)

	amu  sync.Mutex
	acks map[string]func(json.RawMessage)

	connected atomic.Bool
	started   atomic.Bool
	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
}

// NewSocket creates a socket. Register handlers with On, then call Open.
func NewSocket(opts SocketOptions) *Socket {
	opts.withDefaults()
	return &Socket{
		opts:     opts,
		handlers: make(map[string][]func(json.RawMessage)),
		acks:     make(map[string]func(json.RawMessage)),
		closed:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// On registers fn for event. Handlers run on the socket's read goroutine.
func (s *Socket) On(event string, fn func(json.RawMessage)) {
	s.hmu.Lock()
	s.handlers[event] = append(s.handlers[event], fn)
	s.hmu.Unlock()
}

// Open starts the connect/reconnect loop. It does not wait for the first connection.
func (s *Socket) Open() {
	if s.started.Swap(true) {
		return
	}
	go s.run()
}

// Connected reports whether the socket currently has a live connection.
func (s *Socket) Connected() bool {
	return s.connected.Load()
}

// Close stops reconnection and closes the connection.
func (s *Socket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.mu.Lock()
		if s.conn != nil {
			err = s.conn.Close()
		}
		s.mu.Unlock()
	})
	return err
}

// Done is closed once the connect loop has exited after Close.
func (s *Socket) Done() <-chan struct{} {
	return s.done
}

// Emit sends event with payload. When ack is non-nil the server reply is
// delivered to it later on the read goroutine.
func (s *Socket) Emit(event string, payload any, ack func(json.RawMessage)) error {
	if !s.Connected() {
		return domain.ErrNotConnected
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event, err)
	}
	msg := envelope{Event: event, Data: data}
	if ack != nil {
		msg.AckID = uuid.NewString()
		s.amu.Lock()
		s.acks[msg.AckID] = ack
		s.amu.Unlock()
	}

	if err := s.sendJSON(msg); err != nil {
		if ack != nil {
			s.amu.Lock()
			delete(s.acks, msg.AckID)
			s.amu.Unlock()
		}
		return err
	}
	return nil
}

func (s *Socket) sendJSON(msg envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return domain.ErrNotConnected
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	log.Debugf(">>> %s", string(data))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s: %w", msg.Event, err)
	}
	return nil
}

func (s *Socket) run() {
	defer close(s.done)

	backoff := s.opts.MinBackoff
	for {
		select {
		case <-s.closed:
			return
		default:
		}

		conn, err := s.dial()
		if err != nil {
			log.Warnf("connect %s: %v (retry in %s)", s.opts.URL, err, backoff)
			select {
			case <-s.closed:
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > s.opts.MaxBackoff {
				backoff = s.opts.MaxBackoff
			}
			continue
		}
		backoff = s.opts.MinBackoff

		s.mu.Lock()
		select {
		case <-s.closed:
			s.mu.Unlock()
			conn.Close()
			return
		default:
		}
		s.conn = conn
		s.mu.Unlock()

		s.connected.Store(true)
		log.Infof("connected to %s", s.opts.URL)
		s.fire(domain.EventConnect, nil)

		stopPing := make(chan struct{})
		go s.pingLoop(conn, stopPing)
		s.readLoop(conn)
		close(stopPing)

		s.connected.Store(false)
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		conn.Close()

		s.failPendingAcks()
		s.fire(domain.EventDisconnect, nil)
	}
}

func (s *Socket) dial() (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.opts.Token)

	conn, resp, err := s.opts.Dialer.Dial(s.opts.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial: %w (http %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return conn, nil
}

func (s *Socket) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.closed:
			default:
				log.Warnf("read error: %v", err)
			}
			return
		}

		log.Debugf("<<< %s", string(data))

		var msg envelope
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warnf("unmarshal error: %v", err)
			continue
		}

		if msg.Event == ackEvent {
			s.resolveAck(msg.AckID, msg.Data)
			continue
		}
		s.fire(msg.Event, msg.Data)
	}
}

func (s *Socket) pingLoop(conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			err := conn.WriteControl(
				websocket.PingMessage,
				[]byte{},
				time.Now().Add(5*time.Second),
			)
			s.mu.Unlock()
			if err != nil {
				log.Debugf("ping error: %v", err)
				return
			}
		}
	}
}

func (s *Socket) fire(event string, data json.RawMessage) {
	s.hmu.RLock()
	handlers := make([]func(json.RawMessage), len(s.handlers[event]))
	copy(handlers, s.handlers[event])
	s.hmu.RUnlock()

	if len(handlers) == 0 && event != domain.EventConnect && event != domain.EventDisconnect {
		log.Debugf("unhandled event: %s", event)
	}
	for _, fn := range handlers {
		safeCall(event, func() { fn(data) })
	}
}

func (s *Socket) resolveAck(id string, data json.RawMessage) {
	s.amu.Lock()
	fn, ok := s.acks[id]
	delete(s.acks, id)
	s.amu.Unlock()

	if !ok {
		log.Debugf("ack for unknown id %s", id)
		return
	}
	safeCall(ackEvent, func() { fn(data) })
}

// failPendingAcks answers every outstanding ack with a failure after a drop.
func (s *Socket) failPendingAcks() {
	s.amu.Lock()
	pending := s.acks
	s.acks = make(map[string]func(json.RawMessage))
	s.amu.Unlock()

	failure, _ := json.Marshal(domain.InitiateAck{Success: false, Message: "disconnected"})
	for _, fn := range pending {
		safeCall(ackEvent, func() { fn(failure) })
	}
}

func safeCall(event string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("listener for %s panicked: %v", event, r)
		}
	}()
	fn()
}
