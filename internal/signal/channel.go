// Package signal owns the authenticated event connection to the signaling
// server and routes voice call events to a domain.Handler.
package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"partner_voice/native/internal/domain"
	"partner_voice/native/internal/metrics"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("signal")

// Conn is a bidirectional named-event connection.
type Conn interface {
	On(event string, fn func(json.RawMessage))
	Open()
	Emit(event string, payload any, ack func(json.RawMessage)) error
	Connected() bool
	Close() error
}

// Dialer creates an unopened Conn authenticated with token.
type Dialer func(url, token string) Conn

// WebSocketDialer returns a Dialer producing reconnecting WebSocket sockets.
func WebSocketDialer() Dialer {
	return func(url, token string) Conn {
		return NewSocket(SocketOptions{URL: url, Token: token})
	}
}

// Channel is the process-wide signal channel. It implements domain.Signaler.
type Channel struct {
	url     string
	dial    Dialer
	tokens  domain.TokenSource
	handler domain.Handler
	metrics metrics.Collector

	mu        sync.Mutex
	conn      Conn
	token     string
	listening bool
	connected bool

	wake chan struct{}
}

// NewChannel creates a Channel. Call SetHandler before Connect.
func NewChannel(url string, dial Dialer, tokens domain.TokenSource, m metrics.Collector) *Channel {
	if m == nil {
		m = metrics.Nop{}
	}
	return &Channel{
		url:     url,
		dial:    dial,
		tokens:  tokens,
		metrics: m,
		wake:    make(chan struct{}, 1),
	}
}

// SetHandler injects the event handler after construction to resolve the
// circular dependency (Session needs Signaler, Channel needs Handler).
func (c *Channel) SetHandler(h domain.Handler) {
	c.handler = h
}

// Connect opens the connection unless one exists or no token is stored.
func (c *Channel) Connect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectLocked(c.tokens.Token())
}

func (c *Channel) connectLocked(token string) {
	if c.conn != nil || token == "" {
		return
	}

	conn := c.dial(c.url, token)
	c.conn = conn
	c.token = token
	if !c.listening {
		c.registerListeners(conn)
		c.listening = true
	}
	conn.Open()
	log.Infof("connecting to %s", c.url)
}

// Disconnect closes the connection and clears connection state. Close errors are ignored.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	wasConnected := c.connected
	c.conn = nil
	c.token = ""
	c.listening = false
	c.connected = false
	c.mu.Unlock()

	if conn == nil {
		return
	}
	if err := conn.Close(); err != nil {
		log.Debugf("close: %v", err)
	}
	log.Infof("disconnected")
	if wasConnected {
		c.notifyConnection(false)
	}
}

// Connected reports whether the channel is connected to the server.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && c.connected && c.conn.Connected()
}

// Reconcile compares the stored token with the live connection once and
// connects, disconnects or reconnects accordingly.
func (c *Channel) Reconcile() Action {
	stored := c.tokens.Token()

	c.mu.Lock()
	action := Reconcile(c.conn != nil, c.token, stored)
	c.mu.Unlock()

	switch action {
	case ActionConnect:
		c.mu.Lock()
		c.connectLocked(stored)
		c.mu.Unlock()
	case ActionDisconnect:
		log.Infof("token removed, disconnecting")
		c.Disconnect()
	case ActionReconnect:
		log.Infof("token changed, reconnecting")
		c.metrics.ChannelReconnect()
		c.Disconnect()
		c.mu.Lock()
		c.connectLocked(stored)
		c.mu.Unlock()
	}
	return action
}

// Wake asks a running AutoConnect loop to reconcile now.
func (c *Channel) Wake() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// AutoConnect reconciles immediately and then every interval (or on Wake)
// until ctx is done.
func (c *Channel) AutoConnect(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.Reconcile()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Reconcile()
		case <-c.wake:
			c.Reconcile()
		}
	}
}

func (c *Channel) registerListeners(conn Conn) {
	conn.On(domain.EventConnect, func(json.RawMessage) {
		if !c.setConnected(conn, true) {
			return
		}
		c.notifyConnection(true)
	})
	conn.On(domain.EventDisconnect, func(json.RawMessage) {
		if !c.setConnected(conn, false) {
			return
		}
		c.notifyConnection(false)
	})

	conn.On(domain.EventCallIncoming, func(data json.RawMessage) {
		var ev domain.IncomingCallEvent
		if !c.decode(conn, domain.EventCallIncoming, data, &ev) || ev.ConversationID == "" {
			return
		}
		c.handler.OnIncomingCall(ev)
	})
	conn.On(domain.EventCallAccepted, c.conversationListener(conn, domain.EventCallAccepted, func(id string) {
		c.handler.OnCallAccepted(id)
	}))
	conn.On(domain.EventCallRejected, c.conversationListener(conn, domain.EventCallRejected, func(id string) {
		c.handler.OnCallRejected(id)
	}))
	conn.On(domain.EventCallEnded, c.conversationListener(conn, domain.EventCallEnded, func(id string) {
		c.handler.OnCallEnded(id)
	}))
	conn.On(domain.EventSignal, func(data json.RawMessage) {
		var env domain.SignalEnvelope
		if !c.decode(conn, domain.EventSignal, data, &env) || env.ConversationID == "" {
			return
		}
		c.handler.OnSignal(env.ConversationID, env.Signal)
	})
}

func (c *Channel) conversationListener(conn Conn, event string, fn func(string)) func(json.RawMessage) {
	return func(data json.RawMessage) {
		var ev domain.ConversationEvent
		if !c.decode(conn, event, data, &ev) || ev.ConversationID == "" {
			return
		}
		fn(ev.ConversationID)
	}
}

// decode unmarshals an event payload from conn, ignoring events from a
// connection that has since been replaced.
func (c *Channel) decode(conn Conn, event string, data json.RawMessage, v any) bool {
	if !c.isCurrent(conn) {
		return false
	}
	if c.handler == nil {
		log.Warnf("%s dropped: no handler", event)
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		log.Warnf("decode %s: %v", event, err)
		return false
	}
	return true
}

func (c *Channel) isCurrent(conn Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn == conn
}

func (c *Channel) setConnected(conn Conn, connected bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn {
		return false
	}
	c.connected = connected
	return true
}

func (c *Channel) notifyConnection(connected bool) {
	c.metrics.ChannelConnected(connected)
	if c.handler == nil {
		return
	}
	safeCall("connection", func() { c.handler.OnConnectionChange(connected) })
}

// Initiate emits voice:call:initiate and reports the server acknowledgement to ack.
func (c *Channel) Initiate(conversationID string, ack func(domain.InitiateAck)) error {
	return c.emit(domain.EventCallInitiate, domain.ConversationEvent{ConversationID: conversationID}, func(data json.RawMessage) {
		var res domain.InitiateAck
		if err := json.Unmarshal(data, &res); err != nil {
			res = domain.InitiateAck{Success: false, Message: fmt.Sprintf("bad acknowledgement: %v", err)}
		}
		if ack != nil {
			ack(res)
		}
	})
}

func (c *Channel) Accept(conversationID string) error {
	return c.emit(domain.EventCallAccept, domain.ConversationEvent{ConversationID: conversationID}, nil)
}

func (c *Channel) Reject(conversationID string) error {
	return c.emit(domain.EventCallReject, domain.ConversationEvent{ConversationID: conversationID}, nil)
}

func (c *Channel) End(conversationID string) error {
	return c.emit(domain.EventCallEnd, domain.ConversationEvent{ConversationID: conversationID}, nil)
}

// SendSignal emits a negotiation signal to the other party of conversationID.
func (c *Channel) SendSignal(conversationID string, sig domain.Signal) error {
	return c.emit(domain.EventSignal, domain.SignalEnvelope{ConversationID: conversationID, Signal: sig}, nil)
}

func (c *Channel) emit(event string, payload any, ack func(json.RawMessage)) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil || !conn.Connected() {
		return domain.ErrNotConnected
	}
	if err := conn.Emit(event, payload, ack); err != nil {
		return fmt.Errorf("emit %s: %w", event, err)
	}
	return nil
}
