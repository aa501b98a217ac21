package domain

import "context"

// Event names on the signal channel.
const (
	EventConnect      = "connect"
	EventDisconnect   = "disconnect"
	EventCallIncoming = "voice:call:incoming"
	EventCallAccepted = "voice:call:accepted"
	EventCallRejected = "voice:call:rejected"
	EventCallEnded    = "voice:call:ended"
	EventSignal       = "voice:signal"

	EventCallInitiate = "voice:call:initiate"
	EventCallAccept   = "voice:call:accept"
	EventCallReject   = "voice:call:reject"
	EventCallEnd      = "voice:call:end"
)

// Signaler emits call control and negotiation messages to the signaling server.
type Signaler interface {
	Connected() bool
	// Initiate asks the server to ring the other party. ack is called later from
	// the channel's dispatch goroutine, never from within Initiate.
	Initiate(conversationID string, ack func(InitiateAck)) error
	Accept(conversationID string) error
	Reject(conversationID string) error
	End(conversationID string) error
	SendSignal(conversationID string, sig Signal) error
}

// Handler receives inbound signal channel events.
type Handler interface {
	OnConnectionChange(connected bool)
	OnIncomingCall(ev IncomingCallEvent)
	OnCallAccepted(conversationID string)
	OnCallRejected(conversationID string)
	OnCallEnded(conversationID string)
	OnSignal(conversationID string, sig Signal)
}

// Storage is durable local key/value storage.
type Storage interface {
	Get(key string) (value string, ok bool, err error)
	Set(key, value string) error
	Remove(key string) error
}

// TokenSource yields the current bearer token, or "" when logged out.
type TokenSource interface {
	Token() string
}

// ICEServerFetcher retrieves additional ICE servers from the backend.
type ICEServerFetcher interface {
	FetchICEServers(ctx context.Context, token string) ([]ICEServer, error)
}
