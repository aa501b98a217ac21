package domain

import "time"

// CallStatus is the observable state of the local call state machine.
type CallStatus string

const (
	StatusIdle    CallStatus = "idle"
	StatusCalling CallStatus = "calling"
	StatusRinging CallStatus = "ringing"
	StatusInCall  CallStatus = "in_call"
	StatusEnded   CallStatus = "ended"
)

// RecordStatus is the status stored on a CallRecord.
type RecordStatus string

const (
	RecordRinging  RecordStatus = "ringing"
	RecordInCall   RecordStatus = "in_call"
	RecordRejected RecordStatus = "rejected"
	RecordEnded    RecordStatus = "ended"
)

// Direction tells whether the local party placed or received the call.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// Participant is an opaque descriptor of one side of a call.
type Participant struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// Label returns the best human readable name of the participant.
func (p Participant) Label() string {
	switch {
	case p.Name != "":
		return p.Name
	case p.Email != "":
		return p.Email
	default:
		return p.ID
	}
}

// CallRecord is the persisted history entry of one conversation's call.
type CallRecord struct {
	ConversationID string       `json:"conversationId"`
	Direction      Direction    `json:"direction,omitempty"`
	Status         RecordStatus `json:"status,omitempty"`
	From           Participant  `json:"from"`
	To             Participant  `json:"to"`
	CreatedAt      time.Time    `json:"createdAt"`
	StartedAt      *time.Time   `json:"startedAt"`
	LastEventAt    *time.Time   `json:"lastEventAt"`
	EndedAt        *time.Time   `json:"endedAt"`
}

// CallPatch is a shallow update applied to a CallRecord. Nil fields are left untouched.
// ClearTerminal resets StartedAt and EndedAt before the other fields apply, so a
// conversation that rings again does not carry the previous call's timestamps.
type CallPatch struct {
	ClearTerminal bool

	Direction   *Direction
	Status      *RecordStatus
	From        *Participant
	To          *Participant
	StartedAt   *time.Time
	LastEventAt *time.Time
	EndedAt     *time.Time
}

// Apply merges the non-nil fields of p into r.
func (p CallPatch) Apply(r *CallRecord) {
	if p.ClearTerminal {
		r.StartedAt = nil
		r.EndedAt = nil
	}
	if p.Direction != nil {
		r.Direction = *p.Direction
	}
	if p.Status != nil {
		r.Status = *p.Status
	}
	if p.From != nil {
		r.From = *p.From
	}
	if p.To != nil {
		r.To = *p.To
	}
	if p.StartedAt != nil {
		r.StartedAt = p.StartedAt
	}
	if p.LastEventAt != nil {
		r.LastEventAt = p.LastEventAt
	}
	if p.EndedAt != nil {
		r.EndedAt = p.EndedAt
	}
}

// IncomingCall is a ringing call awaiting a local accept or reject.
type IncomingCall struct {
	ConversationID string      `json:"conversationId"`
	From           Participant `json:"from"`
	To             Participant `json:"to"`
	StartedAt      *time.Time  `json:"startedAt,omitempty"`
	ReceivedAt     time.Time   `json:"receivedAt"`
}

// BufferedSignal is an inbound signal waiting for the call screen to consume it.
type BufferedSignal struct {
	ConversationID string    `json:"conversationId"`
	ReceivedAt     time.Time `json:"receivedAt"`
	Signal         Signal    `json:"signal"`
}

// IncomingCallEvent is the payload of voice:call:incoming.
type IncomingCallEvent struct {
	ConversationID string      `json:"conversationId"`
	From           Participant `json:"from"`
	To             Participant `json:"to"`
	StartedAt      *time.Time  `json:"startedAt,omitempty"`
}

// ConversationEvent is the payload of accept/reject/end events in both directions.
type ConversationEvent struct {
	ConversationID string `json:"conversationId"`
}

// InitiateAck is the server acknowledgement of voice:call:initiate.
type InitiateAck struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}
