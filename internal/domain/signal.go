package domain

// Signal types carried inside voice:signal payloads.
const (
	SignalOffer        = "offer"
	SignalAnswer       = "answer"
	SignalICECandidate = "ice-candidate"
)

// Signal is one WebRTC negotiation message exchanged with the remote party.
type Signal struct {
	Type      string               `json:"type"`
	SDP       string               `json:"sdp,omitempty"`
	Candidate *ICECandidatePayload `json:"candidate,omitempty"`
}

// ICECandidatePayload is the JSON structure of a browser RTCIceCandidateInit.
type ICECandidatePayload struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// SignalEnvelope is the payload of the voice:signal event in both directions.
type SignalEnvelope struct {
	ConversationID string `json:"conversationId"`
	Signal         Signal `json:"signal"`
}
