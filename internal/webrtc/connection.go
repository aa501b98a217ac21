package webrtc

import (
	"fmt"

	"partner_voice/native/internal/domain"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/nack"
	pion "github.com/pion/webrtc/v4"
)

// Connection is the part of a Pion PeerConnection the Manager drives.
// *pion.PeerConnection satisfies it.
type Connection interface {
	AddTrack(track pion.TrackLocal) (*pion.RTPSender, error)
	CreateOffer(options *pion.OfferOptions) (pion.SessionDescription, error)
	CreateAnswer(options *pion.AnswerOptions) (pion.SessionDescription, error)
	SetLocalDescription(desc pion.SessionDescription) error
	SetRemoteDescription(desc pion.SessionDescription) error
	AddICECandidate(candidate pion.ICECandidateInit) error
	OnICECandidate(f func(*pion.ICECandidate))
	OnTrack(f func(*pion.TrackRemote, *pion.RTPReceiver))
	OnConnectionStateChange(f func(pion.PeerConnectionState))
	Close() error
}

// Factory creates a Connection using the given ICE servers.
type Factory func(iceServers []domain.ICEServer) (Connection, error)

// NewPionFactory builds the Pion API once (default codecs, default
// interceptors plus a NACK responder) and returns a Factory using it.
func NewPionFactory() (Factory, error) {
	m := &pion.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	i := &interceptor.Registry{}
	if err := pion.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	responderFactory, err := nack.NewResponderInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack responder: %w", err)
	}
	i.Add(responderFactory)

	api := pion.NewAPI(
		pion.WithMediaEngine(m),
		pion.WithInterceptorRegistry(i),
	)

	return func(iceServers []domain.ICEServer) (Connection, error) {
		pc, err := api.NewPeerConnection(pion.Configuration{
			ICEServers:   toPionServers(iceServers),
			BundlePolicy: pion.BundlePolicyMaxBundle,
		})
		if err != nil {
			return nil, fmt.Errorf("create peer connection: %w", err)
		}
		return pc, nil
	}, nil
}

func toPionServers(servers []domain.ICEServer) []pion.ICEServer {
	out := make([]pion.ICEServer, 0, len(servers))
	for _, s := range servers {
		if len(s.URLs) == 0 {
			continue
		}
		out = append(out, pion.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return out
}
