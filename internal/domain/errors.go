package domain

import "errors"

var (
	ErrNotConnected      = errors.New("signal channel not connected")
	ErrNoToken           = errors.New("no auth token")
	ErrNoSession         = errors.New("no active peer session")
	ErrMediaUnavailable  = errors.New("local media unavailable")
	ErrCallRejected      = errors.New("call rejected by server")
	ErrUnknownSignalType = errors.New("unknown signal type")
	ErrNoIncomingCall    = errors.New("no incoming call")
	ErrNoActiveCall      = errors.New("no active call")
)
