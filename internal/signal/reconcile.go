package signal

// Action is the outcome of one token/connection reconciliation.
type Action int

const (
	ActionNone Action = iota
	ActionConnect
	ActionDisconnect
	ActionReconnect
)

func (a Action) String() string {
	switch a {
	case ActionConnect:
		return "connect"
	case ActionDisconnect:
		return "disconnect"
	case ActionReconnect:
		return "reconnect"
	default:
		return "none"
	}
}

// Reconcile decides what to do given whether a connection exists, the token
// it was opened with and the token currently stored. Tokens compare by value,
// so a re-login with a new token forces a fresh connection.
func Reconcile(hasConn bool, activeToken, storedToken string) Action {
	switch {
	case storedToken == "" && hasConn:
		return ActionDisconnect
	case storedToken == "":
		return ActionNone
	case !hasConn:
		return ActionConnect
	case storedToken != activeToken:
		return ActionReconnect
	default:
		return ActionNone
	}
}
