package ingest

// State is the lifecycle position of one ingest connection.
type State string

const (
	StateConnecting         State = "connecting"
	StateAuthenticated      State = "authenticated"
	StateAccepted           State = "accepted"
	StateAwaitingHandshake  State = "awaiting_handshake"
	StateHandshakeValidated State = "handshake_validated"
	StateUpstreamConnected  State = "upstream_connected"
	StateStreaming          State = "streaming"
	StateFinalizing         State = "finalizing"
	StateClosed             State = "closed"
	StateFailed             State = "failed"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == StateClosed || s == StateFailed }

var allowed = map[State][]State{
	StateConnecting:         {StateAuthenticated},
	StateAuthenticated:      {StateAccepted},
	StateAccepted:           {StateAwaitingHandshake, StateClosed},
	StateAwaitingHandshake:  {StateHandshakeValidated, StateClosed},
	StateHandshakeValidated: {StateUpstreamConnected, StateClosed},
	StateUpstreamConnected:  {StateStreaming, StateClosed},
	StateStreaming:          {StateFinalizing, StateClosed},
	StateFinalizing:         {StateClosed},
}

// canTransition reports whether from -> to is a legal edge. Failed is
// reachable from every non-terminal state.
func canTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}
