package rtc

// PeerState tracks one peer through the negotiation handshake.
//
// Initiator path: New → HaveLocalOffer → Connecting → Connected.
// Answerer path: New → HaveRemoteOffer → HaveLocalAnswer → Connecting
// → Connected. Failed and Closed are reachable from every non-terminal
// state.
type PeerState int

const (
	StateNew PeerState = iota
	StateHaveLocalOffer
	StateHaveRemoteOffer
	StateHaveLocalAnswer
	StateConnecting
	StateConnected
	StateFailed
	StateClosed
)

func (s PeerState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateHaveLocalOffer:
		return "have-local-offer"
	case StateHaveRemoteOffer:
		return "have-remote-offer"
	case StateHaveLocalAnswer:
		return "have-local-answer"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions can happen.
func (s PeerState) Terminal() bool {
	return s == StateFailed || s == StateClosed
}
