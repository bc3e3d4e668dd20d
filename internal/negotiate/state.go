package negotiate

// State is the position of a Negotiator in the connection lifecycle.
type State int

const (
	Idle State = iota
	WaitingForAcceptance
	Accepted
	Connecting
	TestingAvailability
	Connected
	RejectedByPeer
	ConnectionTimeout
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case WaitingForAcceptance:
		return "WaitingForAcceptance"
	case Accepted:
		return "Accepted"
	case Connecting:
		return "Connecting"
	case TestingAvailability:
		return "TestingAvailability"
	case Connected:
		return "Connected"
	case RejectedByPeer:
		return "RejectedByPeer"
	case ConnectionTimeout:
		return "ConnectionTimeout"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Terminal reports whether s ends a negotiation.
func (s State) Terminal() bool {
	switch s {
	case Connected, RejectedByPeer, ConnectionTimeout, Failed:
		return true
	default:
		return false
	}
}
