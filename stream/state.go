package stream

// State of a connection.
type State int

const (
	Disconnected State = iota
	Connecting
	Negotiating
	Authenticating
	Ready
	Reconnecting
	Error
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Negotiating:
		return "negotiating"
	case Authenticating:
		return "authenticating"
	case Ready:
		return "ready"
	case Reconnecting:
		return "reconnecting"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}
