package session

type State int32

const (
	Connecting State = iota
	Greeting
	AwaitingInput
	Processing
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Greeting:
		return "greeting"
	case AwaitingInput:
		return "awaiting_input"
	case Processing:
		return "processing"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}
