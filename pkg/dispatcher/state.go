package dispatcher

import "fmt"

// State is the lifecycle state of the dispatcher's connection.
type State int32

const (
	Idle State = iota
	// Connecting is the first dial, or a dial a caller starts after Failed.
	Connecting
	Active
	// Reconnecting follows the loss of an active channel.
	Reconnecting
	Failed
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Active:
		return "active"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// terminal reports whether no further connection attempts will be made.
func (s State) terminal() bool {
	return s == Closing || s == Closed
}
