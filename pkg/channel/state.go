package channel

// State is the lifecycle state of a channel.
//
//	Closed -> Opening -> Active -> Closing -> Closed
//	Opening|Active -> Error -> Closing -> Closed
//
// Closed is both the initial and the terminal state; a closed channel may be opened again.
type State int

const (
	StateClosed State = iota
	StateOpening
	StateActive
	StateClosing
	StateError
)

var stateNames = [...]string{"Closed", "Opening", "Active", "Closing", "Error"}

func (s State) String() string {
	if s < StateClosed || s > StateError {
		return "Unknown"
	}
	return stateNames[s]
}

// Settled reports whether s is a state a channel can rest in, as opposed to the
// transient Opening and Closing states.
func (s State) Settled() bool {
	return s == StateClosed || s == StateActive || s == StateError
}
