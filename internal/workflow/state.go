package workflow

// State is the position of a session in its lifecycle.
type State int

// Session states. Idle is both the initial state and the state after a session
// completes.
const (
	StateIdle State = iota
	StateOpened
	StateCalibrating
	StateCalibrated
	StateDiscovering
	StateDiscovered
	StateTesting
	StateFailed
)

var stateNames = [...]string{
	StateIdle:        "idle",
	StateOpened:      "opened",
	StateCalibrating: "calibrating",
	StateCalibrated:  "calibrated",
	StateDiscovering: "discovering",
	StateDiscovered:  "discovered",
	StateTesting:     "testing",
	StateFailed:      "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}
