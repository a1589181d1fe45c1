package engine

// State is the execution state of a cell.
type State int

const (
	// StateSubmitted: code sent, waiting for the execute_reply.
	StateSubmitted State = iota

	// StateDraining: consuming iopub messages into output records.
	StateDraining

	// StateComplete: outputs matched. Terminal.
	StateComplete

	// StateFailed: outputs differed or the kernel did not answer. Terminal.
	StateFailed
)

var stateNames = [...]string{
	StateSubmitted: "SUBMITTED",
	StateDraining:  "DRAINING",
	StateComplete:  "COMPLETE",
	StateFailed:    "FAILED",
}

// String returns the upper-case state name.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// Terminal reports whether s is COMPLETE or FAILED.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed
}
