package agent

import "fmt"

// State is a step of a build agent run.
type State string

// Build agent states.
const (
	StateInit       State = "INIT"
	StateCloning    State = "CLONING"
	StateInstalling State = "INSTALLING"
	StateBuilding   State = "BUILDING"
	StateUploading  State = "UPLOADING"
	StateDone       State = "DONE"
	StateFailed     State = "FAILED"
)

// forward lists the non-failure successor of each state. CLONING may be
// skipped when the source directory is already populated.
var forward = map[State][]State{
	StateInit:       {StateCloning, StateInstalling},
	StateCloning:    {StateInstalling},
	StateInstalling: {StateBuilding},
	StateBuilding:   {StateUploading},
	StateUploading:  {StateDone},
}

// IsTerminal reports whether no transition leaves s.
func (s State) IsTerminal() bool {
	return s == StateDone || s == StateFailed
}

// CanTransitionTo reports whether the run may move from s to next.
func (s State) CanTransitionTo(next State) bool {
	if s.IsTerminal() {
		return false
	}
	if next == StateFailed {
		return true
	}
	for _, allowed := range forward[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type transitionError struct {
	from, to State
}

func (e *transitionError) Error() string {
	return fmt.Sprintf("invalid agent transition %s -> %s", e.from, e.to)
}
