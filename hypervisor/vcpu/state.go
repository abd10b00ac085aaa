package vcpu

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/atomicbitops"
)

// State is the lifecycle state of a VCPU.
type State uint32

const (
	Off State = iota
	Initializing
	Launching
	Running
	Terminating
	Terminated
)

var stateNames = [...]string{"off", "initializing", "launching", "running", "terminating", "terminated"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint32(s))
}

// TransitionError reports a lifecycle operation attempted in the wrong state.
type TransitionError struct {
	Op   string
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("vcpu: %s: cannot move from %s to %s", e.Op, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool { return target == ErrState }

type state struct {
	v atomicbitops.Uint32
}

func (s *state) load() State { return State(s.v.Load()) }

func (s *state) store(v State) { s.v.Store(uint32(v)) }

// transition moves from one state to the next, failing if another
// transition got there first.
func (s *state) transition(op string, from, to State) error {
	if !s.v.CompareAndSwap(uint32(from), uint32(to)) {
		return &TransitionError{Op: op, From: s.load(), To: to}
	}
	return nil
}
