// Package fedstate implements the federate lifecycle state machine
// (spec.md §3/§4.4): the sequence every federate moves through from
// registration to finalization, and the iteration policy that governs
// whether a federate may request the same time again.
package fedstate

import "fmt"

// State is a federate's position in its lifecycle.
type State int

const (
	Created State = iota
	HasDependencies
	Initializing
	Executing
	Finalizing
	Finalized
	ErrorState
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case HasDependencies:
		return "has_dependencies"
	case Initializing:
		return "initializing"
	case Executing:
		return "executing"
	case Finalizing:
		return "finalizing"
	case Finalized:
		return "finalized"
	case ErrorState:
		return "error"
	default:
		return "unknown"
	}
}

// IterationPolicy governs whether a federate may request a grant at the
// same time it was just granted (spec.md §4.4).
type IterationPolicy int

const (
	NoIteration IterationPolicy = iota
	ForceIteration
	IterateIfNeeded
)

// transitions lists the legal moves; a move not present here is rejected.
var transitions = map[State]map[State]bool{
	Created:         {HasDependencies: true, Initializing: true, ErrorState: true},
	HasDependencies: {Initializing: true, ErrorState: true},
	Initializing:    {Executing: true, ErrorState: true},
	Executing:       {Finalizing: true, ErrorState: true},
	Finalizing:      {Finalized: true, ErrorState: true},
	Finalized:       {},
	ErrorState:      {},
}

// Machine tracks one federate's lifecycle state and iteration policy.
type Machine struct {
	state    State
	policy   IterationPolicy
	federate string
}

// New returns a Machine in the Created state.
func New(federate string, policy IterationPolicy) *Machine {
	return &Machine{state: Created, policy: policy, federate: federate}
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Policy returns the federate's iteration policy.
func (m *Machine) Policy() IterationPolicy { return m.policy }

// Transition moves to next, or returns an error naming the illegal move.
func (m *Machine) Transition(next State) error {
	allowed, ok := transitions[m.state]
	if !ok || !allowed[next] {
		return fmt.Errorf("fedstate: %s: illegal transition %s -> %s", m.federate, m.state, next)
	}
	m.state = next
	return nil
}

// MayIterateAt reports whether, given the policy, a federate is allowed to
// request the same time it was just granted rather than advancing.
func (m *Machine) MayIterateAt(requestedSameTime bool, iterationComplete bool) bool {
	switch m.policy {
	case NoIteration:
		return false
	case ForceIteration:
		return requestedSameTime && !iterationComplete
	case IterateIfNeeded:
		return requestedSameTime && !iterationComplete
	default:
		return false
	}
}
