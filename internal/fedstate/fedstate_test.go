package fedstate

import "testing"

func TestLegalLifecycleSequence(t *testing.T) {
	m := New("fed1", NoIteration)
	steps := []State{HasDependencies, Initializing, Executing, Finalizing, Finalized}
	for _, s := range steps {
		if err := m.Transition(s); err != nil {
			t.Fatalf("unexpected error transitioning to %s: %v", s, err)
		}
	}
	if m.State() != Finalized {
		t.Fatalf("expected Finalized, got %s", m.State())
	}
}

func TestIllegalTransitionRejected(t *testing.T) {
	m := New("fed1", NoIteration)
	if err := m.Transition(Finalized); err == nil {
		t.Fatal("expected Created -> Finalized to be rejected")
	}
}

func TestFinalizedIsTerminal(t *testing.T) {
	m := New("fed1", NoIteration)
	for _, s := range []State{Initializing, Executing, Finalizing, Finalized} {
		if err := m.Transition(s); err != nil {
			t.Fatal(err)
		}
	}
	if err := m.Transition(Executing); err == nil {
		t.Fatal("expected no transitions out of Finalized")
	}
}

func TestIterationPolicies(t *testing.T) {
	forced := New("fed-forced", ForceIteration)
	if !forced.MayIterateAt(true, false) {
		t.Fatal("ForceIteration should allow re-request at the same time when not yet converged")
	}
	if forced.MayIterateAt(true, true) {
		t.Fatal("ForceIteration should not allow iterating once the round is marked complete")
	}

	none := New("fed-none", NoIteration)
	if none.MayIterateAt(true, false) {
		t.Fatal("NoIteration must never allow re-requesting the same time")
	}
}
