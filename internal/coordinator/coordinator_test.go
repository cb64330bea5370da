package coordinator

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/metric/noop"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/tenzoki/agen/coresim/internal/coreerr"
	"github.com/tenzoki/agen/coresim/internal/cstime"
	"github.com/tenzoki/agen/coresim/internal/envelope"
	"github.com/tenzoki/agen/coresim/internal/fedstate"
)

func newTestCoordinator(t *testing.T, self envelope.GlobalFederateId) *Coordinator {
	t.Helper()
	c, err := New(self, nooptrace.NewTracerProvider().Tracer("test"), noop.NewMeterProvider().Meter("test"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestGrantBoundedByUpstreamDependency(t *testing.T) {
	const self envelope.GlobalFederateId = 1
	const upstream envelope.GlobalFederateId = 2

	c := newTestCoordinator(t, self)
	c.AddDependency(upstream)
	c.UpdateDependency(upstream, cstime.FromSeconds(3), cstime.FromSeconds(3), cstime.MinTime, upstream, false)

	grant, granted, iterating, err := c.RequestTime(context.Background(), cstime.FromSeconds(5), fedstate.NoIteration)
	if err != nil {
		t.Fatal(err)
	}
	if granted {
		t.Fatalf("expected request for t=5 to be blocked by upstream bound, got granted=%v at %v", granted, grant)
	}
	if grant != cstime.FromSeconds(3) {
		t.Fatalf("expected bounded grant of 3, got %v", grant)
	}

	grant, granted, iterating, err = c.RequestTime(context.Background(), cstime.FromSeconds(3), fedstate.NoIteration)
	if err != nil {
		t.Fatal(err)
	}
	if !granted || grant != cstime.FromSeconds(3) {
		t.Fatalf("expected request for t=3 to be fully granted, got granted=%v at %v", granted, grant)
	}
	if iterating {
		t.Fatal("expected a non-iterating grant with no dependency reporting iteration")
	}
	if c.LastGrant() != cstime.FromSeconds(3) {
		t.Fatalf("expected LastGrant to record 3, got %v", c.LastGrant())
	}
}

func TestGrantTakesMinimumAcrossMultipleDependencies(t *testing.T) {
	const self envelope.GlobalFederateId = 1
	c := newTestCoordinator(t, self)
	c.AddDependency(2)
	c.AddDependency(3)
	c.UpdateDependency(2, cstime.FromSeconds(10), cstime.FromSeconds(10), cstime.MinTime, 2, false)
	c.UpdateDependency(3, cstime.FromSeconds(4), cstime.FromSeconds(4), cstime.MinTime, 3, false)

	grant := c.Evaluate(context.Background(), cstime.FromSeconds(100))
	if grant != cstime.FromSeconds(4) {
		t.Fatalf("expected the tighter of two dependencies (4) to bound the grant, got %v", grant)
	}
}

func TestTdeminIgnoredWhenMinFedClosesCycleBackToSelf(t *testing.T) {
	// self (1) and dep (2) form a two-federate cycle; dep reports a
	// Tdemin bound whose minFed is self, meaning that floor was derived
	// from self's own state and must not be fed back into self's grant
	// (spec.md §4.5 cycle-breaking rule, echoed by the two-federate
	// Newton-iteration scenario in spec.md §8).
	const self envelope.GlobalFederateId = 1
	const dep envelope.GlobalFederateId = 2

	c := newTestCoordinator(t, self)
	c.AddDependency(dep)
	c.UpdateDependency(dep, cstime.FromSeconds(1), cstime.FromSeconds(1), cstime.FromSeconds(3), self, false)

	grant := c.Evaluate(context.Background(), cstime.FromSeconds(5))
	if grant != cstime.FromSeconds(1) {
		t.Fatalf("expected NextTime (1) to bound the grant with Tdemin ignored, got %v", grant)
	}
}

func TestNoDependenciesGrantsImmediately(t *testing.T) {
	c := newTestCoordinator(t, 1)
	grant, granted, _, err := c.RequestTime(context.Background(), cstime.FromSeconds(7), fedstate.NoIteration)
	if err != nil {
		t.Fatal(err)
	}
	if !granted || grant != cstime.FromSeconds(7) {
		t.Fatalf("expected an unbounded federate to be granted its request, got granted=%v at %v", granted, grant)
	}
}

func TestCausalityViolationLatchesCoordinatorIntoError(t *testing.T) {
	c := newTestCoordinator(t, 1)
	grant, granted, _, err := c.RequestTime(context.Background(), cstime.FromSeconds(5), fedstate.NoIteration)
	if err != nil || !granted || grant != cstime.FromSeconds(5) {
		t.Fatalf("setup: expected a clean grant of 5, got granted=%v grant=%v err=%v", granted, grant, err)
	}

	// A dependency reporting a next_time behind the already-granted time
	// forces a would-be regression, which must raise a fatal causality
	// error rather than simply block (spec.md §4.5 step 3, §8 causality
	// guard).
	c.AddDependency(2)
	c.UpdateDependency(2, cstime.FromSeconds(4), cstime.FromSeconds(4), cstime.MinTime, 2, false)

	_, granted, _, err = c.RequestTime(context.Background(), cstime.FromSeconds(10), fedstate.NoIteration)
	if granted {
		t.Fatal("expected a regressing grant to never be granted")
	}
	if err == nil {
		t.Fatal("expected a causality error, got none")
	}
	if _, ok := err.(*coreerr.CausalityError); !ok {
		t.Fatalf("expected a *coreerr.CausalityError, got %T: %v", err, err)
	}

	// A subsequent RequestTime must return the same error immediately, not
	// block waiting for further dependency reports.
	_, granted, _, err2 := c.RequestTime(context.Background(), cstime.FromSeconds(10), fedstate.NoIteration)
	if granted || err2 == nil {
		t.Fatal("expected the coordinator to stay latched into its fatal error")
	}
}

func TestNoIterationNeverGrantsSameTimeTwice(t *testing.T) {
	c := newTestCoordinator(t, 1)
	grant, granted, _, err := c.RequestTime(context.Background(), cstime.FromSeconds(5), fedstate.NoIteration)
	if err != nil || !granted || grant != cstime.FromSeconds(5) {
		t.Fatalf("setup: expected a clean grant of 5, got granted=%v grant=%v err=%v", granted, grant, err)
	}

	grant, granted, _, err = c.RequestTime(context.Background(), cstime.FromSeconds(5), fedstate.NoIteration)
	if err != nil {
		t.Fatal(err)
	}
	if granted {
		t.Fatal("expected a no_iteration federate to never be granted the same time twice")
	}
	if grant != cstime.FromSeconds(5) {
		t.Fatalf("expected the withheld grant to still report the bound, got %v", grant)
	}
}

func TestIterateIfNeededOnlyReentersWhenADependencyIsUnconverged(t *testing.T) {
	const self envelope.GlobalFederateId = 1
	const dep envelope.GlobalFederateId = 2
	c := newTestCoordinator(t, self)
	c.AddDependency(dep)
	c.UpdateDependency(dep, cstime.FromSeconds(5), cstime.FromSeconds(5), cstime.MinTime, dep, false)

	grant, granted, _, err := c.RequestTime(context.Background(), cstime.FromSeconds(5), fedstate.IterateIfNeeded)
	if err != nil || !granted || grant != cstime.FromSeconds(5) {
		t.Fatalf("setup: expected a clean grant of 5, got granted=%v grant=%v err=%v", granted, grant, err)
	}

	// No dependency is reporting unconverged iteration, so a same-time
	// request must be withheld exactly like no_iteration.
	_, granted, _, err = c.RequestTime(context.Background(), cstime.FromSeconds(5), fedstate.IterateIfNeeded)
	if err != nil {
		t.Fatal(err)
	}
	if granted {
		t.Fatal("expected iterate_if_needed to withhold a same-time grant with no dependency unconverged")
	}

	// Once the dependency reports it is still iterating, the same-time
	// grant is allowed and carries iterating=true.
	c.UpdateDependency(dep, cstime.FromSeconds(5), cstime.FromSeconds(5), cstime.MinTime, dep, true)
	grant, granted, iterating, err := c.RequestTime(context.Background(), cstime.FromSeconds(5), fedstate.IterateIfNeeded)
	if err != nil {
		t.Fatal(err)
	}
	if !granted || grant != cstime.FromSeconds(5) {
		t.Fatalf("expected the same-time grant once a dependency is unconverged, got granted=%v grant=%v", granted, grant)
	}
	if !iterating {
		t.Fatal("expected the grant to carry iterating=true")
	}
}

func TestForceIterationAlwaysReentersAtSameTime(t *testing.T) {
	c := newTestCoordinator(t, 1)
	grant, granted, _, err := c.RequestTime(context.Background(), cstime.FromSeconds(5), fedstate.ForceIteration)
	if err != nil || !granted || grant != cstime.FromSeconds(5) {
		t.Fatalf("setup: expected a clean grant of 5, got granted=%v grant=%v err=%v", granted, grant, err)
	}

	grant, granted, iterating, err := c.RequestTime(context.Background(), cstime.FromSeconds(5), fedstate.ForceIteration)
	if err != nil {
		t.Fatal(err)
	}
	if !granted || grant != cstime.FromSeconds(5) {
		t.Fatalf("expected force_iteration to re-grant the same time, got granted=%v grant=%v", granted, grant)
	}
	if !iterating {
		t.Fatal("expected a force_iteration same-time re-entry to carry iterating=true")
	}
}

func TestBarrierReleasesOnlyAfterAllArrive(t *testing.T) {
	b := NewBarrier([]envelope.GlobalFederateId{1, 2, 3})
	b.Arrive(1)
	b.Arrive(2)
	if b.Released() {
		t.Fatal("barrier must not release until every participant arrives")
	}
	b.Arrive(3)
	if !b.Released() {
		t.Fatal("barrier must release once every participant has arrived")
	}
	if err := b.Wait(context.Background()); err != nil {
		t.Fatalf("Wait on a released barrier must return immediately without error: %v", err)
	}
}

func TestBarrierWaitRespectsContextCancellation(t *testing.T) {
	b := NewBarrier([]envelope.GlobalFederateId{1, 2})
	b.Arrive(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := b.Wait(ctx); err == nil {
		t.Fatal("expected Wait to return an error once context is canceled")
	}
}
