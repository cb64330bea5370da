// Package coordinator implements the time coordination algorithm that
// decides when a federate may be granted the time it requested, given the
// reported state of every federate it depends on (spec.md §4.5).
//
// The algorithm: each dependency reports a (next_time, Tdemin, minFed)
// triple. next_time is the earliest time the dependency could still send a
// new event; Tdemin is the floor the dependency's own downstream chain
// imposes on it. The upstream bound for a grant is
//
//	T_upstream = min over deps of max(dep.next_time, dep.Tdemin)
//
// and the grantable time is min(requested, T_upstream). A dependency whose
// reported minFed equals this coordinator's own federate id sits on a
// dependency cycle that closes back here; its Tdemin is then ignored
// (replaced by MinTime, leaving that dependency's next_time as its only
// bound) so the cycle does not deadlock itself waiting on
// its own downstream floor (spec.md §4.5 cycle-breaking rule).
//
// lastGrant starts at cstime.MinTime, so a bound of MinTime from a
// dependency that has not reported yet withholds the grant instead of
// counting as a regression.
package coordinator

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/tenzoki/agen/coresim/internal/coreerr"
	"github.com/tenzoki/agen/coresim/internal/cstime"
	"github.com/tenzoki/agen/coresim/internal/envelope"
	"github.com/tenzoki/agen/coresim/internal/fedstate"
)

// DependencyState is what this coordinator tracks about one upstream
// federate it depends on for time.
type DependencyState struct {
	Federate         envelope.GlobalFederateId
	LastGrantTime    cstime.Time
	NextTime         cstime.Time
	Te               cstime.Time
	Tdemin           cstime.Time
	MinFed           envelope.GlobalFederateId
	Iterating        bool
	Converged        bool
	RestrictiveGrant bool
}

// Coordinator computes grantable times for one federate against the set of
// federates it depends on.
type Coordinator struct {
	self envelope.GlobalFederateId

	mu         sync.Mutex
	deps       map[envelope.GlobalFederateId]*DependencyState
	dependents map[envelope.GlobalFederateId]struct{}
	lastGrant  cstime.Time

	// fatal latches once a causality violation is detected (spec.md §4.5
	// step 3, §8 causality guard): every RequestTime call after that point
	// returns this same error immediately rather than attempting to grant
	// or block.
	fatal error

	tracer trace.Tracer
	grants metric.Int64Counter
}

// New returns a Coordinator for federate self. tracer and meter may be the
// no-op implementations from go.opentelemetry.io/otel if the caller has
// not configured a provider; Coordinator works unconditionally either way.
func New(self envelope.GlobalFederateId, tracer trace.Tracer, meter metric.Meter) (*Coordinator, error) {
	grants, err := meter.Int64Counter(
		"coresim.coordinator.grants",
		metric.WithDescription("number of time grants computed by this coordinator"),
	)
	if err != nil {
		return nil, err
	}
	return &Coordinator{
		self:       self,
		deps:       make(map[envelope.GlobalFederateId]*DependencyState),
		dependents: make(map[envelope.GlobalFederateId]struct{}),
		lastGrant:  cstime.MinTime,
		tracer:     tracer,
		grants:     grants,
	}, nil
}

// AddDependency registers fed as a federate this coordinator must wait on.
func (c *Coordinator) AddDependency(fed envelope.GlobalFederateId) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.deps[fed]; ok {
		return
	}
	c.deps[fed] = &DependencyState{Federate: fed, NextTime: cstime.MinTime, Tdemin: cstime.MinTime, MinFed: fed}
}

// RemoveDependency forgets fed; used on disconnect or dependency teardown.
func (c *Coordinator) RemoveDependency(fed envelope.GlobalFederateId) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.deps, fed)
}

// AddDependent records that fed depends on this coordinator's federate for
// time, purely for bookkeeping — this coordinator does not compute grants
// for dependents, only tracks who needs telling about its own Tdemin.
func (c *Coordinator) AddDependent(fed envelope.GlobalFederateId) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dependents[fed] = struct{}{}
}

// Dependents returns the current dependent set.
func (c *Coordinator) Dependents() []envelope.GlobalFederateId {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]envelope.GlobalFederateId, 0, len(c.dependents))
	for f := range c.dependents {
		out = append(out, f)
	}
	return out
}

// UpdateDependency records a dependency's latest reported state, as
// delivered by an ActionTimeGrant or ActionTimeGrantIterative from that
// federate.
func (c *Coordinator) UpdateDependency(fed envelope.GlobalFederateId, nextTime, te, tdemin cstime.Time, minFed envelope.GlobalFederateId, iterating bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.deps[fed]
	if !ok {
		d = &DependencyState{Federate: fed}
		c.deps[fed] = d
	}
	d.NextTime = nextTime
	d.Te = te
	d.Tdemin = tdemin
	d.MinFed = minFed
	d.Iterating = iterating
}

// upstreamBound computes T_upstream, the ceiling imposed by every tracked
// dependency, applying the minFed cycle-breaking rule. Caller must hold
// c.mu.
func (c *Coordinator) upstreamBound() cstime.Time {
	bound := cstime.MaxTime
	for _, d := range c.deps {
		tdemin := d.Tdemin
		if d.MinFed == c.self {
			// d's downstream floor closes back through us; using it here
			// would make our own grant depend on itself, so it is
			// discarded rather than allowed to raise the bound.
			tdemin = cstime.MinTime
		}
		b := d.NextTime
		if tdemin > b {
			b = tdemin
		}
		if b < bound {
			bound = b
		}
	}
	return bound
}

// Evaluate computes the time grantable right now for a request of
// requested, without mutating any state. The caller inspects whether the
// returned time satisfies the request (Grant) or falls short (must keep
// waiting, spec.md §4.5).
func (c *Coordinator) Evaluate(ctx context.Context, requested cstime.Time) cstime.Time {
	_, span := c.tracer.Start(ctx, "coordinator.Evaluate")
	defer span.End()

	c.mu.Lock()
	bound := c.upstreamBound()
	c.mu.Unlock()

	grant := requested
	if bound < grant {
		grant = bound
	}
	span.SetAttributes(
		attribute.Int64("coresim.requested_time", int64(requested)),
		attribute.Int64("coresim.upstream_bound", int64(bound)),
		attribute.Int64("coresim.grant_time", int64(grant)),
	)
	return grant
}

// anyDependencyIterating reports whether any tracked dependency's latest
// report indicated unconverged iteration (spec.md §4.5 step 5). Caller must
// hold c.mu.
func (c *Coordinator) anyDependencyIterating() bool {
	for _, d := range c.deps {
		if d.Iterating {
			return true
		}
	}
	return false
}

// RequestTime evaluates requested under policy and, if the bound allows the
// request to be fully satisfied, commits the grant (advancing lastGrant)
// and reports granted=true, with iterating set when the grant is a
// same-time re-entry rather than an advancing step (spec.md §4.5 steps
// 3-6). If the upstream bound falls short of requested, no state changes
// and granted is false — the caller should keep the request pending and
// retry once a dependency reports new state.
//
// A grant that would move time backward relative to the last one actually
// committed is a fatal causality violation (spec.md §4.5 step 3, §8
// causality guard): it latches this coordinator permanently, and err is
// non-nil on every RequestTime call from that point on, never just a block.
func (c *Coordinator) RequestTime(ctx context.Context, requested cstime.Time, policy fedstate.IterationPolicy) (grantTime cstime.Time, granted bool, iterating bool, err error) {
	ctx, span := c.tracer.Start(ctx, "coordinator.RequestTime")
	defer span.End()

	c.mu.Lock()
	if c.fatal != nil {
		err := c.fatal
		c.mu.Unlock()
		span.SetAttributes(attribute.Bool("coresim.granted", false))
		return cstime.Zero, false, false, err
	}
	lastGrant := c.lastGrant
	c.mu.Unlock()

	grant := c.Evaluate(ctx, requested)

	if grant < lastGrant {
		causalityErr := &coreerr.CausalityError{
			Federate: c.self,
			Message:  fmt.Sprintf("grant %v would regress before last granted time %v", grant, lastGrant),
		}
		c.mu.Lock()
		c.fatal = causalityErr
		c.mu.Unlock()
		span.SetAttributes(attribute.Bool("coresim.granted", false))
		return grant, false, false, causalityErr
	}

	c.mu.Lock()
	anyIterating := c.anyDependencyIterating()
	c.mu.Unlock()

	if grant == lastGrant {
		// spec.md §4.5 step 4, refined by the per-policy definitions in
		// §4.4: no_iteration never re-enters at the same time, and
		// iterate_if_needed only does so when a dependency is actually
		// unconverged. force_iteration always proceeds.
		switch policy {
		case fedstate.NoIteration:
			span.SetAttributes(attribute.Bool("coresim.granted", false))
			return grant, false, false, nil
		case fedstate.IterateIfNeeded:
			if !anyIterating {
				span.SetAttributes(attribute.Bool("coresim.granted", false))
				return grant, false, false, nil
			}
		}
	}

	if grant < requested {
		span.SetAttributes(attribute.Bool("coresim.granted", false))
		return grant, false, false, nil
	}

	sameTime := grant == lastGrant

	c.mu.Lock()
	c.lastGrant = grant
	c.mu.Unlock()

	// A same-time re-entry is itself an iteration regardless of dependency
	// state (force_iteration's own definition, spec.md §4.4); an advancing
	// grant is still flagged iterating if a dependency hasn't converged
	// (spec.md §4.5 step 5). no_iteration forbids the label outright, and
	// never reaches a same-time grant in the first place.
	iterating = policy != fedstate.NoIteration && (anyIterating || sameTime)

	c.grants.Add(ctx, 1, metric.WithAttributes(attribute.Int64("coresim.federate", int64(c.self))))
	span.SetAttributes(
		attribute.Bool("coresim.granted", true),
		attribute.Bool("coresim.iterating", iterating),
		attribute.Int64("coresim.grant_time", int64(grant)),
	)
	return grant, true, iterating, nil
}

// LastGrant returns the most recent time actually granted to this
// federate, or cstime.MinTime before the first grant.
func (c *Coordinator) LastGrant() cstime.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastGrant
}

// Self returns the federate id this coordinator computes grants for.
func (c *Coordinator) Self() envelope.GlobalFederateId { return c.self }
