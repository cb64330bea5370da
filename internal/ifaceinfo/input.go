package ifaceinfo

import (
	"bytes"
	"sort"

	"github.com/tenzoki/agen/coresim/internal/cstime"
	"github.com/tenzoki/agen/coresim/internal/envelope"
)

// ValueRecord is one queued publication value: a (time, iteration, payload)
// triple plus the global insertion sequence used to break exact-key ties in
// favor of the most recently appended record ("last write wins",
// spec.md §3 invariant 2).
type ValueRecord struct {
	Time      cstime.Time
	Iteration uint32
	Payload   []byte
	seq       uint64
}

func (v ValueRecord) lessOrEqualKey(t cstime.Time, iter uint32) bool {
	if v.Time != t {
		return v.Time < t
	}
	return v.Iteration <= iter
}

// AdvanceMode selects which records a grant makes visible, per spec.md §4.6.
type AdvanceMode int

const (
	// UpdateUpTo pops every record with time strictly less than the grant.
	UpdateUpTo AdvanceMode = iota
	// UpdateInclusive pops every record with time less than or equal to
	// the grant.
	UpdateInclusive
	// UpdateNextIteration pops every record at exactly the grant time up
	// to the current iteration index.
	UpdateNextIteration
)

// Input is the per-interface state for a value a federate observes.
type Input struct {
	Key                string
	Type               string
	Units              string
	Required           bool
	OnlyUpdateOnChange bool

	// SourceTypes records each bound source's declared output type,
	// looked up when a unit/type conversion is needed at delivery time.
	SourceTypes map[envelope.GlobalHandle]string

	queues  map[envelope.GlobalHandle][]ValueRecord
	current []byte
	updated bool
	seq     uint64
}

// NewInput returns an empty Input.
func NewInput(key, typ, units string, required, onlyUpdateOnChange bool) *Input {
	return &Input{
		Key: key, Type: typ, Units: units,
		Required: required, OnlyUpdateOnChange: onlyUpdateOnChange,
		SourceTypes: make(map[envelope.GlobalHandle]string),
		queues:      make(map[envelope.GlobalHandle][]ValueRecord),
	}
}

// BindSource connects a publication as a source of this input.
func (in *Input) BindSource(src envelope.GlobalHandle, sourceType string) {
	in.SourceTypes[src] = sourceType
	if _, ok := in.queues[src]; !ok {
		in.queues[src] = nil
	}
}

// Enqueue appends a value to src's queue, preserving the queue's
// non-decreasing (time, iteration) order; equal keys are appended (not
// merged) so "last write wins" can be resolved at advance time.
func (in *Input) Enqueue(src envelope.GlobalHandle, t cstime.Time, iter uint32, payload []byte) {
	in.seq++
	rec := ValueRecord{Time: t, Iteration: iter, Payload: payload, seq: in.seq}
	q := in.queues[src]
	// Queues arrive already close to sorted (single-route FIFO); insert
	// at the correct position rather than assuming strict append order.
	i := sort.Search(len(q), func(i int) bool { return !q[i].lessOrEqualKey(t, iter) })
	q = append(q, ValueRecord{})
	copy(q[i+1:], q[i:])
	q[i] = rec
	in.queues[src] = q
}

// Advance pops every queued record (across all sources) satisfying mode
// relative to grantTime, and sets CurrentData to the one with the greatest
// (time, iteration) key among those popped, breaking ties by insertion
// order (the last-appended record wins). Reports whether the value
// actually changed.
func (in *Input) Advance(grantTime cstime.Time, currentIteration uint32, mode AdvanceMode) bool {
	var winner *ValueRecord
	for src, q := range in.queues {
		keep := q[:0:0]
		for _, rec := range q {
			match := false
			switch mode {
			case UpdateUpTo:
				match = rec.Time < grantTime
			case UpdateInclusive:
				match = rec.Time <= grantTime
			case UpdateNextIteration:
				match = rec.Time == grantTime && rec.Iteration <= currentIteration
			}
			if !match {
				keep = append(keep, rec)
				continue
			}
			if winner == nil || isNewer(rec, *winner) {
				r := rec
				winner = &r
			}
		}
		in.queues[src] = keep
	}

	in.updated = false
	if winner == nil {
		return false
	}
	if in.OnlyUpdateOnChange && bytes.Equal(winner.Payload, in.current) {
		return false
	}
	in.current = winner.Payload
	in.updated = true
	return true
}

func isNewer(a, b ValueRecord) bool {
	if a.Time != b.Time {
		return a.Time > b.Time
	}
	if a.Iteration != b.Iteration {
		return a.Iteration > b.Iteration
	}
	return a.seq > b.seq
}

// CurrentData returns the value most recently moved out of the data queue.
func (in *Input) CurrentData() []byte { return in.current }

// IsUpdated reports whether the most recent Advance changed CurrentData.
func (in *Input) IsUpdated() bool { return in.updated }

// PendingCount returns the number of still-queued records across all
// sources, for diagnostics and tests.
func (in *Input) PendingCount() int {
	n := 0
	for _, q := range in.queues {
		n += len(q)
	}
	return n
}
