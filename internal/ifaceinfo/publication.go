// Package ifaceinfo implements the four interface-info variants —
// publication, input, endpoint, filter — as a closed tagged sum rather
// than an inheritance hierarchy (spec.md §9): the set of variants never
// grows, and the dispatch points (register, accept envelope, snapshot for
// a query) are few enough that a type switch on Kind is clearer than a
// shared virtual interface.
package ifaceinfo

import "github.com/tenzoki/agen/coresim/internal/envelope"

// Publication is the per-interface state for a value a federate sends.
type Publication struct {
	Key   string
	Type  string
	Units string

	// Subscribers is the set of input global handles currently bound to
	// this publication. Connections are established at or before entry to
	// the execution state and are not removed within this core
	// thereafter (spec.md §3 lifecycle rule).
	Subscribers map[envelope.GlobalHandle]struct{}
}

// NewPublication returns an empty Publication ready to accept subscribers.
func NewPublication(key, typ, units string) *Publication {
	return &Publication{Key: key, Type: typ, Units: units, Subscribers: make(map[envelope.GlobalHandle]struct{})}
}

// AddSubscriber binds an input to this publication.
func (p *Publication) AddSubscriber(h envelope.GlobalHandle) {
	p.Subscribers[h] = struct{}{}
}

// SubscriberList returns the bound subscribers in no particular order;
// callers that need determinism (tests) should sort the result.
func (p *Publication) SubscriberList() []envelope.GlobalHandle {
	out := make([]envelope.GlobalHandle, 0, len(p.Subscribers))
	for h := range p.Subscribers {
		out = append(out, h)
	}
	return out
}
