package ifaceinfo

import (
	"github.com/tenzoki/agen/coresim/internal/cstime"
	"github.com/tenzoki/agen/coresim/internal/envelope"
)

// Filter is the per-interface bookkeeping for a registered message filter.
//
// The transform a filter applies to a message in flight belongs to the
// federate that registered it, external to this module (spec.md §1); this
// module's own job is the diversion the core performs around that
// transform: a message bound for (or sent from) one of this filter's
// Targets is routed into the filter's own queue instead of continuing
// straight to its endpoint, and held there until the owning federate drains
// it with GetMessage, transforms it, and re-sends zero, one, or many
// SEND_MESSAGE envelopes in its place (spec.md §4.7).
type Filter struct {
	Key        string
	InputType  string
	OutputType string

	// DestFilter is true for a filter that runs just before delivery to
	// its target endpoint, false for one that runs at the source.
	DestFilter bool

	// Targets is the set of endpoint handles this filter applies to.
	Targets map[envelope.GlobalHandle]struct{}

	messageQueue
}

// NewFilter returns an empty Filter.
func NewFilter(key, inputType, outputType string, destFilter bool) *Filter {
	return &Filter{
		Key: key, InputType: inputType, OutputType: outputType, DestFilter: destFilter,
		Targets: make(map[envelope.GlobalHandle]struct{}),
	}
}

// AddTarget binds an endpoint to this filter.
func (f *Filter) AddTarget(h envelope.GlobalHandle) {
	f.Targets[h] = struct{}{}
}

// AppliesTo reports whether this filter targets h.
func (f *Filter) AppliesTo(h envelope.GlobalHandle) bool {
	_, ok := f.Targets[h]
	return ok
}

// Enqueue diverts msg into this filter's queue, ordered the same way an
// endpoint's inbox is (spec.md §4.7).
func (f *Filter) Enqueue(msg EndpointMessage) { f.messageQueue.enqueue(msg) }

// GetMessage removes and returns the earliest-ordered diverted message
// whose Time is less than or equal to currentTime.
func (f *Filter) GetMessage(currentTime cstime.Time) (msg EndpointMessage, ok bool) {
	return f.messageQueue.getMessage(currentTime)
}

// HasPendingMessage reports whether a diverted message is ready at
// currentTime, without removing anything.
func (f *Filter) HasPendingMessage(currentTime cstime.Time) bool {
	return f.messageQueue.hasPending(currentTime)
}

// PendingCount returns the number of diverted messages awaiting the owning
// federate.
func (f *Filter) PendingCount() int { return f.messageQueue.pendingCount() }
