package coordinator

import (
	"context"
	"sync"

	"github.com/tenzoki/agen/coresim/internal/envelope"
)

// Barrier implements the two-phase entry used for EnterInitializingMode and
// EnterExecutingMode (spec.md §4.4 Open Question, resolved to the
// EnterInitializingMode spelling): every registered participant must call
// Arrive before any of them proceeds past Wait, matching the
// request/acknowledge round trip a broker or core root performs between
// federates entering the same phase together.
type Barrier struct {
	mu       sync.Mutex
	expected map[envelope.GlobalFederateId]bool
	arrived  int
	released chan struct{}
}

// NewBarrier returns a Barrier awaiting arrival from every federate in
// participants.
func NewBarrier(participants []envelope.GlobalFederateId) *Barrier {
	b := &Barrier{
		expected: make(map[envelope.GlobalFederateId]bool, len(participants)),
		released: make(chan struct{}),
	}
	for _, p := range participants {
		b.expected[p] = false
	}
	if len(participants) == 0 {
		close(b.released)
	}
	return b
}

// Arrive records fed's arrival. It is a no-op if fed is not a registered
// participant or has already arrived.
func (b *Barrier) Arrive(fed envelope.GlobalFederateId) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if already, ok := b.expected[fed]; !ok || already {
		return
	}
	b.expected[fed] = true
	b.arrived++
	if b.arrived == len(b.expected) {
		close(b.released)
	}
}

// Wait blocks until every participant has arrived or ctx is canceled.
func (b *Barrier) Wait(ctx context.Context) error {
	select {
	case <-b.released:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Released reports whether every participant has arrived.
func (b *Barrier) Released() bool {
	select {
	case <-b.released:
		return true
	default:
		return false
	}
}
