package ifaceinfo

import (
	"sort"

	"github.com/tenzoki/agen/coresim/internal/cstime"
	"github.com/tenzoki/agen/coresim/internal/envelope"
)

// EndpointMessage is one message queued at an endpoint, ordered by
// (Time, OriginalSource) with insertion order as the final tiebreak so two
// messages with an identical key are delivered in the order they arrived
// (spec.md §4.7).
type EndpointMessage struct {
	Time           cstime.Time
	OriginalSource string
	Dest           envelope.GlobalHandle
	Payload        []byte
	seq            uint64
}

// messageQueue is the sorted-slice FIFO-on-ties queue shared by Endpoint
// and Filter (spec.md §4.7 orders both an endpoint's inbox and a filter's
// diversion queue the same way).
//
// The queue is kept as a sorted slice rather than container/heap: the
// ordering key includes a string field, and a slice with sort.Search
// insertion makes the stable-FIFO-on-ties behavior explicit instead of
// relying on heap siftdown order, which is not stable.
type messageQueue struct {
	items []EndpointMessage
	seq   uint64
}

func less(a, b EndpointMessage) bool {
	if a.Time != b.Time {
		return a.Time < b.Time
	}
	if a.OriginalSource != b.OriginalSource {
		return a.OriginalSource < b.OriginalSource
	}
	return a.seq < b.seq
}

func (q *messageQueue) enqueue(msg EndpointMessage) {
	q.seq++
	msg.seq = q.seq
	i := sort.Search(len(q.items), func(i int) bool { return !less(q.items[i], msg) })
	q.items = append(q.items, EndpointMessage{})
	copy(q.items[i+1:], q.items[i:])
	q.items[i] = msg
}

func (q *messageQueue) getMessage(currentTime cstime.Time) (msg EndpointMessage, ok bool) {
	if len(q.items) == 0 || q.items[0].Time > currentTime {
		return EndpointMessage{}, false
	}
	msg = q.items[0]
	q.items = q.items[1:]
	return msg, true
}

func (q *messageQueue) hasPending(currentTime cstime.Time) bool {
	return len(q.items) > 0 && q.items[0].Time <= currentTime
}

func (q *messageQueue) pendingCount() int { return len(q.items) }

// Endpoint is the per-interface state for a federate's message endpoint.
type Endpoint struct {
	Key    string
	Type   string
	Global envelope.GlobalHandle

	messageQueue
}

// NewEndpoint returns an empty Endpoint.
func NewEndpoint(key, typ string, global envelope.GlobalHandle) *Endpoint {
	return &Endpoint{Key: key, Type: typ, Global: global}
}

// Enqueue inserts msg into the queue at its sorted position.
func (e *Endpoint) Enqueue(msg EndpointMessage) { e.messageQueue.enqueue(msg) }

// GetMessage removes and returns the earliest-ordered message whose Time is
// less than or equal to currentTime. ok is false if the queue is empty or
// its earliest message is still in the future.
func (e *Endpoint) GetMessage(currentTime cstime.Time) (msg EndpointMessage, ok bool) {
	return e.messageQueue.getMessage(currentTime)
}

// HasPendingMessage reports whether GetMessage(currentTime) would succeed,
// without removing anything.
func (e *Endpoint) HasPendingMessage(currentTime cstime.Time) bool {
	return e.messageQueue.hasPending(currentTime)
}

// PendingCount returns the number of queued messages.
func (e *Endpoint) PendingCount() int { return e.messageQueue.pendingCount() }
