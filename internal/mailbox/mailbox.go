// Package mailbox implements the single-consumer, multi-producer blocking
// priority queue that every federate, core, and broker worker uses as its
// inbox. Two lanes are maintained — priority (errors, disconnects,
// registration replies) and normal — and the priority lane always drains
// first.
//
// Called by: core
package mailbox

import (
	"container/list"
	"sync"
	"time"
)

// Mailbox is a blocking priority queue of arbitrary items.
type Mailbox struct {
	mu       sync.Mutex
	notEmpty *sync.Cond

	priority *list.List
	normal   *list.List

	waitCallback func()
}

// New returns an empty Mailbox ready for concurrent Push/Pop.
func New() *Mailbox {
	m := &Mailbox{
		priority: list.New(),
		normal:   list.New(),
	}
	m.notEmpty = sync.NewCond(&m.mu)
	return m
}

// Push enqueues an item on the normal lane.
func (m *Mailbox) Push(item any) {
	m.mu.Lock()
	m.normal.PushBack(item)
	m.mu.Unlock()
	m.notEmpty.Signal()
}

// PushPriority enqueues an item ahead of every normal-lane item. Among
// priority items themselves, FIFO order is preserved.
func (m *Mailbox) PushPriority(item any) {
	m.mu.Lock()
	m.priority.PushBack(item)
	m.mu.Unlock()
	m.notEmpty.Signal()
}

// Pop blocks until an item is available, returning priority items before
// any normal item.
func (m *Mailbox) Pop() any {
	m.mu.Lock()
	defer m.mu.Unlock()
	for m.priority.Len() == 0 && m.normal.Len() == 0 {
		if m.waitCallback != nil {
			cb := m.waitCallback
			m.mu.Unlock()
			cb()
			m.mu.Lock()
			// re-check: the callback may itself have pushed an item or
			// the state may have changed while the lock was released
			if m.priority.Len() > 0 || m.normal.Len() > 0 {
				break
			}
		}
		m.notEmpty.Wait()
	}
	return m.popLocked()
}

// PopWithTimeout returns within d whether or not an item arrived; ok is
// false on timeout.
func (m *Mailbox) PopWithTimeout(d time.Duration) (item any, ok bool) {
	deadline := time.Now().Add(d)

	m.mu.Lock()
	defer m.mu.Unlock()

	for m.priority.Len() == 0 && m.normal.Len() == 0 {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, false
		}
		// one short poll; the loop re-checks for an item and the deadline
		m.waitWithTimeout(remaining)
	}
	return m.popLocked(), true
}

// waitWithTimeout releases m.mu, sleeps for the shorter of d and a 2ms poll
// interval, and re-acquires m.mu; it holds m.mu on entry and on return. It
// reports whether an item is queued on return. sync.Cond has no native
// timeout, so this polls with a short sleep granularity, trading a little latency for simplicity — this
// mailbox is not on a hot per-message path at sub-millisecond scale.
func (m *Mailbox) waitWithTimeout(d time.Duration) bool {
	const poll = 2 * time.Millisecond
	step := poll
	if d < step {
		step = d
	}
	m.mu.Unlock()
	time.Sleep(step)
	m.mu.Lock()
	return m.priority.Len() > 0 || m.normal.Len() > 0
}

// TryPop returns the next item without blocking.
func (m *Mailbox) TryPop() (item any, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.priority.Len() == 0 && m.normal.Len() == 0 {
		return nil, false
	}
	return m.popLocked(), true
}

// TryPeek returns the next item without removing it, and without blocking.
func (m *Mailbox) TryPeek() (item any, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.priority.Len() > 0 {
		return m.priority.Front().Value, true
	}
	if m.normal.Len() > 0 {
		return m.normal.Front().Value, true
	}
	return nil, false
}

// PopWithWaitCallback blocks until an item is available, invoking fn each
// time the mailbox is observed empty before actually waiting. This drives
// pull-based transports (e.g. polling a socket) from the mailbox's own
// wait loop instead of requiring a separate goroutine.
func (m *Mailbox) PopWithWaitCallback(fn func()) any {
	m.mu.Lock()
	m.waitCallback = fn
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.waitCallback = nil
		m.mu.Unlock()
	}()
	return m.Pop()
}

// Len reports the total number of queued items across both lanes.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.priority.Len() + m.normal.Len()
}

func (m *Mailbox) popLocked() any {
	if m.priority.Len() > 0 {
		e := m.priority.Front()
		m.priority.Remove(e)
		return e.Value
	}
	e := m.normal.Front()
	m.normal.Remove(e)
	return e.Value
}
