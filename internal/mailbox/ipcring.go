// IPC ring: the cross-process counterpart to Mailbox, backed by a single
// shared-memory segment split into push | pull | priority regions. Each
// region stores variable-length records that grow forward from the region
// start while an index of (offset, size) entries grows backward from the
// region end; a record fits only if there is room for both.
//
// When pullRegion empties, push and pull are swapped under pullLock and
// the index is reversed so the oldest record pops first. Per spec.md §9,
// priority pushes always serialize on pullLock (not a separate pushLock),
// since consumers read the priority region first and a push/pop race there
// is the one that would be externally visible.
package mailbox

import (
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// indexEntrySize is the width of one (offset uint32, size uint32) index
// entry growing backward from a region's end.
const indexEntrySize = 8

// region is one push/pull/priority segment within the ring's backing
// memory: a window into the shared byte slice plus its own write cursors.
type region struct {
	buf        []byte // the full region slice
	dataEnd    int    // next free byte offset, growing forward
	indexStart int    // next free index slot, growing backward from len(buf)
}

func newRegion(buf []byte) *region {
	return &region{buf: buf, dataEnd: 0, indexStart: len(buf)}
}

func (r *region) reset() {
	r.dataEnd = 0
	r.indexStart = len(r.buf)
}

func (r *region) count() int {
	return (len(r.buf) - r.indexStart) / indexEntrySize
}

func (r *region) empty() bool { return r.count() == 0 }

// fits reports whether a record of n bytes can be appended without the
// data cursor and the index cursor colliding.
func (r *region) fits(n int) bool {
	return r.dataEnd+n+indexEntrySize <= r.indexStart
}

// push appends a record's bytes and an index entry recording its
// (offset, size).
func (r *region) push(data []byte) error {
	if !r.fits(len(data)) {
		return fmt.Errorf("ipcring: region full: need %d bytes, have %d", len(data)+indexEntrySize, r.indexStart-r.dataEnd)
	}
	copy(r.buf[r.dataEnd:], data)
	offset := uint32(r.dataEnd)
	size := uint32(len(data))
	r.dataEnd += len(data)

	r.indexStart -= indexEntrySize
	binary.LittleEndian.PutUint32(r.buf[r.indexStart:], offset)
	binary.LittleEndian.PutUint32(r.buf[r.indexStart+4:], size)
	return nil
}

// entries returns the (offset, size) pairs in push order (oldest first).
// The index was written newest-first growing backward from the end, so
// reading it back-to-front yields insertion order.
func (r *region) entries() [][2]uint32 {
	n := r.count()
	out := make([][2]uint32, n)
	for i := 0; i < n; i++ {
		pos := len(r.buf) - (i+1)*indexEntrySize
		offset := binary.LittleEndian.Uint32(r.buf[pos:])
		size := binary.LittleEndian.Uint32(r.buf[pos+4:])
		out[i] = [2]uint32{offset, size}
	}
	return out
}

// IPCRing is a shared-memory blocking priority queue matching the Mailbox
// contract for cross-process mailboxes. The backing memory is an anonymous
// MAP_SHARED mapping obtained via unix.Mmap; it has no file descriptor, so
// only processes forked after the mapping see the same bytes, and the lock
// and condition variables guarding it are process-local Go values.
type IPCRing struct {
	backing []byte // the full mmap'd segment

	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond

	push     *region
	pull     *region
	priority *region

	// pullCursor indexes into pull.entries(), the next record to return.
	pullCursor int
	pullOrder  [][2]uint32

	priCursor int
	priOrder  [][2]uint32
}

// NewIPCRing allocates a new anonymous shared-memory ring of totalSize
// bytes, split evenly into push, pull, and priority regions.
func NewIPCRing(totalSize int) (*IPCRing, error) {
	buf, err := unix.Mmap(-1, 0, totalSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("ipcring: mmap: %w", err)
	}
	third := totalSize / 3
	r := &IPCRing{
		backing:  buf,
		push:     newRegion(buf[0:third]),
		pull:     newRegion(buf[third : 2*third]),
		priority: newRegion(buf[2*third:]),
	}
	r.notEmpty = sync.NewCond(&r.mu)
	r.notFull = sync.NewCond(&r.mu)
	return r, nil
}

// Close releases the backing shared-memory segment.
func (r *IPCRing) Close() error {
	return unix.Munmap(r.backing)
}

// Push appends data to the push region, swapping it into pull if pull is
// currently empty so a waiting consumer observes it immediately.
func (r *IPCRing) Push(data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.push.push(data); err != nil {
		return err
	}
	if r.pull.empty() {
		r.swapLocked()
	}
	r.notEmpty.Signal()
	return nil
}

// PushPriority appends to the priority region. Per spec.md §9 this always
// serializes on the same lock a Pop uses to read priority records (pullLock
// in the spec's vocabulary; here simply r.mu, since this ring uses a single
// lock rather than separate push/pull locks).
func (r *IPCRing) PushPriority(data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.priority.push(data); err != nil {
		return err
	}
	r.priOrder = r.priority.entries()
	r.notEmpty.Signal()
	return nil
}

// swapLocked exchanges push and pull when pull has been drained, reversing
// the freshly-swapped region's index so the oldest record pops first.
// Caller must hold r.mu.
func (r *IPCRing) swapLocked() {
	r.push, r.pull = r.pull, r.push
	r.push.reset()
	r.pullOrder = r.pull.entries()
	r.pullCursor = 0
	r.notFull.Signal()
}

// Empty reports whether both the pull and priority regions are drained and
// nothing is staged in push.
func (r *IPCRing) Empty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.emptyLocked()
}

func (r *IPCRing) emptyLocked() bool {
	return r.push.empty() && r.pull.empty() && r.priority.empty()
}

// Pop blocks until a record is available, returning priority records
// before pull records, and releases a popped record's slot for reuse once
// every entry in its region has been consumed.
func (r *IPCRing) Pop() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for r.emptyLocked() {
		r.notEmpty.Wait()
	}
	return r.popLocked(), nil
}

func (r *IPCRing) popLocked() []byte {
	if r.priCursor < len(r.priOrder) {
		e := r.priOrder[r.priCursor]
		r.priCursor++
		out := make([]byte, e[1])
		copy(out, r.priority.buf[e[0]:e[0]+e[1]])
		if r.priCursor == len(r.priOrder) {
			r.priority.reset()
			r.priOrder = nil
			r.priCursor = 0
		}
		return out
	}
	if r.pullCursor >= len(r.pullOrder) && !r.push.empty() {
		r.swapLocked()
	}
	e := r.pullOrder[r.pullCursor]
	r.pullCursor++
	out := make([]byte, e[1])
	copy(out, r.pull.buf[e[0]:e[0]+e[1]])
	if r.pullCursor == len(r.pullOrder) {
		r.pull.reset()
		r.pullOrder = nil
		r.pullCursor = 0
	}
	return out
}
