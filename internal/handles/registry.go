// Package handles implements the per-node handle registry: the store of
// every interface (publication, input, endpoint, filter) known locally,
// keyed by its InterfaceHandle and by its string key.
package handles

import (
	"fmt"
	"sync"

	"github.com/tenzoki/agen/coresim/internal/envelope"
)

// Kind distinguishes the four interface variants a handle can name.
type Kind int

const (
	KindPublication Kind = iota
	KindInput
	KindEndpoint
	KindFilter
)

// Record is what the registry stores per handle: enough to answer Lookup
// and LookupByKey without reaching into the interface-specific state the
// ifaceinfo package owns.
type Record struct {
	Handle envelope.InterfaceHandle
	Kind   Kind
	Key    string
	Type   string
	Units  string
	Flags  envelope.Flags
}

// Registry is a process-wide store of every interface handle known to one
// node (federate, core, or broker). Mutations go through an internal lock
// so it can be shared safely between a node's worker goroutine and any
// public API callers on other goroutines.
type Registry struct {
	mu      sync.RWMutex
	byHandle map[envelope.InterfaceHandle]*Record
	byKey    map[string]*Record // "kind:key" -> Record
	next     envelope.InterfaceHandle
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		byHandle: make(map[envelope.InterfaceHandle]*Record),
		byKey:    make(map[string]*Record),
	}
}

func keyOf(kind Kind, key string) string {
	return fmt.Sprintf("%d:%s", kind, key)
}

// Register allocates a new locally-unique handle for (kind, key) and
// stores its metadata. Registering a duplicate (kind, key) is a
// registration error, not silently accepted, since duplicate names would
// otherwise make LookupByKey ambiguous.
func (r *Registry) Register(kind Kind, key, typ, units string, flags envelope.Flags) (envelope.InterfaceHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := keyOf(kind, key)
	if _, exists := r.byKey[k]; exists {
		return envelope.InvalidHandle, fmt.Errorf("handles: duplicate registration for kind=%d key=%q", kind, key)
	}

	r.next++
	rec := &Record{Handle: r.next, Kind: kind, Key: key, Type: typ, Units: units, Flags: flags}
	r.byHandle[r.next] = rec
	r.byKey[k] = rec
	return r.next, nil
}

// Lookup returns the record for handle, if any.
func (r *Registry) Lookup(h envelope.InterfaceHandle) (*Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.byHandle[h]
	return rec, ok
}

// LookupByKey resolves a (kind, key) pair to its handle.
func (r *Registry) LookupByKey(kind Kind, key string) (*Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.byKey[keyOf(kind, key)]
	return rec, ok
}

// ForEach invokes fn for every record of the given kind. fn must not call
// back into the registry; ForEach holds the read lock for its duration.
func (r *Registry) ForEach(kind Kind, fn func(*Record)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rec := range r.byHandle {
		if rec.Kind == kind {
			fn(rec)
		}
	}
}

// Remove retires a handle. Per spec.md §3 invariant 5, callers are
// responsible for draining any in-flight envelopes that reference h before
// calling Remove; the registry itself only forgets the mapping.
func (r *Registry) Remove(h envelope.InterfaceHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byHandle[h]
	if !ok {
		return
	}
	delete(r.byHandle, h)
	delete(r.byKey, keyOf(rec.Kind, rec.Key))
}
