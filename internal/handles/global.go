package handles

import (
	"sync"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/tenzoki/agen/coresim/internal/envelope"
)

// GlobalTable is the broker-side registry mapping a fully-qualified
// interface name to its resolved GlobalHandle, used to resolve a
// late-joining subscriber's string target once the matching publication
// is known (spec.md §4.3).
//
// The underlying map is the source of truth; a bounded ristretto cache
// sits in front of it purely to avoid repeatedly walking a large
// topology's name table under lock on every lookup. A cache miss always
// falls through to the map, so a cold cache never produces a wrong
// answer — only a slower one.
type GlobalTable struct {
	mu    sync.RWMutex
	names map[string]envelope.GlobalHandle
	cache *ristretto.Cache[string, envelope.GlobalHandle]
}

// NewGlobalTable returns an empty GlobalTable with a modest default cache.
func NewGlobalTable() (*GlobalTable, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[string, envelope.GlobalHandle]{
		NumCounters: 10_000,
		MaxCost:     1_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &GlobalTable{
		names: make(map[string]envelope.GlobalHandle),
		cache: cache,
	}, nil
}

// Bind records the resolved handle for name.
func (g *GlobalTable) Bind(name string, h envelope.GlobalHandle) {
	g.mu.Lock()
	g.names[name] = h
	g.mu.Unlock()
	g.cache.Set(name, h, 1)
}

// Resolve looks up name, checking the cache before the authoritative map.
func (g *GlobalTable) Resolve(name string) (envelope.GlobalHandle, bool) {
	if h, ok := g.cache.Get(name); ok {
		return h, true
	}
	g.mu.RLock()
	h, ok := g.names[name]
	g.mu.RUnlock()
	if ok {
		g.cache.Set(name, h, 1)
	}
	return h, ok
}

// Unbind removes name from both the map and the cache (e.g. on
// deregistration).
func (g *GlobalTable) Unbind(name string) {
	g.mu.Lock()
	delete(g.names, name)
	g.mu.Unlock()
	g.cache.Del(name)
}
