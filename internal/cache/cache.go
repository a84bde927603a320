// Package cache implements the Cache Layer (§4.H): an LRU memoizing
// serialized query responses keyed by a query fingerprint, invalidated
// on writes whose scope intersects a cached entry's scope chain.
package cache

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/memtree/memengine/internal/types"
)

// Entry is a cached response: the final results for a fingerprinted
// query, minus the cursor (cursors are request-specific and re-signed
// on every call, never cached — §4.H).
type Entry struct {
	Results    []types.ScoredEntry
	TotalCount int
	ScopeChain []types.Scope // every scope this query's result set could be invalidated by
	sizeBytes  int64
}

// Cache is a size- and count-bounded LRU over query fingerprints, with
// scope-chain invalidation on write.
type Cache struct {
	mu         sync.Mutex
	lru        *lru.Cache[string, *Entry]
	maxBytes   int64
	usedBytes  int64
	// byScope indexes fingerprints by every scope in their chain, so a
	// write under one scope can evict every cached query touching it
	// without scanning the whole LRU.
	byScope map[string]map[string]bool

	subsMu sync.Mutex
	subs   map[chan struct{}]bool // invalidation subscribers, for query.watch
}

// New creates a Cache bounded by maxEntries (LRU eviction) and maxBytes
// (soft byte budget tracked via each Entry's estimated size).
func New(maxEntries int, maxBytes int64) (*Cache, error) {
	c := &Cache{maxBytes: maxBytes, byScope: make(map[string]map[string]bool), subs: make(map[chan struct{}]bool)}
	evictCb := func(fingerprint string, entry *Entry) {
		c.usedBytes -= entry.sizeBytes
		c.unindexScopes(fingerprint, entry)
	}
	l, err := lru.NewWithEvict[string, *Entry](maxEntries, evictCb)
	if err != nil {
		return nil, err
	}
	c.lru = l
	return c, nil
}

// Get returns the cached entry for fingerprint, if present.
func (c *Cache) Get(fingerprint string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Get(fingerprint)
}

// Put stores results under fingerprint, tagged with every scope in
// scopeChain for later invalidation.
func (c *Cache) Put(fingerprint string, results []types.ScoredEntry, totalCount int, scopeChain []types.Scope) {
	entry := &Entry{
		Results:    results,
		TotalCount: totalCount,
		ScopeChain: scopeChain,
		sizeBytes:  estimateSize(results),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.lru.Peek(fingerprint); ok {
		c.usedBytes -= old.sizeBytes
		c.unindexScopes(fingerprint, old)
	}

	c.lru.Add(fingerprint, entry)
	c.usedBytes += entry.sizeBytes
	c.indexScopes(fingerprint, entry)

	for c.usedBytes > c.maxBytes && c.lru.Len() > 0 {
		_, _, ok := c.lru.RemoveOldest()
		if !ok {
			break
		}
	}
}

// InvalidateScope evicts every cached entry whose scope chain includes
// scope — the semantics required when a write lands under that scope
// (§4.H "any write under a scope evicts all keys whose scope set
// intersects the write's scope chain").
func (c *Cache) InvalidateScope(scope types.Scope) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := scope.String()
	fingerprints, ok := c.byScope[key]
	if !ok {
		return
	}
	for fp := range fingerprints {
		c.lru.Remove(fp)
	}
	c.broadcast()
}

// Subscribe registers for a notification on every future invalidation
// (the signal query.watch re-runs a live subscription on — §4 supplemented
// feature). cancel unregisters and must be called once the caller is
// done, or the channel leaks.
func (c *Cache) Subscribe() (ch <-chan struct{}, cancel func()) {
	sub := make(chan struct{}, 1)
	c.subsMu.Lock()
	c.subs[sub] = true
	c.subsMu.Unlock()

	return sub, func() {
		c.subsMu.Lock()
		delete(c.subs, sub)
		c.subsMu.Unlock()
	}
}

func (c *Cache) broadcast() {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for sub := range c.subs {
		select {
		case sub <- struct{}{}:
		default: // subscriber hasn't drained the last signal yet; coalesce
		}
	}
}

// InvalidateChain evicts every cached entry touching any scope in chain,
// used after a write whose effects propagate up the inheritance chain
// (e.g. a session-scoped write also invalidates project/org/global
// queries that inherited it).
func (c *Cache) InvalidateChain(chain []types.Scope) {
	for _, s := range chain {
		c.InvalidateScope(s)
	}
}

func (c *Cache) indexScopes(fingerprint string, entry *Entry) {
	for _, s := range entry.ScopeChain {
		key := s.String()
		set, ok := c.byScope[key]
		if !ok {
			set = make(map[string]bool)
			c.byScope[key] = set
		}
		set[fingerprint] = true
	}
}

func (c *Cache) unindexScopes(fingerprint string, entry *Entry) {
	for _, s := range entry.ScopeChain {
		key := s.String()
		if set, ok := c.byScope[key]; ok {
			delete(set, fingerprint)
			if len(set) == 0 {
				delete(c.byScope, key)
			}
		}
	}
}

// Len reports the number of cached entries, for the status/health
// snapshot (§4 supplemented feature "status/health").
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Clear evicts every cached entry, used by the Admin `reset` contract
// after the backing store has been truncated (§3 "Destroy: reserved for
// administrative reset only").
func (c *Cache) Clear() {
	c.mu.Lock()
	c.lru.Purge()
	c.byScope = make(map[string]map[string]bool)
	c.usedBytes = 0
	c.mu.Unlock()
	c.broadcast()
}

func estimateSize(results []types.ScoredEntry) int64 {
	var total int64
	for _, r := range results {
		total += int64(len(r.Entry.Name) + len(r.Entry.Category))
		if r.Version != nil {
			total += int64(len(r.Version.Content) + len(r.Version.Rationale) + len(r.Version.Examples))
		}
		total += 64 // fixed overhead per row (scores, ids, timestamps)
	}
	return total
}
