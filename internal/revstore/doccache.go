package revstore

import (
	"sync"
	"weak"
)

// documentCache caches each document's current winning revision behind a
// weak pointer. GetDocument still computes the tree's winner on every call
// and returns the cached handle only when it names that same winner.
// Because the pointer is weak, a revision Compact
// prunes away is free to be collected the moment nothing else references
// it; the cache never keeps a pruned revision alive on its own, and a
// lookup whose pointer has gone nil is simply treated as a miss and
// recomputed from the tree, never returned stale.
type documentCache struct {
	mu      sync.Mutex
	entries map[string]cachedRevision
}

type cachedRevision struct {
	ptr   weak.Pointer[Revision]
	revID string
}

func newDocumentCache() *documentCache {
	return &documentCache{entries: make(map[string]cachedRevision)}
}

// get returns the cached handle for docID if its weak pointer is still
// live and still names currentRevID (the tree's current winner); otherwise
// it reports a miss so the caller revalidates against the tree directly.
func (c *documentCache) get(docID, currentRevID string) (*Revision, bool) {
	c.mu.Lock()
	e, ok := c.entries[docID]
	c.mu.Unlock()
	if !ok || e.revID != currentRevID {
		return nil, false
	}
	rev := e.ptr.Value()
	if rev == nil {
		return nil, false
	}
	return rev, true
}

// put records rev as docID's current handle.
func (c *documentCache) put(docID string, rev *Revision) {
	c.mu.Lock()
	c.entries[docID] = cachedRevision{ptr: weak.Make(rev), revID: rev.ID}
	c.mu.Unlock()
}

// evict drops any cached handle for docID, used when a document is
// mutated so a stale winner is never served from cache.
func (c *documentCache) evict(docID string) {
	c.mu.Lock()
	delete(c.entries, docID)
	c.mu.Unlock()
}

// clear flushes every cached handle.
func (c *documentCache) clear() {
	c.mu.Lock()
	c.entries = make(map[string]cachedRevision)
	c.mu.Unlock()
}
