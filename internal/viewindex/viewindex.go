// Package viewindex implements the map/view indexer: an incrementally
// maintained secondary index over a revision store, built by running a
// user-supplied map function against each document's winning revision.
package viewindex

import (
	"fmt"
	"sort"
	"sync"

	"github.com/edirooss/litedb/internal/document"
	"github.com/edirooss/litedb/internal/revstore"
)

// MapFunction is a named, configurable map predicate: given a document's
// body it emits zero or more (key, value) pairs via emit. Represented as a
// capability interface rather than a closure, the same shape as
// revstore.ValidationPredicate/FilterPredicate.
type MapFunction interface {
	Name() string
	// Fingerprint identifies the function's current definition. View does
	// not read it: the index lives in memory only, and each new View builds
	// it from sequence zero.
	Fingerprint() string
	Map(body document.Body, emit func(key, value any))
}

// Entry is one row of a view's index.
type Entry struct {
	Key      any
	Value    any
	DocID    string
	Sequence int64
}

// View is one named map index over a Store, updated incrementally from the
// sequence log.
type View struct {
	mapFn MapFunction
	store *revstore.Store

	mu                  sync.RWMutex
	entries             []Entry // sorted by (Key, DocID)
	lastSequenceIndexed int64
}

// New creates a view lazily; its index is empty until the first Update or
// Query call brings it up to date.
func New(store *revstore.Store, mapFn MapFunction) *View {
	return &View{
		store: store,
		mapFn: mapFn,
	}
}

// Name returns the underlying map function's name, the view's identity.
func (v *View) Name() string { return v.mapFn.Name() }

// LastSequenceIndexed returns the watermark up to which this view reflects
// the store's sequence log.
func (v *View) LastSequenceIndexed() int64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.lastSequenceIndexed
}

// Stale reports whether the view's watermark trails the store's current
// last sequence.
func (v *View) Stale() bool {
	return v.LastSequenceIndexed() < v.store.LastSequence()
}

// Update brings the index up to date with every revision committed since
// lastSequenceIndexed: for each affected document, in sequence order, its
// prior entries are dropped, the map function runs against the current
// winning revision (skipped entirely if the document is now deleted), and
// the watermark advances to the last sequence examined.
func (v *View) Update() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	changes, lastSeq, err := v.store.ChangesSince(v.lastSequenceIndexed, nil, nil, 0, false)
	if err != nil {
		return fmt.Errorf("view %s: changes since %d: %w", v.Name(), v.lastSequenceIndexed, err)
	}

	for _, c := range changes {
		v.dropDocLocked(c.DocID)

		if c.Revision.Deleted {
			continue
		}
		body := c.Revision.Body.Clone()
		v.mapFn.Map(body, func(key, value any) {
			v.entries = append(v.entries, Entry{Key: key, Value: value, DocID: c.DocID, Sequence: c.Sequence})
		})
	}

	sort.SliceStable(v.entries, func(i, j int) bool {
		return lessKey(v.entries[i].Key, v.entries[j].Key, v.entries[i].DocID, v.entries[j].DocID)
	})
	v.lastSequenceIndexed = lastSeq
	return nil
}

// dropDocLocked removes every entry previously emitted for docID. Caller
// must hold v.mu.
func (v *View) dropDocLocked(docID string) {
	if len(v.entries) == 0 {
		return
	}
	out := v.entries[:0]
	for _, e := range v.entries {
		if e.DocID != docID {
			out = append(out, e)
		}
	}
	v.entries = out
}

// Query parameters for a view read.
type Query struct {
	StartKey    any
	EndKey      any
	Descending  bool
	Skip        int
	Limit       int
	IncludeDocs bool
}

// Row is one query result row; Doc is populated only if Query.IncludeDocs
// was set.
type Row struct {
	Key      any
	Value    any
	DocID    string
	Sequence int64
	Doc      *revstore.Revision
}

// Query brings the view up to date, then returns the rows within
// [StartKey, EndKey] (inclusive, nil meaning unbounded), honoring
// Descending/Skip/Limit.
func (v *View) Query(q Query) ([]Row, error) {
	if err := v.Update(); err != nil {
		return nil, err
	}

	v.mu.RLock()
	snapshot := make([]Entry, len(v.entries))
	copy(snapshot, v.entries)
	v.mu.RUnlock()

	if q.Descending {
		for i, j := 0, len(snapshot)-1; i < j; i, j = i+1, j-1 {
			snapshot[i], snapshot[j] = snapshot[j], snapshot[i]
		}
	}

	var rows []Row
	for _, e := range snapshot {
		if !withinRange(e.Key, q.StartKey, q.EndKey, q.Descending) {
			continue
		}
		if q.Skip > 0 {
			q.Skip--
			continue
		}
		row := Row{Key: e.Key, Value: e.Value, DocID: e.DocID, Sequence: e.Sequence}
		if q.IncludeDocs {
			doc, err := v.store.GetDocument(e.DocID)
			if err == nil {
				row.Doc = doc
			}
		}
		rows = append(rows, row)
		if q.Limit > 0 && len(rows) >= q.Limit {
			break
		}
	}
	return rows, nil
}

func withinRange(key, start, end any, descending bool) bool {
	lo, hi := start, end
	if descending {
		lo, hi = end, start
	}
	if lo != nil && compareKeys(key, lo) < 0 {
		return false
	}
	if hi != nil && compareKeys(key, hi) > 0 {
		return false
	}
	return true
}

// lessKey orders entries by key then docid, used to keep the index sorted.
func lessKey(ak, bk any, adoc, bdoc string) bool {
	c := compareKeys(ak, bk)
	if c != 0 {
		return c < 0
	}
	return adoc < bdoc
}

// compareKeys orders two emitted keys. Supports the JSON-native scalar
// types a map function can emit: strings, float64/int, and bool; other
// types fall back to formatted-string comparison so Query never panics on
// an unexpected key type.
func compareKeys(a, b any) int {
	switch av := a.(type) {
	case string:
		if bv, ok := b.(string); ok {
			switch {
			case av < bv:
				return -1
			case av > bv:
				return 1
			default:
				return 0
			}
		}
	case float64:
		if bv, ok := toFloat(b); ok {
			switch {
			case av < bv:
				return -1
			case av > bv:
				return 1
			default:
				return 0
			}
		}
	case int:
		return compareKeys(float64(av), b)
	case int64:
		return compareKeys(float64(av), b)
	case bool:
		if bv, ok := b.(bool); ok {
			if av == bv {
				return 0
			}
			if !av && bv {
				return -1
			}
			return 1
		}
	}
	as, bs := fmt.Sprint(a), fmt.Sprint(b)
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	default:
		return 0
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
