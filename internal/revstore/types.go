// Package revstore is the revision store: the document/revision tree with
// conflict tracking, transactional bulk mutation, filtered change feeds, and
// content-addressed attachment linkage.
package revstore

import (
	"time"

	"github.com/edirooss/litedb/internal/document"
	"github.com/edirooss/litedb/pkg/blobstore"
)

// Revision is one immutable node in a document's revision tree.
type Revision struct {
	DocID      string
	ID         string // "{generation}-{hash}"
	Generation int
	ParentID   string // empty for generation 1
	Deleted    bool
	Sequence   int64
	Body       document.Body // reserved keys already stripped
	Attachments map[string]Attachment
	Timestamp  time.Time

	// Placeholder marks an ancestor entry created by forceInsert to connect
	// a replicated revision toward a known root; its body is absent.
	Placeholder bool
}

// Attachment is the linkage record for one named attachment on a revision:
// bytes live in the blob store keyed by Digest.
type Attachment struct {
	Name          string
	ContentType   string
	Length        int64
	Digest        blobstore.Digest
	RevPos        int
	Encoding      string
	EncodedLength int64
}

// Change is one entry in the change feed: a committed revision plus whether
// it originated from replication (External = true).
type Change struct {
	Sequence int64
	DocID    string
	Revision *Revision
	External bool
}

// docTree holds every revision known for one document id, keyed by revid.
type docTree struct {
	revisions map[string]*Revision
}

func newDocTree() *docTree {
	return &docTree{revisions: make(map[string]*Revision)}
}

// clone returns a shallow copy of t: a new revisions map pointing at the
// same *Revision values (revisions are immutable once written, so sharing
// them across the clone is safe). Used by Txn to snapshot pre-transaction
// state for rollback.
func (t *docTree) clone() *docTree {
	out := newDocTree()
	for id, r := range t.revisions {
		out.revisions[id] = r
	}
	return out
}

// leaves returns every revision in the tree with no child pointing at it.
func (t *docTree) leaves() []*Revision {
	hasChild := make(map[string]bool, len(t.revisions))
	for _, r := range t.revisions {
		if r.ParentID != "" {
			hasChild[r.ParentID] = true
		}
	}
	var out []*Revision
	for id, r := range t.revisions {
		if !hasChild[id] {
			out = append(out, r)
		}
	}
	return out
}

// winner picks the current revision deterministically: among non-deleted
// leaves, highest generation then lexicographically greatest revid; if every
// leaf is a deletion, the document is deleted and winner returns the winning
// tombstone.
func (t *docTree) winner() *Revision {
	leaves := t.leaves()
	if len(leaves) == 0 {
		return nil
	}

	var best *Revision
	pick := func(candidates []*Revision) *Revision {
		var top *Revision
		for _, r := range candidates {
			if top == nil || better(r, top) {
				top = r
			}
		}
		return top
	}

	var live []*Revision
	for _, r := range leaves {
		if !r.Deleted {
			live = append(live, r)
		}
	}
	if len(live) > 0 {
		best = pick(live)
	} else {
		best = pick(leaves)
	}
	return best
}

// better reports whether a should win over b: higher generation first, then
// lexicographically greater revid.
func better(a, b *Revision) bool {
	if a.Generation != b.Generation {
		return a.Generation > b.Generation
	}
	return a.ID > b.ID
}

// history walks from rev toward the root, oldest-last (rev itself is first).
func (t *docTree) history(revID string) []*Revision {
	var chain []*Revision
	cur, ok := t.revisions[revID]
	for ok {
		chain = append(chain, cur)
		if cur.ParentID == "" {
			break
		}
		cur, ok = t.revisions[cur.ParentID]
	}
	return chain
}
