package revstore

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/edirooss/litedb/internal/dberrors"
	"github.com/edirooss/litedb/internal/document"
)

// Txn scopes one writer transaction: a scoped acquisition of the single
// writer lock, rolled back on a failure return. All revisions inserted
// through txn in one InTransaction call commit together or not at all, and
// subscribers observe exactly one notification for the whole batch.
type Txn struct {
	s *Store

	// snapshot of docTree pointers touched in this txn, captured the first
	// time each docid is touched, so a rollback can restore them verbatim.
	dirty map[string]*docTree

	seqBefore       int64
	changeLogBefore int
	walSizeBefore   int64

	committed []Change
}

// InTransaction runs fn holding the single writer lock for its full scope.
// If fn returns an error, every write fn made (directly or via nested Put/
// ForceInsert calls) is rolled back and the error is returned unchanged.
func (s *Store) InTransaction(fn func(txn *Txn) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	walSize, err := s.wal.size()
	if err != nil {
		return fmt.Errorf("%w: %v", dberrors.ErrIO, err)
	}

	txn := &Txn{
		s:               s,
		dirty:           make(map[string]*docTree),
		seqBefore:       s.nextSeq,
		changeLogBefore: len(s.changeLog),
		walSizeBefore:   walSize,
	}

	if err := fn(txn); err != nil {
		txn.rollback()
		return err
	}

	if len(txn.committed) > 0 {
		s.notify(txn.committed)
	}
	return nil
}

// snapshotFor records tree's pre-txn state the first time docID is touched.
func (t *Txn) snapshotFor(docID string) *docTree {
	if _, ok := t.dirty[docID]; ok {
		return t.s.docs[docID]
	}
	existing := t.s.docs[docID]
	if existing == nil {
		t.dirty[docID] = nil
		return nil
	}
	t.dirty[docID] = existing.clone()
	return existing
}

func (t *Txn) rollback() {
	s := t.s
	for docID, snap := range t.dirty {
		if snap == nil {
			delete(s.docs, docID)
		} else {
			s.docs[docID] = snap
		}
	}
	s.nextSeq = t.seqBefore
	s.changeLog = s.changeLog[:t.changeLogBefore]
	if err := s.wal.truncate(t.walSizeBefore); err != nil {
		s.log.Error("rollback: truncate wal failed", zap.Error(err))
	}
}

// Put inserts a client-initiated revision within the enclosing transaction.
func (t *Txn) Put(docID, parentRev string, body document.Body, deleted bool) (*Revision, error) {
	s := t.s

	if docID == "" {
		docID = newDocID()
	}
	tree := t.touch(docID)

	var current *Revision
	if tree != nil {
		current = tree.winner()
	}

	// Conflict check: the write must target the current winning leaf,
	// unless this is the very first revision of a brand-new document.
	if current == nil {
		if parentRev != "" {
			return nil, fmt.Errorf("%w: parent %q given for nonexistent document %q", dberrors.ErrConflict, parentRev, docID)
		}
	} else if current.ID != parentRev {
		return nil, fmt.Errorf("%w: parent %q is not the current revision %q of %q", dberrors.ErrConflict, parentRev, current.ID, docID)
	}

	stripped := document.StripReserved(body)

	proposed := &Revision{DocID: docID, ParentID: parentRev, Body: stripped, Deleted: deleted}
	for _, v := range s.validations {
		if err := v.Validate(NewValidationContext(current, proposed)); err != nil {
			return nil, err
		}
	}

	generation := 1
	if current != nil {
		generation = current.Generation + 1
	}
	revID, err := newRevID(generation, parentRev, stripped, deleted)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", dberrors.ErrBadRequest, err)
	}

	var parentAtts map[string]Attachment
	if current != nil {
		parentAtts = current.Attachments
	}
	atts, err := linkAttachments(s.blobs, parentAtts, body, generation)
	if err != nil {
		return nil, err
	}
	bodyWithoutAtts := document.StripReserved(stripped)
	delete(bodyWithoutAtts, document.KeyAtts)

	rev := &Revision{
		DocID:       docID,
		ID:          revID,
		Generation:  generation,
		ParentID:    parentRev,
		Deleted:     deleted,
		Body:        bodyWithoutAtts,
		Attachments: atts,
		Timestamp:   nowFn(),
	}

	if tree == nil {
		tree = newDocTree()
		s.docs[docID] = tree
		t.dirty[docID] = nil // nothing to restore to but the doc itself
	}
	if err := t.commitRevision(tree, rev, false); err != nil {
		return nil, err
	}
	return rev, nil
}

// ForceInsert inserts a replicated revision (and any missing ancestor
// placeholders) within the enclosing transaction. Validation predicates are
// never run against replicated revisions.
func (t *Txn) ForceInsert(in ForceInsertInput) (*Revision, error) {
	s := t.s
	if in.DocID == "" || in.RevID == "" {
		return nil, fmt.Errorf("%w: docid and revid are required", dberrors.ErrBadRequest)
	}

	tree := t.touch(in.DocID)
	if tree == nil {
		tree = newDocTree()
		s.docs[in.DocID] = tree
	}

	if existing, ok := tree.revisions[in.RevID]; ok {
		if existing.Placeholder {
			// Materialize: the ancestor walk of an earlier ForceInsert
			// created this as a history-only marker; fill in its body now.
			// Revisions are immutable once written, so this replaces the
			// map entry with a new value rather than mutating existing
			// (which a rollback snapshot may still be pointing at).
			materialized := &Revision{
				DocID:       existing.DocID,
				ID:          existing.ID,
				Generation:  existing.Generation,
				ParentID:    existing.ParentID,
				Deleted:     in.Deleted,
				Body:        document.StripReserved(in.Body),
				Attachments: in.Attachments,
				Timestamp:   existing.Timestamp,
			}
			tree.revisions[in.RevID] = materialized
			if err := s.wal.append(toWALRecord(materialized, false)); err != nil {
				return nil, fmt.Errorf("%w: %v", dberrors.ErrIO, err)
			}
			return materialized, nil
		}
		if !bodyEquivalent(existing, in) {
			return nil, fmt.Errorf("%w: %s/%s already exists with a different body", dberrors.ErrConflict, in.DocID, in.RevID)
		}
		return existing, nil // idempotent re-insert
	}

	parentID := ""
	for i, aid := range in.AncestorIDs {
		if _, ok := tree.revisions[aid]; ok {
			parentID = aid
			continue
		}
		placeholder := &Revision{
			DocID:       in.DocID,
			ID:          aid,
			Generation:  i + 1,
			ParentID:    parentID,
			Placeholder: true,
			Timestamp:   nowFn(),
		}
		if err := t.commitRevision(tree, placeholder, true); err != nil {
			return nil, err
		}
		parentID = aid
	}

	rev := &Revision{
		DocID:       in.DocID,
		ID:          in.RevID,
		Generation:  len(in.AncestorIDs) + 1,
		ParentID:    parentID,
		Deleted:     in.Deleted,
		Body:        document.StripReserved(in.Body),
		Attachments: in.Attachments,
		Timestamp:   nowFn(),
	}
	if err := t.commitRevision(tree, rev, true); err != nil {
		return nil, err
	}
	return rev, nil
}

// touch records (if not already recorded) the pre-txn snapshot for docID
// and returns the live tree (nil if the document doesn't exist yet).
func (t *Txn) touch(docID string) *docTree {
	return t.snapshotFor(docID)
}

// commitRevision assigns a sequence, stores rev in tree, appends the WAL
// record, and queues it for the single post-commit notification.
func (t *Txn) commitRevision(tree *docTree, rev *Revision, external bool) error {
	s := t.s
	rev.Sequence = s.nextSeq
	s.nextSeq++

	tree.revisions[rev.ID] = rev
	s.changeLog = append(s.changeLog, logEntry{Seq: rev.Sequence, DocID: rev.DocID})
	s.docCache.evict(rev.DocID)

	if err := s.wal.append(toWALRecord(rev, external)); err != nil {
		return fmt.Errorf("%w: %v", dberrors.ErrIO, err)
	}
	t.committed = append(t.committed, Change{Sequence: rev.Sequence, DocID: rev.DocID, Revision: rev, External: external})
	return nil
}

func toWALRecord(rev *Revision, external bool) walRecord {
	return walRecord{
		Seq:         rev.Sequence,
		DocID:       rev.DocID,
		RevID:       rev.ID,
		ParentID:    rev.ParentID,
		Generation:  rev.Generation,
		Deleted:     rev.Deleted,
		Placeholder: rev.Placeholder,
		Body:        rev.Body,
		Attachments: rev.Attachments,
		Timestamp:   rev.Timestamp,
		External:    external,
	}
}

func bodyEquivalent(existing *Revision, in ForceInsertInput) bool {
	if existing.Deleted != in.Deleted {
		return false
	}
	return mapsEqual(existing.Body, document.StripReserved(in.Body))
}

func mapsEqual(a, b document.Body) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		bv, ok := b[k]
		if !ok || !valuesEqual(v, bv) {
			return false
		}
	}
	return true
}
