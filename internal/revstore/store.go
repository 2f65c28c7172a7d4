package revstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/edirooss/litedb/internal/dberrors"
	"github.com/edirooss/litedb/internal/document"
	"github.com/edirooss/litedb/pkg/blobstore"
)

// Options configures a Store; zero values take documented defaults.
type Options struct {
	// CompactionDepth bounds revision-tree branch pruning (default 1000).
	CompactionDepth int
}

func (o *Options) setDefaults() {
	if o.CompactionDepth <= 0 {
		o.CompactionDepth = 1000
	}
}

// Store is the revision store for one database directory: documents table,
// revisions table (backed by the append-only sequence log), attachment
// linkage, and the writer serialization / reader snapshot concurrency model.
// A struct built from a *zap.Logger holding its sub-components, same shape
// as the repository types elsewhere in this codebase, except what it wraps
// is the revision tree itself rather than a client handle.
type Store struct {
	log  *zap.Logger
	opts Options
	dir  string

	blobs *blobstore.Store
	wal   *walLog

	// mu is the single writer lock: at most one writer transaction runs at
	// a time; readers (GetDocument, GetRevision, ChangesSince) take it only
	// briefly to snapshot state, never for the duration of a scan.
	mu      sync.Mutex
	nextSeq int64
	docs    map[string]*docTree
	// changeLog is the ordered sequence of (seq, docid) commits, the backing
	// structure for changesSince and the view indexer's high-water mark.
	changeLog []logEntry

	validations []ValidationPredicate

	subMu sync.Mutex
	subs  []*subscriber

	// docCache holds a weak-pointer handle to each document's last-known
	// winning revision; GetDocument returns it only while it still names the
	// tree's current winner. See documentCache's doc comment.
	docCache *documentCache
}

type logEntry struct {
	Seq   int64
	DocID string
}

// Open loads (or creates) a database rooted at dir: a "revisions.log"
// sequence log, a "blobs" attachment directory, and a "checkpoints.json"
// local-docs file (the latter owned by the replicate package).
func Open(log *zap.Logger, dir string, opts Options) (*Store, error) {
	opts.setDefaults()
	log = log.Named("revstore")

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	blobs, err := blobstore.Open(log, filepath.Join(dir, "blobs"))
	if err != nil {
		return nil, fmt.Errorf("open blob store: %w", err)
	}

	wal, records, err := openWAL(filepath.Join(dir, "revisions.log"))
	if err != nil {
		return nil, fmt.Errorf("open sequence log: %w", err)
	}

	s := &Store{
		log:      log,
		opts:     opts,
		dir:      dir,
		blobs:    blobs,
		wal:      wal,
		docs:     make(map[string]*docTree),
		docCache: newDocumentCache(),
	}
	s.replay(records)

	log.Info("revision store opened",
		zap.String("dir", dir),
		zap.Int64("last_sequence", s.nextSeq-1),
		zap.Int("documents", len(s.docs)),
	)
	return s, nil
}

func (s *Store) replay(records []walRecord) {
	for _, rec := range records {
		tree := s.docs[rec.DocID]
		if tree == nil {
			tree = newDocTree()
			s.docs[rec.DocID] = tree
		}
		tree.revisions[rec.RevID] = &Revision{
			DocID:       rec.DocID,
			ID:          rec.RevID,
			Generation:  rec.Generation,
			ParentID:    rec.ParentID,
			Deleted:     rec.Deleted,
			Sequence:    rec.Seq,
			Body:        rec.Body,
			Attachments: rec.Attachments,
			Timestamp:   rec.Timestamp,
			Placeholder: rec.Placeholder,
		}
		s.changeLog = append(s.changeLog, logEntry{Seq: rec.Seq, DocID: rec.DocID})
		if rec.Seq >= s.nextSeq {
			s.nextSeq = rec.Seq + 1
		}
	}
}

// RegisterValidation adds a named validation predicate, run against every
// subsequent client-initiated write.
func (s *Store) RegisterValidation(p ValidationPredicate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.validations = append(s.validations, p)
}

// Blobs exposes the underlying blob store for the multipart codec and
// replicator, which stream attachment bytes directly into it.
func (s *Store) Blobs() *blobstore.Store { return s.blobs }

// Dir returns the database directory this store was opened against, so
// sibling components (the replicator's checkpoint file) can place their own
// state alongside it without the store needing to know about them.
func (s *Store) Dir() string { return s.dir }

// LastSequence returns the highest sequence assigned so far.
func (s *Store) LastSequence() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextSeq - 1
}

// GetDocument returns the current winning revision for id, or ErrNotFound if
// the document doesn't exist or every leaf is a tombstone.
func (s *Store) GetDocument(id string) (*Revision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tree, ok := s.docs[id]
	if !ok {
		return nil, dberrors.ErrNotFound
	}
	winner := tree.winner()
	if winner == nil || winner.Deleted {
		return nil, dberrors.ErrNotFound
	}
	if cached, ok := s.docCache.get(id, winner.ID); ok {
		return cached, nil
	}
	s.docCache.put(id, winner)
	return winner, nil
}

// ClearDocumentCache flushes every cached document handle. Compact calls
// this itself; exposed so a caller can force revalidation after any other
// out-of-band change to the revision tree.
func (s *Store) ClearDocumentCache() {
	s.docCache.clear()
}

// GetRevision returns a specific revision of a document, tombstones
// included (unlike GetDocument).
func (s *Store) GetRevision(id, rev string) (*Revision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tree, ok := s.docs[id]
	if !ok {
		return nil, dberrors.ErrNotFound
	}
	r, ok := tree.revisions[rev]
	if !ok || r.Placeholder {
		return nil, dberrors.ErrNotFound
	}
	return r, nil
}

// GetRevisionHistory returns the ancestor chain of rev, rev itself first,
// root last.
func (s *Store) GetRevisionHistory(id, rev string) ([]*Revision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tree, ok := s.docs[id]
	if !ok {
		return nil, dberrors.ErrNotFound
	}
	if _, ok := tree.revisions[rev]; !ok {
		return nil, dberrors.ErrNotFound
	}
	return tree.history(rev), nil
}

// PutRevision performs a single client-initiated write as its own
// transaction.
func (s *Store) PutRevision(docID, parentRev string, body document.Body, deleted bool) (*Revision, error) {
	var result *Revision
	err := s.InTransaction(func(txn *Txn) error {
		r, err := txn.Put(docID, parentRev, body, deleted)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}

// ForceInsertInput is one replicated revision to insert at an arbitrary
// point in the tree.
type ForceInsertInput struct {
	DocID       string
	RevID       string
	Deleted     bool
	Body        document.Body
	Attachments map[string]Attachment
	// AncestorIDs is the chain of revision ids from the root (oldest) up to
	// and including this revision's direct parent. Empty for generation 1.
	AncestorIDs []string
}

// ForceInsert inserts a single replicated revision as its own transaction.
func (s *Store) ForceInsert(in ForceInsertInput) (*Revision, error) {
	var result *Revision
	err := s.InTransaction(func(txn *Txn) error {
		r, err := txn.ForceInsert(in)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}

// DocRev identifies one revision of one document, the unit FindMissing and
// the wire protocol's `_revs_diff` operate over.
type DocRev struct {
	DocID string
	RevID string
}

// FindMissing returns the subset of revs not present locally (or present
// only as an unfilled placeholder), so the replicator doesn't re-fetch
// content it already has.
func (s *Store) FindMissing(revs []DocRev) []DocRev {
	s.mu.Lock()
	defer s.mu.Unlock()

	var missing []DocRev
	for _, dr := range revs {
		tree, ok := s.docs[dr.DocID]
		if !ok {
			missing = append(missing, dr)
			continue
		}
		r, ok := tree.revisions[dr.RevID]
		if !ok || r.Placeholder {
			missing = append(missing, dr)
		}
	}
	return missing
}

// Compact removes, in each document, every revision whose generation is
// more than depth below the document's highest leaf generation (side
// branches and their leaves included), and sweeps the blob store down to
// the surviving attachment digests. Tombstones get no separate treatment:
// one is removed only when it falls below that floor. Requires the write
// lock for its full duration.
func (s *Store) Compact(depth int) error {
	if depth <= 0 {
		depth = s.opts.CompactionDepth
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, tree := range s.docs {
		leaves := tree.leaves()
		if len(leaves) == 0 {
			continue
		}
		maxGen := 0
		for _, l := range leaves {
			if l.Generation > maxGen {
				maxGen = l.Generation
			}
		}
		floor := maxGen - depth
		if floor <= 0 {
			continue
		}
		// reachable marks the revisions at or above floor on some leaf's
		// history; each walk stops at floor, so every revision below floor
		// is left unmarked and removed.
		reachable := make(map[string]bool)
		for _, l := range leaves {
			for _, r := range tree.history(l.ID) {
				if r.Generation < floor {
					break
				}
				reachable[r.ID] = true
			}
		}
		for id, r := range tree.revisions {
			if r.Generation < floor && !reachable[id] {
				delete(tree.revisions, id)
			}
		}
	}

	live := liveDigests(s.docs)
	if _, err := s.blobs.Sweep(live); err != nil {
		return fmt.Errorf("sweep blobs: %w", err)
	}
	// Compaction can prune the exact revision a cached handle points to;
	// drop every entry rather than let callers rely on lazy revalidation.
	s.docCache.clear()
	return nil
}

// ChangesSince returns every revision committed after since, in ascending
// sequence order, along with the highest sequence examined (which may
// exceed the highest sequence returned, if entries were filtered out:
// rejected revisions are omitted but still advance the consumer's observed
// sequence cursor.
func (s *Store) ChangesSince(since int64, filter FilterPredicate, params map[string]string, limit int, includeConflicts bool) (changes []Change, lastSeq int64, err error) {
	s.mu.Lock()
	entries := make([]logEntry, 0, len(s.changeLog))
	for _, e := range s.changeLog {
		if e.Seq > since {
			entries = append(entries, e)
		}
	}
	// Clone every docTree this call touches while still holding the lock,
	// the same snapshot-before-release pattern Txn.snapshotFor uses for
	// rollback: a writer may mutate tree.revisions concurrently once s.mu
	// is released, and ranging over a shared map while it's being written
	// is a data race, not just stale data.
	docsSnapshot := make(map[string]*docTree, len(entries))
	for _, e := range entries {
		if _, ok := docsSnapshot[e.DocID]; ok {
			continue
		}
		if tree := s.docs[e.DocID]; tree != nil {
			docsSnapshot[e.DocID] = tree.clone()
		}
	}
	s.mu.Unlock()

	lastSeq = since

	if !includeConflicts {
		entries = collapseToWinners(entries)
	}

	for _, e := range entries {
		if limit > 0 && len(changes) >= limit {
			break
		}
		lastSeq = e.Seq

		tree := docsSnapshot[e.DocID]
		if tree == nil {
			continue
		}
		var rev *Revision
		if includeConflicts {
			rev = findBySequence(tree, e.Seq)
		} else {
			rev = tree.winner()
		}
		if rev == nil || rev.Placeholder {
			continue
		}
		if filter != nil && !filter.Include(rev, params) {
			continue
		}
		changes = append(changes, Change{Sequence: e.Seq, DocID: e.DocID, Revision: rev})
	}
	return changes, lastSeq, nil
}

// collapseToWinners keeps only the last log entry per docid, preserving
// that entry's position (i.e. the document's change is ordered by its most
// recent commit within the range).
func collapseToWinners(entries []logEntry) []logEntry {
	lastIdx := make(map[string]int, len(entries))
	for i, e := range entries {
		lastIdx[e.DocID] = i
	}
	out := make([]logEntry, 0, len(lastIdx))
	for i, e := range entries {
		if lastIdx[e.DocID] == i {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

func findBySequence(tree *docTree, seq int64) *Revision {
	for _, r := range tree.revisions {
		if r.Sequence == seq {
			return r
		}
	}
	return nil
}

// Close releases the underlying sequence log file handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wal.Close()
}

// newDocID/nowFn small helpers kept free functions for testability.
func newDocID() string {
	return uuid.NewString()
}

func nowFn() time.Time { return time.Now() }
