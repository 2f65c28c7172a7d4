package replicate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/edirooss/litedb/internal/changetracker"
	"github.com/edirooss/litedb/internal/config"
	"github.com/edirooss/litedb/internal/dberrors"
	"github.com/edirooss/litedb/internal/predicates"
	"github.com/edirooss/litedb/internal/revstore"
)

// Options configures one replication session.
type Options struct {
	Direction    Direction
	RemoteURL    string
	FilterName   string
	FilterParams map[string]string
	DocIDs       []string
	Authorizer   Authorizer
	Config       *config.Config
	// Filters resolves FilterName to a local revstore.FilterPredicate for
	// push replication, which walks the local store directly instead of
	// hitting a remote _changes endpoint. Pull instead sends FilterName to
	// the peer, which resolves it against its own registry. Nil (or a name
	// the registry doesn't have) makes push unfiltered.
	Filters *predicates.Registry
}

// Replicator drives one push or pull session between a local revstore.Store
// and a remote peer, reconciling revision trees, transferring bodies and
// attachments, and checkpointing progress.
type Replicator struct {
	log   *zap.Logger
	store *revstore.Store
	opts  Options

	client *client
	cps    *checkpointStore

	replicationID string
	sessionID     string
}

// New constructs a Replicator. dbID identifies the local database for
// replication id derivation; callers typically pass the store's directory
// name or a stable configured database name.
func New(log *zap.Logger, store *revstore.Store, dbID string, opts Options) (*Replicator, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("%w: replicate: config required", dberrors.ErrBadRequest)
	}
	cps, err := openCheckpointStore(log, store.Dir())
	if err != nil {
		return nil, fmt.Errorf("open checkpoint store: %w", err)
	}

	return &Replicator{
		log:           log.Named("replicate"),
		store:         store,
		opts:          opts,
		client:        newClient(log, opts.RemoteURL, opts.Config.HTTPTimeout, opts.Authorizer),
		cps:           cps,
		replicationID: ReplicationID(dbID, opts.RemoteURL, opts.Direction, opts.FilterName, opts.FilterParams, opts.DocIDs),
		sessionID:     uuid.NewString(),
	}, nil
}

// ReplicationID returns the id this replicator shares with any other
// replicator configured identically (same peer, direction, filter, scope).
func (r *Replicator) ReplicationID() string { return r.replicationID }

// Run drives the replicator to completion (one-shot) or until ctx is
// cancelled (continuous), per opts.Direction.
func (r *Replicator) Run(ctx context.Context) error {
	switch r.opts.Direction {
	case Pull:
		return r.runPull(ctx)
	case Push:
		return r.runPush(ctx)
	default:
		return fmt.Errorf("%w: unknown replication direction %q", dberrors.ErrBadRequest, r.opts.Direction)
	}
}

// runPull tails the remote change feed from the checkpointed sequence,
// fetches every revision the local store doesn't already have, and
// force-inserts each batch as one transaction.
func (r *Replicator) runPull(ctx context.Context) error {
	cp := r.resolveCheckpoint(ctx)

	feed := changetracker.FeedNormal
	if r.opts.Config.Continuous {
		feed = changetracker.FeedContinuous
	}

	tr := changetracker.New(r.log, changetracker.Options{
		BaseURL:         r.opts.RemoteURL,
		Feed:            feed,
		Since:           cp.LastSeq,
		FilterName:      r.opts.FilterName,
		FilterParams:    r.opts.FilterParams,
		DocIDs:          r.opts.DocIDs,
		Heartbeat:       r.opts.Config.ChangeTrackerHeartbeat,
		HTTPTimeout:     r.opts.Config.HTTPTimeout,
		LongPollTimeout: r.opts.Config.LongPollTimeout,
		MaxRetries:      r.opts.Config.MaxRetries,
		Authorizer:      r.opts.Authorizer,
	})

	go tr.Run(ctx)

	batch := make([]changetracker.ChangeRecord, 0, r.opts.Config.ReplicatorBatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		last, err := r.pullBatch(ctx, batch)
		batch = batch[:0]
		if err != nil {
			return err
		}
		if last != nil {
			cp.LastSeq = last
			if err := r.persistCheckpoint(ctx, cp); err != nil {
				return err
			}
		}
		return nil
	}

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case rec, ok := <-tr.Changes():
			if !ok {
				return flush()
			}
			batch = append(batch, rec)
			if len(batch) >= r.opts.Config.ReplicatorBatchSize {
				if err := flush(); err != nil {
					return err
				}
			}
		case <-ticker.C:
			if err := flush(); err != nil {
				return err
			}
		case err := <-tr.Err():
			if ferr := flush(); ferr != nil {
				return ferr
			}
			return fmt.Errorf("change tracker: %w", err)
		case <-ctx.Done():
			return flush()
		}
	}
}

// pullBatch resolves which revisions in records are missing locally, fetches
// them (in parallel up to the configured fan-out), and force-inserts the
// ones that arrived successfully as a single transaction. A revision whose
// fetch fails is logged and skipped; it does not abort its batch-mates.
func (r *Replicator) pullBatch(ctx context.Context, records []changetracker.ChangeRecord) (json.RawMessage, error) {
	var want []revstore.DocRev
	for _, rec := range records {
		for _, ch := range rec.Changes {
			want = append(want, revstore.DocRev{DocID: rec.ID, RevID: ch.Rev})
		}
	}
	missing := r.store.FindMissing(want)
	if len(missing) == 0 {
		return lastSeqOf(records), nil
	}

	fetched := make([]*fetchedRevision, 0, len(missing))

	sem := semaphore.NewWeighted(int64(r.opts.Config.ReplicatorFanOut))
	g, gctx := errgroup.WithContext(ctx)
	results := make([]*fetchedRevision, len(missing))
	for i, dr := range missing {
		i, dr := i, dr
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			fr, err := r.client.GetRevision(gctx, dr.DocID, dr.RevID, r.store.Blobs())
			if err != nil {
				r.log.Warn("fetch revision failed, skipping",
					zap.String("doc_id", dr.DocID), zap.String("rev", dr.RevID), zap.Error(err))
				return nil
			}
			results[i] = fr
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("fetch stage: %w", err)
	}
	for _, fr := range results {
		if fr != nil {
			fetched = append(fetched, fr)
		}
	}
	if len(fetched) == 0 {
		return lastSeqOf(records), nil
	}

	err := r.store.InTransaction(func(txn *revstore.Txn) error {
		for _, fr := range fetched {
			in := revstore.ForceInsertInput{
				DocID:       fr.DocID,
				RevID:       fr.RevID,
				Deleted:     fr.Deleted,
				Body:        fr.Body,
				Attachments: fr.Attachments,
				AncestorIDs: fr.AncestorIDs,
			}
			if _, err := txn.ForceInsert(in); err != nil {
				r.log.Warn("force-insert failed, skipping",
					zap.String("doc_id", fr.DocID), zap.String("rev", fr.RevID), zap.Error(err))
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("commit pulled batch: %w", err)
	}
	return lastSeqOf(records), nil
}

// pushFilter resolves the local revstore.FilterPredicate push replication
// should apply to ChangesSince/Subscribe: opts.FilterName looked up in the
// local registry, narrowed further by a DocIDs allowlist if set. Without
// this, push would upload every local change regardless of the filter/doc
// scope a peer's filtered pull was configured with, breaking convergence
// between the two directions of the same replication id.
func (r *Replicator) pushFilter() revstore.FilterPredicate {
	var named revstore.FilterPredicate
	if r.opts.FilterName != "" {
		if r.opts.Filters == nil {
			r.log.Warn("push filter name set but no predicate registry configured, replicating unfiltered", zap.String("filter", r.opts.FilterName))
		} else if f, ok := r.opts.Filters.Filter(r.opts.FilterName); ok {
			named = f
		} else {
			r.log.Warn("push filter not found in registry, replicating unfiltered", zap.String("filter", r.opts.FilterName))
		}
	}
	if len(r.opts.DocIDs) == 0 {
		return named
	}
	allowed := make(map[string]bool, len(r.opts.DocIDs))
	for _, id := range r.opts.DocIDs {
		allowed[id] = true
	}
	return &docIDAllowlistFilter{allowed: allowed, next: named}
}

// docIDAllowlistFilter restricts a change feed to a fixed set of document
// ids, optionally narrowing further through a wrapped named filter.
type docIDAllowlistFilter struct {
	allowed map[string]bool
	next    revstore.FilterPredicate
}

func (f *docIDAllowlistFilter) Name() string { return "doc_ids_allowlist" }

func (f *docIDAllowlistFilter) Include(rev *revstore.Revision, params map[string]string) bool {
	if !f.allowed[rev.DocID] {
		return false
	}
	if f.next != nil {
		return f.next.Include(rev, params)
	}
	return true
}

func lastSeqOf(records []changetracker.ChangeRecord) json.RawMessage {
	if len(records) == 0 {
		return nil
	}
	return records[len(records)-1].Seq
}

// runPush tails the local change feed from the checkpointed sequence, asks
// the remote which revisions it lacks, and uploads them.
func (r *Replicator) runPush(ctx context.Context) error {
	cp := r.resolveCheckpoint(ctx)
	since := decodeLocalSeq(cp.LastSeq)

	if r.opts.Config.Continuous {
		return r.runPushContinuous(ctx, since)
	}

	filter := r.pushFilter()

	for {
		changes, lastSeq, err := r.store.ChangesSince(since, filter, r.opts.FilterParams, r.opts.Config.ReplicatorBatchSize, false)
		if err != nil {
			return fmt.Errorf("read local changes: %w", err)
		}
		if len(changes) == 0 {
			return nil
		}
		if err := r.pushChanges(ctx, changes); err != nil {
			return err
		}
		since = lastSeq
		cp.LastSeq = encodeLocalSeq(since)
		if err := r.persistCheckpoint(ctx, cp); err != nil {
			return err
		}
	}
}

func (r *Replicator) runPushContinuous(ctx context.Context, since int64) error {
	filter := r.pushFilter()
	sub, snapshot, err := r.store.Subscribe(since, filter, r.opts.FilterParams, false)
	if err != nil {
		return fmt.Errorf("subscribe to local changes: %w", err)
	}
	defer sub.Close()

	if len(snapshot) > 0 {
		if err := r.pushChanges(ctx, snapshot); err != nil {
			return err
		}
		since = snapshot[len(snapshot)-1].Sequence
		if err := r.persistCheckpoint(ctx, Checkpoint{LastSeq: encodeLocalSeq(since)}); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case batch, ok := <-sub.C:
			if !ok {
				return nil
			}
			if err := r.pushChanges(ctx, batch); err != nil {
				return err
			}
			since = batch[len(batch)-1].Sequence
			cp := r.cps.Get(r.replicationID)
			cp.LastSeq = encodeLocalSeq(since)
			if err := r.persistCheckpoint(ctx, cp); err != nil {
				return err
			}
		}
	}
}

// pushChanges asks the remote which of changes' revisions it lacks and
// uploads those, fanning the uploads out up to the configured concurrency.
func (r *Replicator) pushChanges(ctx context.Context, changes []revstore.Change) error {
	want := make([]revstore.DocRev, len(changes))
	byKey := make(map[revstore.DocRev]*revstore.Revision, len(changes))
	for i, c := range changes {
		dr := revstore.DocRev{DocID: c.DocID, RevID: c.Revision.ID}
		want[i] = dr
		byKey[dr] = c.Revision
	}

	missing, err := r.client.RevsDiff(ctx, want)
	if err != nil {
		return fmt.Errorf("revs_diff: %w", err)
	}
	if len(missing) == 0 {
		return nil
	}

	sem := semaphore.NewWeighted(int64(r.opts.Config.ReplicatorFanOut))
	g, gctx := errgroup.WithContext(ctx)
	for _, dr := range missing {
		rev, ok := byKey[dr]
		if !ok {
			continue
		}
		rev := rev
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			history, err := r.store.GetRevisionHistory(rev.DocID, rev.ID)
			if err != nil {
				r.log.Warn("load revision history failed, skipping revision",
					zap.String("doc_id", rev.DocID), zap.String("rev", rev.ID), zap.Error(err))
				return nil
			}
			attachmentData, err := r.loadAttachmentBytes(rev)
			if err != nil {
				r.log.Warn("load attachment data failed, skipping revision",
					zap.String("doc_id", rev.DocID), zap.String("rev", rev.ID), zap.Error(err))
				return nil
			}
			if err := r.client.PutRevision(gctx, rev, history, attachmentData); err != nil {
				r.log.Warn("push revision failed, skipping",
					zap.String("doc_id", rev.DocID), zap.String("rev", rev.ID), zap.Error(err))
			}
			return nil
		})
	}
	return g.Wait()
}

func (r *Replicator) loadAttachmentBytes(rev *revstore.Revision) (map[string][]byte, error) {
	if len(rev.Attachments) == 0 {
		return nil, nil
	}
	out := make(map[string][]byte, len(rev.Attachments))
	for name, a := range rev.Attachments {
		rc, err := r.store.Blobs().Get(a.Digest)
		if err != nil {
			return nil, fmt.Errorf("read attachment %q: %w", name, err)
		}
		data, err := readAllClose(rc)
		if err != nil {
			return nil, fmt.Errorf("read attachment %q: %w", name, err)
		}
		out[name] = data
	}
	return out, nil
}

// resolveCheckpoint returns the locally-stored checkpoint for this
// replication id, falling back to asking the remote peer for one if the
// local side has none, the case after a fresh local database was created
// but the peer already holds a checkpoint from an earlier session.
func (r *Replicator) resolveCheckpoint(ctx context.Context) Checkpoint {
	if cp := r.cps.Get(r.replicationID); len(cp.LastSeq) > 0 {
		return cp
	}
	remote, err := r.client.GetLocal(ctx, r.replicationID)
	if err != nil {
		r.log.Warn("fetch remote checkpoint failed, starting from scratch", zap.Error(err))
		return Checkpoint{}
	}
	return remote
}

// persistCheckpoint writes cp to the local checkpoint store and, best
// effort, to the remote peer too, so either side can resume the session with
// matching replication ids. A remote persist failure is logged but not
// fatal: the local checkpoint is the durable source of truth for this
// side's own resumption.
func (r *Replicator) persistCheckpoint(ctx context.Context, cp Checkpoint) error {
	cp.ReplicationID = r.replicationID
	cp.ID = "_local/" + r.replicationID
	cp.SessionID = r.sessionID

	if err := r.cps.Put(cp); err != nil {
		return fmt.Errorf("persist local checkpoint: %w", err)
	}
	if err := r.client.PutLocal(ctx, cp); err != nil {
		r.log.Warn("persist remote checkpoint failed", zap.Error(err))
	}
	return nil
}

func readAllClose(rc io.ReadCloser) ([]byte, error) {
	defer rc.Close()
	return io.ReadAll(rc)
}

func decodeLocalSeq(raw json.RawMessage) int64 {
	if len(raw) == 0 {
		return 0
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0
	}
	return n
}

func encodeLocalSeq(seq int64) json.RawMessage {
	return json.RawMessage(strconv.FormatInt(seq, 10))
}
