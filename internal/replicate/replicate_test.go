package replicate

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/edirooss/litedb/internal/config"
	"github.com/edirooss/litedb/internal/dberrors"
	"github.com/edirooss/litedb/internal/document"
	"github.com/edirooss/litedb/internal/predicates"
	"github.com/edirooss/litedb/internal/revstore"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	c, err := config.NewConfig(config.Config{
		DBName:                 "test",
		ReplicatorBatchSize:    10,
		ReplicatorFanOut:       2,
		ChangeTrackerHeartbeat: 100 * time.Millisecond,
		HTTPTimeout:            5 * time.Second,
		MaxRetries:             1,
	})
	require.NoError(t, err)
	return c
}

func openLocalStore(t *testing.T) *revstore.Store {
	t.Helper()
	s, err := revstore.Open(zap.NewNop(), filepath.Join(t.TempDir(), "local"), revstore.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestReplicationIDStableAndDirectionSensitive(t *testing.T) {
	id1 := ReplicationID("db1", "http://PEER:5984/db/", Pull, "", nil, nil)
	id2 := ReplicationID("db1", "http://peer:5984/db", Pull, "", nil, nil)
	assert.Equal(t, id1, id2, "scheme/host case and trailing slash must not change the id")

	id3 := ReplicationID("db1", "http://peer:5984/db", Push, "", nil, nil)
	assert.NotEqual(t, id1, id3)
}

func TestCheckpointStorePersistsAcrossOpen(t *testing.T) {
	dir := t.TempDir()
	cs, err := openCheckpointStore(zap.NewNop(), dir)
	require.NoError(t, err)

	cp := Checkpoint{ReplicationID: "abc", SessionID: "s1", LastSeq: []byte(`42`)}
	require.NoError(t, cs.Put(cp))

	reopened, err := openCheckpointStore(zap.NewNop(), dir)
	require.NoError(t, err)
	got := reopened.Get("abc")
	assert.Equal(t, "s1", got.SessionID)
	assert.JSONEq(t, `42`, string(got.LastSeq))
}

func TestPullReplicationTransfersAllDocuments(t *testing.T) {
	peer := newFakePeer(t)
	_, err := peer.store.PutRevision("a", "", document.Body{"x": float64(1)}, false)
	require.NoError(t, err)
	_, err = peer.store.PutRevision("b", "", document.Body{"x": float64(2)}, false)
	require.NoError(t, err)
	_, err = peer.store.PutRevision("c", "", document.Body{"x": float64(3)}, false)
	require.NoError(t, err)

	local := openLocalStore(t)
	rep, err := New(zap.NewNop(), local, "local-db", Options{
		Direction: Pull,
		RemoteURL: peer.url(),
		Config:    testConfig(t),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, rep.Run(ctx))

	for _, id := range []string{"a", "b", "c"} {
		_, err := local.GetDocument(id)
		require.NoError(t, err, "document %s should have replicated", id)
	}
	assert.Equal(t, peer.store.LastSequence(), local.LastSequence())
}

func TestPullReplicationIsIdempotent(t *testing.T) {
	peer := newFakePeer(t)
	_, err := peer.store.PutRevision("a", "", document.Body{"x": float64(1)}, false)
	require.NoError(t, err)

	local := openLocalStore(t)
	opts := Options{Direction: Pull, RemoteURL: peer.url(), Config: testConfig(t)}

	rep, err := New(zap.NewNop(), local, "local-db", opts)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, rep.Run(ctx))

	seqAfterFirst := local.LastSequence()

	rep2, err := New(zap.NewNop(), local, "local-db", opts)
	require.NoError(t, err)
	require.NoError(t, rep2.Run(ctx))

	assert.Equal(t, seqAfterFirst, local.LastSequence(), "a second pull with nothing new upstream must not advance local sequence")
}

func TestPullReplicationCarriesAttachments(t *testing.T) {
	peer := newFakePeer(t)

	body := document.Body{
		"title": "note",
		document.KeyAtts: map[string]any{
			"note.txt": map[string]any{
				"content_type": "text/plain",
				"data":         []byte("hello"),
			},
		},
	}
	rev, err := peer.store.PutRevision("a", "", body, false)
	require.NoError(t, err)
	require.Contains(t, rev.Attachments, "note.txt")

	local := openLocalStore(t)
	rep, err := New(zap.NewNop(), local, "local-db", Options{
		Direction: Pull, RemoteURL: peer.url(), Config: testConfig(t),
	})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, rep.Run(ctx))

	got, err := local.GetDocument("a")
	require.NoError(t, err)
	require.Contains(t, got.Attachments, "note.txt")

	rc, err := local.Blobs().Get(got.Attachments["note.txt"].Digest)
	require.NoError(t, err)
	defer rc.Close()
	data, err := readAllClose(rc)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestPushReplicationUploadsMissingRevisions(t *testing.T) {
	peer := newFakePeer(t)
	local := openLocalStore(t)
	_, err := local.PutRevision("a", "", document.Body{"x": float64(1)}, false)
	require.NoError(t, err)
	_, err = local.PutRevision("b", "", document.Body{"x": float64(2)}, false)
	require.NoError(t, err)

	rep, err := New(zap.NewNop(), local, "local-db", Options{
		Direction: Push, RemoteURL: peer.url(), Config: testConfig(t),
	})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, rep.Run(ctx))

	for _, id := range []string{"a", "b"} {
		_, err := peer.store.GetDocument(id)
		require.NoError(t, err, "document %s should have been pushed", id)
	}
}

func TestPushReplicationHonorsFilterName(t *testing.T) {
	peer := newFakePeer(t)
	local := openLocalStore(t)
	_, err := local.PutRevision("keep-a", "", document.Body{"x": float64(1)}, false)
	require.NoError(t, err)
	_, err = local.PutRevision("drop-b", "", document.Body{"x": float64(2)}, false)
	require.NoError(t, err)

	filters := predicates.NewRegistry()
	filters.RegisterFilter(predicates.NewDocIDPrefix("keep-only", []string{"keep-"}))

	rep, err := New(zap.NewNop(), local, "local-db", Options{
		Direction: Push, RemoteURL: peer.url(), Config: testConfig(t),
		FilterName: "keep-only", Filters: filters,
	})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, rep.Run(ctx))

	_, err = peer.store.GetDocument("keep-a")
	require.NoError(t, err, "document matching the filter should have been pushed")

	_, err = peer.store.GetDocument("drop-b")
	assert.ErrorIs(t, err, dberrors.ErrNotFound, "document excluded by the filter should not have been pushed")
}
