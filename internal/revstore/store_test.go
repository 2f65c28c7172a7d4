package revstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/edirooss/litedb/internal/dberrors"
	"github.com/edirooss/litedb/internal/document"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(zap.NewNop(), filepath.Join(t.TempDir(), "db"), Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestBasicPutGet(t *testing.T) {
	s := openTestStore(t)

	rev1, err := s.PutRevision("a", "", document.Body{"x": float64(1)}, false)
	require.NoError(t, err)
	assert.Regexp(t, `^1-`, rev1.ID)

	got, err := s.GetDocument("a")
	require.NoError(t, err)
	assert.Equal(t, rev1.ID, got.ID)
	assert.Equal(t, float64(1), got.Body["x"])

	rev2, err := s.PutRevision("a", rev1.ID, document.Body{"x": float64(2)}, false)
	require.NoError(t, err)
	assert.Regexp(t, `^2-`, rev2.ID)

	_, err = s.PutRevision("a", rev1.ID, document.Body{"x": float64(3)}, false)
	assert.ErrorIs(t, err, dberrors.ErrConflict)
}

func TestDeletionTombstone(t *testing.T) {
	s := openTestStore(t)

	rev1, err := s.PutRevision("b", "", document.Body{"y": float64(1)}, false)
	require.NoError(t, err)

	tomb, err := s.PutRevision("b", rev1.ID, document.Body{}, true)
	require.NoError(t, err)
	assert.True(t, tomb.Deleted)

	_, err = s.GetDocument("b")
	assert.ErrorIs(t, err, dberrors.ErrNotFound)

	got, err := s.GetRevision("b", tomb.ID)
	require.NoError(t, err)
	assert.True(t, got.Deleted)

	changes, _, err := s.ChangesSince(0, nil, nil, 0, false)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, tomb.ID, changes[0].Revision.ID)
}

func TestForceInsertConflictingBranches(t *testing.T) {
	s := openTestStore(t)

	rev1, err := s.PutRevision("c", "", document.Body{"v": float64(1)}, false)
	require.NoError(t, err)

	revB, err := s.ForceInsert(ForceInsertInput{
		DocID:       "c",
		RevID:       "2-B",
		Body:        document.Body{"v": float64(2)},
		AncestorIDs: []string{rev1.ID},
	})
	require.NoError(t, err)

	revC, err := s.ForceInsert(ForceInsertInput{
		DocID:       "c",
		RevID:       "2-C",
		Body:        document.Body{"v": float64(3)},
		AncestorIDs: []string{rev1.ID},
	})
	require.NoError(t, err)

	assert.NotEqual(t, revB.ID, revC.ID)

	winner, err := s.GetDocument("c")
	require.NoError(t, err)
	want := revB.ID
	if revC.ID > revB.ID {
		want = revC.ID
	}
	assert.Equal(t, want, winner.ID)
}

func TestForceInsertConflictOnDifferentBody(t *testing.T) {
	s := openTestStore(t)

	_, err := s.ForceInsert(ForceInsertInput{DocID: "d", RevID: "1-aaa", Body: document.Body{"v": float64(1)}})
	require.NoError(t, err)

	_, err = s.ForceInsert(ForceInsertInput{DocID: "d", RevID: "1-aaa", Body: document.Body{"v": float64(2)}})
	assert.ErrorIs(t, err, dberrors.ErrConflict)
}

func TestForceInsertCreatesAncestorPlaceholders(t *testing.T) {
	s := openTestStore(t)

	_, err := s.ForceInsert(ForceInsertInput{
		DocID:       "e",
		RevID:       "3-ccc",
		Body:        document.Body{"v": float64(1)},
		AncestorIDs: []string{"1-aaa", "2-bbb"},
	})
	require.NoError(t, err)

	missing := s.FindMissing([]DocRev{{DocID: "e", RevID: "1-aaa"}, {DocID: "e", RevID: "3-ccc"}})
	require.Len(t, missing, 1)
	assert.Equal(t, "1-aaa", missing[0].RevID)
}

func TestFindMissing(t *testing.T) {
	s := openTestStore(t)
	rev1, err := s.PutRevision("f", "", document.Body{}, false)
	require.NoError(t, err)

	missing := s.FindMissing([]DocRev{
		{DocID: "f", RevID: rev1.ID},
		{DocID: "f", RevID: "9-zzz"},
		{DocID: "ghost", RevID: "1-zzz"},
	})
	require.Len(t, missing, 2)
}

func TestInTransactionRollsBackOnError(t *testing.T) {
	s := openTestStore(t)

	_, err := s.PutRevision("g", "", document.Body{"v": float64(1)}, false)
	require.NoError(t, err)
	seqBefore := s.LastSequence()

	txnErr := s.InTransaction(func(txn *Txn) error {
		if _, err := txn.Put("g2", "", document.Body{"v": float64(1)}, false); err != nil {
			return err
		}
		return assert.AnError
	})
	assert.ErrorIs(t, txnErr, assert.AnError)

	assert.Equal(t, seqBefore, s.LastSequence())
	_, err = s.GetDocument("g2")
	assert.ErrorIs(t, err, dberrors.ErrNotFound)
}

func TestChangesSinceMonotonic(t *testing.T) {
	s := openTestStore(t)
	for i := 0; i < 5; i++ {
		_, err := s.PutRevision("", "", document.Body{"i": float64(i)}, false)
		require.NoError(t, err)
	}
	changes, lastSeq, err := s.ChangesSince(0, nil, nil, 0, false)
	require.NoError(t, err)
	require.Len(t, changes, 5)
	assert.EqualValues(t, 5, lastSeq)
	for i := 1; i < len(changes); i++ {
		assert.Greater(t, changes[i].Sequence, changes[i-1].Sequence)
	}
}

func TestAttachmentCarryForward(t *testing.T) {
	s := openTestStore(t)

	rev1, err := s.PutRevision("h", "", document.Body{
		"_attachments": map[string]any{
			"note.txt": map[string]any{"content_type": "text/plain", "data": []byte("hello")},
		},
	}, false)
	require.NoError(t, err)
	require.Contains(t, rev1.Attachments, "note.txt")
	digest := rev1.Attachments["note.txt"].Digest

	rev2, err := s.PutRevision("h", rev1.ID, document.Body{
		"x": float64(1),
		"_attachments": map[string]any{
			"note.txt": map[string]any{"stub": true, "revpos": float64(1)},
		},
	}, false)
	require.NoError(t, err)
	assert.Equal(t, digest, rev2.Attachments["note.txt"].Digest)
	assert.True(t, s.Blobs().Exists(digest))
}
