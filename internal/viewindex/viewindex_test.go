package viewindex

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/edirooss/litedb/internal/document"
	"github.com/edirooss/litedb/internal/revstore"
)

type byField struct {
	name  string
	field string
}

func (m *byField) Name() string        { return m.name }
func (m *byField) Fingerprint() string { return "v1:" + m.field }
func (m *byField) Map(body document.Body, emit func(key, value any)) {
	if v, ok := body[m.field]; ok {
		emit(v, nil)
	}
}

func openTestStore(t *testing.T) *revstore.Store {
	t.Helper()
	s, err := revstore.Open(zap.NewNop(), filepath.Join(t.TempDir(), "db"), revstore.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestViewIndexesAndQueries(t *testing.T) {
	s := openTestStore(t)
	_, err := s.PutRevision("a", "", document.Body{"category": "fruit"}, false)
	require.NoError(t, err)
	_, err = s.PutRevision("b", "", document.Body{"category": "veg"}, false)
	require.NoError(t, err)
	_, err = s.PutRevision("c", "", document.Body{"category": "fruit"}, false)
	require.NoError(t, err)

	v := New(s, &byField{name: "by_category", field: "category"})
	rows, err := v.Query(Query{})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.EqualValues(t, 3, v.LastSequenceIndexed())
}

func TestViewDropsEntriesOnUpdate(t *testing.T) {
	s := openTestStore(t)
	rev1, err := s.PutRevision("a", "", document.Body{"category": "fruit"}, false)
	require.NoError(t, err)

	v := New(s, &byField{name: "by_category", field: "category"})
	rows, err := v.Query(Query{})
	require.NoError(t, err)
	require.Len(t, rows, 1)

	_, err = s.PutRevision("a", rev1.ID, document.Body{"category": "vegetable"}, false)
	require.NoError(t, err)

	rows, err = v.Query(Query{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "vegetable", rows[0].Key)
}

func TestViewSkipsDeletedDocuments(t *testing.T) {
	s := openTestStore(t)
	rev1, err := s.PutRevision("a", "", document.Body{"category": "fruit"}, false)
	require.NoError(t, err)
	_, err = s.PutRevision("a", rev1.ID, document.Body{}, true)
	require.NoError(t, err)

	v := New(s, &byField{name: "by_category", field: "category"})
	rows, err := v.Query(Query{})
	require.NoError(t, err)
	assert.Len(t, rows, 0)
}

func TestViewQueryRangeAndIncludeDocs(t *testing.T) {
	s := openTestStore(t)
	for _, cat := range []string{"a", "b", "c", "d"} {
		_, err := s.PutRevision(cat+"-doc", "", document.Body{"category": cat}, false)
		require.NoError(t, err)
	}

	v := New(s, &byField{name: "by_category", field: "category"})
	rows, err := v.Query(Query{StartKey: "b", EndKey: "c", IncludeDocs: true})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "b", rows[0].Key)
	assert.Equal(t, "c", rows[1].Key)
	require.NotNil(t, rows[0].Doc)
}
