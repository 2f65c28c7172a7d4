package blobstore

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(zap.NewNop(), t.TempDir())
	require.NoError(t, err)
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := openTestStore(t)

	digest, n, err := s.Put(bytes.NewReader([]byte("hello world")))
	require.NoError(t, err)
	assert.EqualValues(t, 11, n)
	assert.True(t, s.Exists(digest))

	rc, err := s.Get(digest)
	require.NoError(t, err)
	defer rc.Close()
	data := make([]byte, n)
	_, err = rc.Read(data)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
}

func TestPutDedupsIdenticalBytes(t *testing.T) {
	s := openTestStore(t)

	d1, _, err := s.Put(bytes.NewReader([]byte("same bytes")))
	require.NoError(t, err)
	d2, _, err := s.Put(bytes.NewReader([]byte("same bytes")))
	require.NoError(t, err)
	assert.Equal(t, d1, d2)
}

func TestGetMissingReturnsErrNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Get(Digest("deadbeef"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSweepRemovesUnreferencedBlobs(t *testing.T) {
	s := openTestStore(t)

	kept, _, err := s.Put(bytes.NewReader([]byte("keep me")))
	require.NoError(t, err)
	gone, _, err := s.Put(bytes.NewReader([]byte("sweep me")))
	require.NoError(t, err)

	removed, err := s.Sweep(map[Digest]struct{}{kept: {}})
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.True(t, s.Exists(kept))
	assert.False(t, s.Exists(gone))
}

func TestOpenCleansOrphanTempFiles(t *testing.T) {
	dir := t.TempDir()
	orphan := filepath.Join(dir, "tmp-orphan-123.blob")
	require.NoError(t, os.WriteFile(orphan, []byte("partial"), 0o600))

	_, err := Open(zap.NewNop(), dir)
	require.NoError(t, err)

	_, statErr := os.Stat(orphan)
	assert.True(t, os.IsNotExist(statErr))
}
