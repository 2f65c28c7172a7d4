package multipart

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/edirooss/litedb/internal/document"
	"github.com/edirooss/litedb/pkg/blobstore"
)

func openTestBlobs(t *testing.T) *blobstore.Store {
	t.Helper()
	s, err := blobstore.Open(zap.NewNop(), filepath.Join(t.TempDir(), "blobs"))
	require.NoError(t, err)
	return s
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	blobs := openTestBlobs(t)

	data := []byte("hello attachment")
	digest, _, err := blobs.Put(bytes.NewReader(data))
	require.NoError(t, err)

	body := document.Body{"title": "note"}
	attachmentData := map[string][]byte{"note.txt": data}
	attachmentMeta := map[string]AttachmentMeta{
		"note.txt": {ContentType: "text/plain", Digest: digest, RevPos: 1},
	}

	var buf bytes.Buffer
	contentType, err := Write(&buf, body, attachmentData, attachmentMeta, 1)
	require.NoError(t, err)

	readBlobs := openTestBlobs(t)
	got, err := Read(&buf, contentType, readBlobs)
	require.NoError(t, err)

	assert.Equal(t, "note", got["title"])
	atts, err := document.Attachments(got)
	require.NoError(t, err)
	require.Contains(t, atts, "note.txt")
	assert.True(t, atts["note.txt"].Stub)
	assert.Equal(t, string(digest), atts["note.txt"].Digest)

	r, err := readBlobs.Get(digest)
	require.NoError(t, err)
	defer r.Close()
}

func TestWriteStubsAttachmentsBelowMinRevPos(t *testing.T) {
	blobs := openTestBlobs(t)
	data := []byte("old content")
	digest, _, err := blobs.Put(bytes.NewReader(data))
	require.NoError(t, err)

	body := document.Body{"title": "note"}
	attachmentData := map[string][]byte{"old.txt": data}
	attachmentMeta := map[string]AttachmentMeta{
		"old.txt": {ContentType: "text/plain", Digest: digest, RevPos: 1},
	}

	var buf bytes.Buffer
	contentType, err := Write(&buf, body, attachmentData, attachmentMeta, 5)
	require.NoError(t, err)

	readBlobs := openTestBlobs(t)
	got, err := Read(&buf, contentType, readBlobs)
	require.NoError(t, err)
	require.Contains(t, got, document.KeyAtts)
	atts, err := document.Attachments(got)
	require.NoError(t, err)
	require.Contains(t, atts, "old.txt")
	assert.True(t, atts["old.txt"].Stub)
	assert.Equal(t, 1, atts["old.txt"].RevPos)
	assert.Equal(t, string(digest), atts["old.txt"].Digest)

	// The stub's digest was never written as a blob part, so it must not
	// be retrievable from the reader's store.
	_, err = readBlobs.Get(digest)
	assert.Error(t, err)
}

func TestReadRejectsDigestMismatch(t *testing.T) {
	blobs := openTestBlobs(t)
	data := []byte("payload")
	wrongDigest := blobstore.Digest("deadbeef")

	body := document.Body{"title": "note"}
	attachmentData := map[string][]byte{"a.bin": data}
	attachmentMeta := map[string]AttachmentMeta{
		"a.bin": {ContentType: "application/octet-stream", Digest: wrongDigest, RevPos: 1},
	}

	var buf bytes.Buffer
	contentType, err := Write(&buf, body, attachmentData, attachmentMeta, 0)
	require.NoError(t, err)

	_, err = Read(&buf, contentType, blobs)
	assert.Error(t, err)
}
