package revstore

import (
	"bytes"
	"fmt"

	"github.com/edirooss/litedb/internal/dberrors"
	"github.com/edirooss/litedb/internal/document"
	"github.com/edirooss/litedb/pkg/blobstore"
)

// linkAttachments resolves a proposed body's `_attachments` stubs against
// the parent revision's attachments and the blob store:
//
//   - stub: true, revpos: N        -> carried forward unchanged from parent
//   - inline data present          -> written to the blob store, linked fresh
//   - digest supplied, blob exists -> linked by digest without re-uploading
//
// Attachments present on the parent but absent from stubs are dropped.
func linkAttachments(blobs *blobstore.Store, parentAtts map[string]Attachment, body document.Body, generation int) (map[string]Attachment, error) {
	stubs, err := document.Attachments(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", dberrors.ErrBadRequest, err)
	}
	if len(stubs) == 0 {
		return nil, nil
	}

	out := make(map[string]Attachment, len(stubs))
	for name, stub := range stubs {
		switch {
		case stub.Stub:
			parentAtt, ok := parentAtts[name]
			if !ok {
				return nil, fmt.Errorf("%w: stub references unknown attachment %q", dberrors.ErrBadRequest, name)
			}
			out[name] = parentAtt

		case len(stub.Data) > 0:
			digest, length, err := blobs.Put(bytes.NewReader(stub.Data))
			if err != nil {
				return nil, fmt.Errorf("store attachment %q: %w", name, err)
			}
			out[name] = Attachment{
				Name:          name,
				ContentType:   stub.ContentType,
				Length:        length,
				Digest:        digest,
				RevPos:        generation,
				Encoding:      stub.Encoding,
				EncodedLength: stub.EncodedLength,
			}

		case stub.Digest != "" && blobs.Exists(blobstore.Digest(stub.Digest)):
			out[name] = Attachment{
				Name:          name,
				ContentType:   stub.ContentType,
				Length:        stub.Length,
				Digest:        blobstore.Digest(stub.Digest),
				RevPos:        generation,
				Encoding:      stub.Encoding,
				EncodedLength: stub.EncodedLength,
			}

		default:
			return nil, fmt.Errorf("%w: attachment %q has neither inline data nor a known digest", dberrors.ErrBadRequest, name)
		}
	}
	return out, nil
}

// liveDigests collects every attachment digest reachable from any
// non-pruned revision across all documents; used by compact() to drive
// blobstore.Sweep.
func liveDigests(docs map[string]*docTree) map[blobstore.Digest]struct{} {
	live := make(map[blobstore.Digest]struct{})
	for _, tree := range docs {
		for _, rev := range tree.revisions {
			for _, att := range rev.Attachments {
				live[att.Digest] = struct{}{}
			}
		}
	}
	return live
}
