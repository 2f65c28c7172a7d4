// Package multipart streams revision bodies and their attachments to and
// from the CouchDB-style multipart/related wire format: a JSON document
// part followed by zero or more attachment parts, each identified by a
// `name` or digest header.
package multipart

import (
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/textproto"

	"github.com/gabriel-vasile/mimetype"
	"github.com/goccy/go-json"

	"github.com/edirooss/litedb/internal/dberrors"
	"github.com/edirooss/litedb/internal/document"
	"github.com/edirooss/litedb/pkg/blobstore"
)

// Read parses a multipart/related body (boundary taken from contentType)
// into a document body plus linked attachments. The first part must be a
// JSON document body; subsequent parts carry attachment bytes, streamed
// directly into blobs as they arrive. On return, every `_attachments` entry
// whose digest matched a received part has been rewritten from inline-data
// form to a stub referencing the stored digest; a part whose declared
// digest doesn't match its actual content hash is a fatal codec error.
func Read(r io.Reader, contentType string, blobs *blobstore.Store) (document.Body, error) {
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, fmt.Errorf("%w: parse content-type: %v", dberrors.ErrCodec, err)
	}
	boundary := params["boundary"]
	if boundary == "" {
		return nil, fmt.Errorf("%w: multipart content-type missing boundary", dberrors.ErrCodec)
	}

	mr := multipart.NewReader(r, boundary)

	firstPart, err := mr.NextPart()
	if err != nil {
		return nil, fmt.Errorf("%w: read document part: %v", dberrors.ErrCodec, err)
	}
	bodyBytes, err := io.ReadAll(firstPart)
	if err != nil {
		return nil, fmt.Errorf("%w: read document body: %v", dberrors.ErrCodec, err)
	}
	var body document.Body
	if err := json.Unmarshal(bodyBytes, &body); err != nil {
		return nil, fmt.Errorf("%w: unmarshal document body: %v", dberrors.ErrCodec, err)
	}

	received := make(map[string]blobstore.Digest) // keyed by part name or declared digest
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: read attachment part: %v", dberrors.ErrCodec, err)
		}

		name := part.FileName()
		if name == "" {
			name = part.Header.Get("Content-Disposition")
		}
		declaredDigest := part.Header.Get("X-Digest")

		digest, _, err := blobs.Put(part)
		if err != nil {
			return nil, fmt.Errorf("%w: store attachment part %q: %v", dberrors.ErrCodec, name, err)
		}
		if declaredDigest != "" && declaredDigest != string(digest) {
			return nil, fmt.Errorf("%w: attachment %q digest mismatch: declared %s, actual %s", dberrors.ErrCodec, name, declaredDigest, digest)
		}

		if key := part.Header.Get("X-Attachment-Name"); key != "" {
			received[key] = digest
		}
		if declaredDigest != "" {
			received[declaredDigest] = digest
		}
	}

	patchInlineAttachments(body, received)
	return body, nil
}

// patchInlineAttachments rewrites `_attachments` entries whose digest (or
// name) matched a received part from inline-data form to a stub.
func patchInlineAttachments(body document.Body, received map[string]blobstore.Digest) {
	stubs, err := document.Attachments(body)
	if err != nil || len(stubs) == 0 {
		return
	}
	patched := make(map[string]any, len(stubs))
	for name, stub := range stubs {
		digest, ok := received[name]
		if !ok && stub.Digest != "" {
			digest, ok = received[stub.Digest]
		}
		if ok {
			patched[name] = map[string]any{
				"stub":         true,
				"revpos":       stub.RevPos,
				"digest":       string(digest),
				"length":       stub.Length,
				"content_type": stub.ContentType,
			}
			continue
		}
		patched[name] = stub
	}
	body[document.KeyAtts] = patched
}

// Write emits a revision as a multipart/related body: the JSON document
// part first, then inline byte parts for every attachment whose revision
// position is >= minRevPos; the rest get no part, only their `_attachments`
// stub entry in the JSON document. Returns the content-type (with boundary)
// to send alongside the body.
func Write(w io.Writer, body document.Body, attachmentData map[string][]byte, attachmentMeta map[string]AttachmentMeta, minRevPos int) (string, error) {
	mw := multipart.NewWriter(w)

	if len(attachmentMeta) > 0 {
		body = withAttachmentStubs(body, attachmentMeta)
	}

	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("%w: marshal document body: %v", dberrors.ErrCodec, err)
	}
	docPart, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {"application/json"}})
	if err != nil {
		return "", fmt.Errorf("%w: %v", dberrors.ErrCodec, err)
	}
	if _, err := docPart.Write(bodyBytes); err != nil {
		return "", fmt.Errorf("%w: %v", dberrors.ErrCodec, err)
	}

	for name, meta := range attachmentMeta {
		if meta.RevPos < minRevPos {
			continue
		}
		data, ok := attachmentData[name]
		if !ok {
			continue
		}
		contentType := meta.ContentType
		if contentType == "" {
			contentType = mimetype.Detect(data).String()
		}
		header := textproto.MIMEHeader{
			"Content-Type":        {contentType},
			"Content-Disposition": {fmt.Sprintf("attachment; filename=%q", name)},
			"X-Attachment-Name":   {name},
			"X-Digest":            {string(meta.Digest)},
		}
		part, err := mw.CreatePart(header)
		if err != nil {
			return "", fmt.Errorf("%w: %v", dberrors.ErrCodec, err)
		}
		if _, err := part.Write(data); err != nil {
			return "", fmt.Errorf("%w: %v", dberrors.ErrCodec, err)
		}
	}

	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("%w: %v", dberrors.ErrCodec, err)
	}
	return "multipart/related; boundary=" + mw.Boundary(), nil
}

// withAttachmentStubs fills in a _attachments entry for every name in
// attachmentMeta the body doesn't already carry one for, so an attachment
// below minRevPos still round-trips as a stub instead of vanishing from the
// document once Write skips its inline data part. Entries the caller
// already populated (client.go pre-builds full stubs with length/encoding)
// are left untouched.
func withAttachmentStubs(body document.Body, attachmentMeta map[string]AttachmentMeta) document.Body {
	existing, _ := document.Attachments(body)
	out := body.Clone()
	atts := make(map[string]any, len(attachmentMeta))
	for name, stub := range existing {
		atts[name] = stub
	}
	for name, meta := range attachmentMeta {
		if _, ok := atts[name]; ok {
			continue
		}
		atts[name] = document.AttachmentStub{
			Stub:        true,
			RevPos:      meta.RevPos,
			Digest:      string(meta.Digest),
			ContentType: meta.ContentType,
		}
	}
	out[document.KeyAtts] = atts
	return out
}

// AttachmentMeta is the subset of revstore.Attachment Write needs, kept
// codec-local so this package doesn't import revstore just for a struct
// shape.
type AttachmentMeta struct {
	ContentType string
	Digest      blobstore.Digest
	RevPos      int
}
