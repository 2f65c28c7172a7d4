// Package document holds the reserved-key handling shared by the revision
// store, multipart codec, and replicator: "_id", "_rev", "_deleted",
// "_attachments", "_revisions", "_local_seq" must be stripped or synthesised
// on read and never round-tripped blindly into stored bodies.
package document

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Reserved top-level keys a document body may carry on the wire but which
// the store strips before persisting the body and re-synthesises on read.
const (
	KeyID        = "_id"
	KeyRev       = "_rev"
	KeyDeleted   = "_deleted"
	KeyAtts      = "_attachments"
	KeyRevisions = "_revisions"
	KeyLocalSeq  = "_local_seq"
)

// Body is an arbitrary JSON object. Values are decoded with goccy/go-json
// for the document hot path (put/get, change feed serialization).
type Body map[string]any

// Clone returns a shallow copy of b; used before stripping/synthesising
// reserved keys so callers retain their original body untouched.
func (b Body) Clone() Body {
	out := make(Body, len(b))
	for k, v := range b {
		out[k] = v
	}
	return out
}

// AttachmentStub is the `{"stub": true, "revpos": N}` sentinel a client may
// place in `_attachments[name]` to request carry-forward of an attachment
// unchanged from the parent revision.
type AttachmentStub struct {
	Stub     bool   `json:"stub,omitempty"`
	RevPos   int    `json:"revpos,omitempty"`
	Digest   string `json:"digest,omitempty"`
	Length   int64  `json:"length,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Encoding    string `json:"encoding,omitempty"`
	EncodedLength int64 `json:"encoded_length,omitempty"`
	// Data carries inline base64 bytes for a freshly-uploaded attachment;
	// absent for stubs and for attachments already linked by digest.
	Data []byte `json:"data,omitempty"`
}

// ReservedKeys reports whether key is one of the reserved top-level keys.
func ReservedKeys(key string) bool {
	switch key {
	case KeyID, KeyRev, KeyDeleted, KeyAtts, KeyRevisions, KeyLocalSeq:
		return true
	default:
		return false
	}
}

// StripReserved returns a copy of body with all reserved top-level keys
// removed; the store never persists them inline, it synthesises them on read.
func StripReserved(body Body) Body {
	out := make(Body, len(body))
	for k, v := range body {
		if ReservedKeys(k) {
			continue
		}
		out[k] = v
	}
	return out
}

// Attachments extracts and type-checks the `_attachments` map from body, if
// present. Returns ErrBadRequest-flavoured errors (via fmt, wrapped by
// callers) on shape mismatches.
func Attachments(body Body) (map[string]AttachmentStub, error) {
	raw, ok := body[KeyAtts]
	if !ok {
		return nil, nil
	}
	// raw was decoded generically (map[string]any); round-trip through
	// JSON to land on typed stubs rather than hand-walking the interface{}.
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("marshal _attachments: %w", err)
	}
	var stubs map[string]AttachmentStub
	if err := json.Unmarshal(encoded, &stubs); err != nil {
		return nil, fmt.Errorf("unmarshal _attachments: %w", err)
	}
	return stubs, nil
}
