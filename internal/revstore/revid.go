package revstore

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/goccy/go-json"

	"github.com/edirooss/litedb/internal/document"
)

// newRevID derives "{generation}-{hash}" by hashing the proposed body,
// deletion flag, and parent revision id. xxhash is a fast, non-cryptographic
// hash; the revid only needs to be stable and collision-resistant in
// practice, not cryptographically secure. SHA-256 is reserved for attachment
// digests, and the same xxhash is reused for deriving replication ids.
func newRevID(generation int, parentID string, body document.Body, deleted bool) (string, error) {
	// Canonicalize the body by marshaling its sorted keys so that two
	// databases computing the revid for the same logical edit agree, even
	// if Go map iteration order would otherwise differ across encodes.
	canon, err := canonicalize(body)
	if err != nil {
		return "", fmt.Errorf("canonicalize body: %w", err)
	}

	h := xxhash.New()
	h.WriteString(parentID)
	h.WriteString(strconv.FormatBool(deleted))
	h.Write(canon)
	sum := h.Sum64()

	return fmt.Sprintf("%d-%016x", generation, sum), nil
}

// canonicalize marshals body with sorted keys for deterministic hashing.
func canonicalize(body document.Body) ([]byte, error) {
	keys := make([]string, 0, len(body))
	for k := range body {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make([]byte, 0, 64)
	ordered = append(ordered, '{')
	for i, k := range keys {
		if i > 0 {
			ordered = append(ordered, ',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(body[k])
		if err != nil {
			return nil, err
		}
		ordered = append(ordered, kb...)
		ordered = append(ordered, ':')
		ordered = append(ordered, vb...)
	}
	ordered = append(ordered, '}')
	return ordered, nil
}
