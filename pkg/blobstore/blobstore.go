// Package blobstore implements the content-addressed attachment store.
// Writes are buffered to a temp file, finalised by hashing, then atomically
// renamed into a two-level fanout directory keyed by the digest. A small
// struct wrapping a handle, built with a *zap.Logger, logging on open and
// on notable failures.
package blobstore

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a digest has no corresponding blob.
var ErrNotFound = errors.New("blobstore: not found")

// Digest is a lowercase hex-encoded SHA-256 digest of raw attachment bytes.
type Digest string

// Store is a content-addressed, disk-backed blob store. One Store instance
// owns one directory for the lifetime of a database.
type Store struct {
	log *zap.Logger
	dir string
}

// Open prepares dir (creating it if absent) as a blob store root and sweeps
// any orphaned temp files left behind by a crash mid-write.
func Open(log *zap.Logger, dir string) (*Store, error) {
	log = log.Named("blobstore")

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}

	s := &Store{log: log, dir: dir}
	if err := s.cleanOrphanTemps(); err != nil {
		log.Warn("orphan temp cleanup failed", zap.Error(err))
	}

	log.Info("blob store opened", zap.String("dir", dir))
	return s, nil
}

// Put streams r to a temp file, computes its digest, and atomically renames
// it into place. If the target already exists the temp file is discarded
// (dedup): writes are lock-free across different digests.
func (s *Store) Put(r io.Reader) (Digest, int64, error) {
	tmp, err := os.CreateTemp(s.dir, "tmp-"+uuid.NewString()+"-*.blob")
	if err != nil {
		return "", 0, fmt.Errorf("create temp: %w", err)
	}
	tmpPath := tmp.Name()
	// If we return before the rename below, the temp file must not linger;
	// a successful rename makes this Remove a harmless no-op (ENOENT).
	defer os.Remove(tmpPath)

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), r)
	if err != nil {
		tmp.Close()
		return "", 0, fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", 0, fmt.Errorf("sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", 0, fmt.Errorf("close temp: %w", err)
	}

	digest := Digest(hex.EncodeToString(h.Sum(nil)))
	target := s.pathFor(digest)

	if _, err := os.Stat(target); err == nil {
		// Already stored under this digest; discard our temp copy (dedup).
		return digest, n, nil
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return "", 0, fmt.Errorf("create fanout dir: %w", err)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		return "", 0, fmt.Errorf("finalize blob: %w", err)
	}
	return digest, n, nil
}

// Get opens the blob stored under digest for reading. Callers must Close it.
func (s *Store) Get(digest Digest) (io.ReadCloser, error) {
	f, err := os.Open(s.pathFor(digest))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("open blob: %w", err)
	}
	return f, nil
}

// Exists reports whether digest has a corresponding stored blob.
func (s *Store) Exists(digest Digest) bool {
	_, err := os.Stat(s.pathFor(digest))
	return err == nil
}

// Sweep deletes every stored blob whose digest is not in live. Only safe to
// invoke while holding the owning database's compaction (write) lock.
func (s *Store) Sweep(live map[Digest]struct{}) (removed int, err error) {
	err = filepath.WalkDir(s.dir, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		if strings.HasPrefix(d.Name(), "tmp-") {
			return nil // transient, not a finalized blob
		}
		digest := Digest(d.Name())
		if _, ok := live[digest]; ok {
			return nil
		}
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("remove %s: %w", path, err)
		}
		removed++
		return nil
	})
	if err != nil {
		return removed, err
	}
	s.log.Info("swept unreferenced blobs", zap.Int("removed", removed))
	return removed, nil
}

// cleanOrphanTemps removes temp files left behind by a crash mid-write.
// Partial writes are never observable via Get/Exists since they never reach
// the final digest path, but they'd otherwise leak disk space forever.
func (s *Store) cleanOrphanTemps() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "tmp-") {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove orphan temp %s: %w", path, err)
		}
		s.log.Info("removed orphan temp file", zap.String("path", path))
	}
	return nil
}

// pathFor returns the two-level fanout path for a digest:
// <dir>/<digest[0:2]>/<digest[2:4]>/<digest>.
func (s *Store) pathFor(digest Digest) string {
	ds := string(digest)
	if len(ds) < 4 {
		// Degenerate digest (shouldn't happen for sha256 hex); fall back to
		// a flat layout rather than panicking on a slice bound.
		return filepath.Join(s.dir, ds)
	}
	return filepath.Join(s.dir, ds[0:2], ds[2:4], ds)
}
