package media

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// Ref points at a stored blob. Path is relative to the session blob
// dir so rows survive a data dir move.
type Ref struct {
	Path string
	Hash string
}

// BlobStore is content-addressed blob storage: at most one physical
// file per content hash per session, any number of message rows
// referencing it. Filenames are derived from the sha256 of the bytes
// with a two-level fan-out to keep directories small.
type BlobStore struct {
	root string
}

// NewBlobStore creates a blob store rooted at root (the data dir).
// Blobs live under <root>/sessions/<id>/blobs/.
func NewBlobStore(root string) *BlobStore {
	return &BlobStore{root: root}
}

// Hash returns the content hash used for addressing.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (s *BlobStore) sessionDir(sessionID string) string {
	return filepath.Join(s.root, "sessions", sessionID, "blobs")
}

func (s *BlobStore) blobPath(sessionID, hash, ext string) string {
	name := hash
	if ext != "" {
		name += ext
	}
	return filepath.Join(s.sessionDir(sessionID), hash[:2], name)
}

// Exists reports whether a blob with the given hash is already stored
// for the session.
func (s *BlobStore) Exists(sessionID, hash, ext string) bool {
	if len(hash) < 2 {
		return false
	}
	_, err := os.Stat(s.blobPath(sessionID, hash, ext))
	return err == nil
}

// Write stores bytes under their content hash, returning the
// reference. Writing the same content twice is a no-op returning the
// same reference.
func (s *BlobStore) Write(sessionID, hash, ext string, data []byte) (Ref, error) {
	if len(hash) < 2 {
		return Ref{}, fmt.Errorf("invalid content hash %q", hash)
	}
	path := s.blobPath(sessionID, hash, ext)
	rel, err := filepath.Rel(s.sessionDir(sessionID), path)
	if err != nil {
		return Ref{}, err
	}
	ref := Ref{Path: rel, Hash: hash}

	if _, err := os.Stat(path); err == nil {
		return ref, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return Ref{}, fmt.Errorf("create blob dir: %w", err)
	}
	// Write to a temp name then rename, so readers never observe a
	// partially written blob.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return Ref{}, fmt.Errorf("write blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return Ref{}, fmt.Errorf("commit blob: %w", err)
	}
	return ref, nil
}

// Read returns the bytes for a reference.
func (s *BlobStore) Read(sessionID string, ref Ref) ([]byte, error) {
	return os.ReadFile(filepath.Join(s.sessionDir(sessionID), ref.Path))
}

// RemoveSession deletes a session's entire blob directory. Absent
// directories are not an error, so teardown can rerun safely.
func (s *BlobStore) RemoveSession(sessionID string) error {
	return os.RemoveAll(s.sessionDir(sessionID))
}
