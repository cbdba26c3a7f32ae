// Package store implements the on-disk blob layout: one data file per
// key with a sibling ".xxh3" checksum sidecar, both read-only once
// published; a reserved "_tempfiles/" subtree for single-blob PUT
// staging; a reserved "_tempdirs/" subtree for per-map-task scratch
// directories. The filesystem itself is this system's durable state —
// there is no separate embedded database.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sharded4/s4/internal/key"
)

// Store roots all on-disk operations under one data directory.
type Store struct {
	Root string
}

// New builds a Store rooted at the absolute form of dir, ensuring the
// reserved work directories exist.
func New(dir string) (*Store, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("store: resolve %s: %w", dir, err)
	}
	s := &Store{Root: abs}
	for _, sub := range []string{s.TempFilesDir(), s.TempDirsDir()} {
		if err := os.MkdirAll(sub, 0o755); err != nil {
			return nil, fmt.Errorf("store: create %s: %w", sub, err)
		}
	}
	return s, nil
}

// DataPath returns the on-disk path for a key: the data root joined with
// the key minus its s4:// scheme.
func (s *Store) DataPath(k string) string {
	return filepath.Join(s.Root, key.Path(k))
}

// ChecksumPath returns the sidecar path for a data path.
func (s *Store) ChecksumPath(dataPath string) string {
	return key.ChecksumPath(dataPath)
}

// TempFilesDir is the reserved single-blob staging subtree.
func (s *Store) TempFilesDir() string {
	return filepath.Join(s.Root, "_tempfiles")
}

// TempDirsDir is the reserved per-map-task scratch subtree.
func (s *Store) TempDirsDir() string {
	return filepath.Join(s.Root, "_tempdirs")
}

// Exists reports whether a blob is visible: both its data file and
// sidecar exist.
func (s *Store) Exists(dataPath string) bool {
	if _, err := os.Stat(dataPath); err != nil {
		return false
	}
	if _, err := os.Stat(s.ChecksumPath(dataPath)); err != nil {
		return false
	}
	return true
}

// NewTempFile allocates an empty, exclusively-created staging file
// under _tempfiles/, retrying a bounded number of times on name
// collision.
func (s *Store) NewTempFile() (string, error) {
	dir := s.TempFilesDir()
	for i := 0; i < 5; i++ {
		candidate := filepath.Join(dir, uuid.NewString())
		f, err := os.OpenFile(candidate, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			f.Close()
			return candidate, nil
		}
	}
	return "", fmt.Errorf("store: could not allocate a temp file after 5 attempts")
}

// NewTempDir allocates an empty scratch directory under _tempdirs/,
// retrying a bounded number of times on name collision.
func (s *Store) NewTempDir() (string, error) {
	dir := s.TempDirsDir()
	for i := 0; i < 5; i++ {
		candidate := filepath.Join(dir, uuid.NewString())
		if err := os.Mkdir(candidate, 0o755); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("store: could not allocate a temp dir after 5 attempts")
}

// ReadChecksum reads the sidecar checksum on disk for a data path.
func (s *Store) ReadChecksum(dataPath string) (string, error) {
	b, err := os.ReadFile(s.ChecksumPath(dataPath))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

// Publish atomically makes a staged tempfile visible as a blob: writes
// the sidecar, renames the tempfile onto the data path, then marks
// both read-only. Callers must run this on the single-writer pool.
func (s *Store) Publish(tempPath, dataPath, checksum string) error {
	if err := os.MkdirAll(filepath.Dir(dataPath), 0o755); err != nil {
		return fmt.Errorf("store: mkdir parent of %s: %w", dataPath, err)
	}
	sumPath := s.ChecksumPath(dataPath)
	if err := os.WriteFile(sumPath, []byte(checksum), 0o644); err != nil {
		return fmt.Errorf("store: write sidecar %s: %w", sumPath, err)
	}
	if err := os.Rename(tempPath, dataPath); err != nil {
		return fmt.Errorf("store: rename %s -> %s: %w", tempPath, dataPath, err)
	}
	if err := os.Chmod(dataPath, 0o444); err != nil {
		return fmt.Errorf("store: chmod %s: %w", dataPath, err)
	}
	if err := os.Chmod(sumPath, 0o444); err != nil {
		return fmt.Errorf("store: chmod %s: %w", sumPath, err)
	}
	return nil
}

// Abort removes every path a failed or abandoned transfer might have
// left behind: the tempfile, the data path, and its sidecar. Missing
// files are not an error.
func (s *Store) Abort(paths ...string) {
	for _, p := range paths {
		if p == "" {
			continue
		}
		_ = os.Remove(p)
	}
}

// Delete removes the exact data file and its sidecar (non-recursive
// delete).
func (s *Store) Delete(dataPath string) error {
	err1 := os.Remove(dataPath)
	err2 := os.Remove(s.ChecksumPath(dataPath))
	if err1 != nil && !os.IsNotExist(err1) {
		return err1
	}
	if err2 != nil && !os.IsNotExist(err2) {
		return err2
	}
	return nil
}

// DeleteRecursive removes everything under a directory, sidecars
// included.
func (s *Store) DeleteRecursive(dirPath string) error {
	return os.RemoveAll(dirPath)
}

// StaleEntry is one reclaimable path found by a GC sweep, with its
// modification time for logging.
type StaleEntry struct {
	Path    string
	ModTime time.Time
}

// StaleTempFiles lists entries directly under _tempfiles/ whose mtime
// is before cutoff; subdirectories are not descended into.
func (s *Store) StaleTempFiles(cutoff time.Time) ([]StaleEntry, error) {
	return staleEntries(s.TempFilesDir(), cutoff, false)
}

// StaleTempDirs lists directories directly under _tempdirs/ whose
// mtime is before cutoff.
func (s *Store) StaleTempDirs(cutoff time.Time) ([]StaleEntry, error) {
	return staleEntries(s.TempDirsDir(), cutoff, true)
}

func staleEntries(root string, cutoff time.Time, dirsOnly bool) ([]StaleEntry, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []StaleEntry
	for _, e := range entries {
		if dirsOnly && !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			out = append(out, StaleEntry{Path: filepath.Join(root, e.Name()), ModTime: info.ModTime()})
		}
	}
	return out, nil
}
