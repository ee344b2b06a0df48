// Package blob stores chunk inputs, chunk outputs, and merged result files
// under stable string keys. Backed by afero so tests run against an
// in-memory filesystem.
package blob

import (
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/spf13/afero"
)

// Store is a keyed file store rooted at a single directory.
type Store struct {
	fs   afero.Fs
	root string
}

// NewLocal creates a Store on the OS filesystem rooted at root.
func NewLocal(root string) *Store {
	return &Store{fs: afero.NewOsFs(), root: root}
}

// NewMem creates an in-memory Store for tests.
func NewMem() *Store {
	return &Store{fs: afero.NewMemMapFs(), root: "/"}
}

func (s *Store) abs(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

// Put writes the contents of r under key, creating parent directories.
func (s *Store) Put(key string, r io.Reader) error {
	w, err := s.Create(key)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return eris.Wrapf(err, "blob: write %s", key)
	}
	return eris.Wrapf(w.Close(), "blob: close %s", key)
}

// Create opens a writer for key, truncating any existing content.
func (s *Store) Create(key string) (io.WriteCloser, error) {
	p := s.abs(key)
	if err := s.fs.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, eris.Wrapf(err, "blob: mkdir for %s", key)
	}
	f, err := s.fs.Create(p)
	if err != nil {
		return nil, eris.Wrapf(err, "blob: create %s", key)
	}
	return f, nil
}

// Open returns a reader for key. The error wraps os.ErrNotExist when the
// key is absent.
func (s *Store) Open(key string) (io.ReadCloser, error) {
	f, err := s.fs.Open(s.abs(key))
	if err != nil {
		return nil, eris.Wrapf(err, "blob: open %s", key)
	}
	return f, nil
}

// Exists reports whether key is present.
func (s *Store) Exists(key string) (bool, error) {
	_, err := s.fs.Stat(s.abs(key))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, eris.Wrapf(err, "blob: stat %s", key)
}

// Delete removes key. Deleting an absent key is not an error.
func (s *Store) Delete(key string) error {
	err := s.fs.Remove(s.abs(key))
	if err != nil && !os.IsNotExist(err) {
		return eris.Wrapf(err, "blob: delete %s", key)
	}
	return nil
}

// Key layout conventions. Chunk inputs sit under a per-chunk directory so a
// whole chunk can be located from (job, seq) alone; job-scoped files group
// under jobs/{job}.

// ChunkInputKey is where the preprocessor and planners write a chunk's
// pending email list.
func ChunkInputKey(jobID string, seq int, ext string) string {
	return path.Join("chunks", jobID, strconv.Itoa(seq), "input."+ext)
}

// ChunkOutputKey is the default location for a chunk's per-status output.
func ChunkOutputKey(jobID string, seq int, status string) string {
	return path.Join("chunks", jobID, strconv.Itoa(seq), status+".csv")
}

// FilteredOutputKey holds a planner-rewritten per-status output.
func FilteredOutputKey(jobID string, seq int, status string) string {
	return path.Join("chunks", jobID, strconv.Itoa(seq), "filtered", status+".csv")
}

// CachedResultKey holds cache-hit emails for one verdict status.
func CachedResultKey(jobID string, status string) string {
	return path.Join("jobs", jobID, "cached", status+".csv")
}

// MissLedgerKey holds the diagnostic list of cache misses.
func MissLedgerKey(jobID string) string {
	return path.Join("jobs", jobID, "cache_miss.csv")
}

// ResultKey holds the final merged output for one verdict status.
func ResultKey(jobID string, status string) string {
	return path.Join("jobs", jobID, "results", status+".csv")
}
