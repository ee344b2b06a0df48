// Package dedupe answers "is this email new in this run" in O(1) amortized
// regardless of list size. Membership starts in an in-memory set and spills
// to an on-disk sqlite unique index once a configured limit is crossed.
package dedupe

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Store tracks normalized-email membership for one preprocessing run.
// Not safe for concurrent use; the preprocessor is single-threaded over
// the input stream.
type Store struct {
	memoryLimit int
	tempDir     string

	mem  map[string]struct{}
	db   *sql.DB
	path string
}

// New creates a dedupe store. memoryLimit is the number of entries held in
// memory before spilling to disk; tempDir receives the spill index file.
func New(memoryLimit int, tempDir string) *Store {
	if memoryLimit <= 0 {
		memoryLimit = 100000
	}
	return &Store{
		memoryLimit: memoryLimit,
		tempDir:     tempDir,
		mem:         make(map[string]struct{}),
	}
}

// IsNew returns true and records membership iff the email has not been seen
// in this run.
func (s *Store) IsNew(ctx context.Context, email string) (bool, error) {
	if s.db == nil {
		if _, seen := s.mem[email]; seen {
			return false, nil
		}
		s.mem[email] = struct{}{}
		if len(s.mem) > s.memoryLimit {
			if err := s.spill(ctx); err != nil {
				return false, err
			}
		}
		return true, nil
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO seen_emails (email) VALUES (?)`, email)
	if err != nil {
		return false, eris.Wrap(err, "dedupe: insert")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "dedupe: rows affected")
	}
	return n == 1, nil
}

// spill migrates the current in-memory set into a fresh sqlite index and
// routes all subsequent inserts through it.
func (s *Store) spill(ctx context.Context) error {
	if err := os.MkdirAll(s.tempDir, 0o755); err != nil {
		return eris.Wrap(err, "dedupe: create temp dir")
	}
	path := filepath.Join(s.tempDir, "dedupe-"+uuid.New().String()+".db")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return eris.Wrap(err, "dedupe: open spill index")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=OFF",
		"PRAGMA synchronous=OFF",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			os.Remove(path)
			return eris.Wrapf(err, "dedupe: exec %s", pragma)
		}
	}
	if _, err := db.ExecContext(ctx,
		`CREATE TABLE seen_emails (email TEXT PRIMARY KEY) WITHOUT ROWID`); err != nil {
		db.Close()
		os.Remove(path)
		return eris.Wrap(err, "dedupe: create table")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		db.Close()
		os.Remove(path)
		return eris.Wrap(err, "dedupe: begin migration")
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO seen_emails (email) VALUES (?)`)
	if err != nil {
		tx.Rollback()
		db.Close()
		os.Remove(path)
		return eris.Wrap(err, "dedupe: prepare migration insert")
	}
	for email := range s.mem {
		if _, err := stmt.ExecContext(ctx, email); err != nil {
			stmt.Close()
			tx.Rollback()
			db.Close()
			os.Remove(path)
			return eris.Wrap(err, "dedupe: migrate entry")
		}
	}
	stmt.Close()
	if err := tx.Commit(); err != nil {
		db.Close()
		os.Remove(path)
		return eris.Wrap(err, "dedupe: commit migration")
	}

	zap.L().Debug("dedupe spilled to disk",
		zap.Int("entries", len(s.mem)),
		zap.String("path", path),
	)

	s.db = db
	s.path = path
	s.mem = nil
	return nil
}

// Release closes the spill index and deletes its file. Safe to call whether
// or not the store spilled, and on error paths.
func (s *Store) Release() error {
	s.mem = nil
	if s.db == nil {
		return nil
	}
	closeErr := s.db.Close()
	removeErr := os.Remove(s.path)
	s.db = nil
	if closeErr != nil {
		return eris.Wrap(closeErr, "dedupe: close spill index")
	}
	if removeErr != nil && !os.IsNotExist(removeErr) {
		return eris.Wrap(removeErr, "dedupe: remove spill index")
	}
	return nil
}
