package duckdb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ErrInMemoryStore indicates the store uses an in-memory DB and cannot be snapshotted.
var ErrInMemoryStore = errors.New("duckdb: in-memory store cannot be snapshotted")

// DBPath returns the configured DuckDB path. Empty means in-memory DB.
func (s *Store) DBPath() string {
	return s.dbPath
}

// SnapshotTo checkpoints the database and copies its file to dstPath,
// returning the snapshot size. The checkpoint runs under the write lock; the
// copy does not, so appends continue while a large file is copied.
func (s *Store) SnapshotTo(ctx context.Context, dstPath string) (int64, error) {
	if s.dbPath == "" {
		return 0, ErrInMemoryStore
	}
	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return 0, fmt.Errorf("duckdb: create snapshot dir: %w", err)
	}

	s.mu.Lock()
	_, err := s.db.ExecContext(ctx, "CHECKPOINT")
	s.mu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("duckdb: checkpoint: %w", err)
	}

	n, err := copyFile(s.dbPath, dstPath)
	if err != nil {
		return 0, fmt.Errorf("duckdb: copy snapshot: %w", err)
	}
	return n, nil
}

// copyFile writes to a temporary sibling and renames it into place so a
// partial snapshot is never visible under dstPath.
func copyFile(srcPath, dstPath string) (int64, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return 0, err
	}
	defer src.Close()

	tmp := dstPath + ".tmp"
	dst, err := os.Create(tmp)
	if err != nil {
		return 0, err
	}
	fail := func(err error) (int64, error) {
		dst.Close()
		_ = os.Remove(tmp)
		return 0, err
	}

	n, err := io.Copy(dst, src)
	if err != nil {
		return fail(err)
	}
	if err := dst.Sync(); err != nil {
		return fail(err)
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(tmp)
		return 0, err
	}
	return n, os.Rename(tmp, dstPath)
}
