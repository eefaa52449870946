// Package objstore defines the blob interface the core depends on for
// workspace snapshots and session artifacts (SPEC_FULL.md §6's persisted
// layout), with a filesystem-backed implementation. The spec scopes the
// real object store's operational concerns out of the core's responsibility;
// this package exists so call sites depend on a concrete interface rather
// than an unimplemented one.
package objstore

import (
	"context"
	"io"
	"os"
	"path/filepath"
)

// Store puts, gets, and lists blobs addressed by an opaque key, e.g.
// "workspaces/{wid}/snapshot-{ts}.tar.gz" or "artifacts/{sid}/...".
type Store interface {
	Put(ctx context.Context, key string, data io.Reader) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
}

// FilesystemStore implements Store on top of a local directory tree,
// mirroring key segments (split on "/") onto nested directories.
type FilesystemStore struct {
	root string
}

// NewFilesystemStore constructs a FilesystemStore rooted at dir, creating it
// if necessary.
func NewFilesystemStore(dir string) (*FilesystemStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FilesystemStore{root: dir}, nil
}

func (s *FilesystemStore) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

// Put writes data to the key's path, creating parent directories as needed.
func (s *FilesystemStore) Put(ctx context.Context, key string, data io.Reader) error {
	full := s.path(key)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	f, err := os.Create(full)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(f, data)
	return err
}

// Get opens the blob at key for reading. The caller must Close it.
func (s *FilesystemStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	return os.Open(s.path(key))
}

// List returns every key under prefix, relative to the store root.
func (s *FilesystemStore) List(ctx context.Context, prefix string) ([]string, error) {
	base := s.path(prefix)
	var out []string
	err := filepath.WalkDir(base, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes the blob at key, if present.
func (s *FilesystemStore) Delete(ctx context.Context, key string) error {
	err := os.Remove(s.path(key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Ping verifies the root directory is still accessible.
func (s *FilesystemStore) Ping(ctx context.Context) error {
	_, err := os.Stat(s.root)
	return err
}
