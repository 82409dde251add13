// Package objstore abstracts PDF object storage. Paths are content-addressed
// at the FDD level: the same hash always maps to the same path.
package objstore

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
)

// ErrNotFound is returned when the path has no object.
var ErrNotFound = eris.New("objstore: object not found")

// Store is the thin object-store interface the pipeline consumes.
type Store interface {
	Put(ctx context.Context, path string, data []byte) error
	Get(ctx context.Context, path string) ([]byte, error)
	GetRange(ctx context.Context, path string, start, end int64) ([]byte, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// FSStore implements Store on the local filesystem under a root directory.
type FSStore struct {
	root string
}

// NewFSStore creates a filesystem-backed store rooted at root.
func NewFSStore(root string) (*FSStore, error) {
	if root == "" {
		return nil, eris.New("objstore: root directory required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, eris.Wrap(err, "objstore: create root")
	}
	return &FSStore{root: root}, nil
}

// Put writes data at path, creating parent directories. Writes go through a
// temp file and rename so a crashed writer never leaves a partial object.
func (s *FSStore) Put(ctx context.Context, path string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return eris.Wrap(err, "objstore: create parent dir")
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".put-*")
	if err != nil {
		return eris.Wrap(err, "objstore: create temp")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return eris.Wrap(err, "objstore: write temp")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return eris.Wrap(err, "objstore: close temp")
	}
	if err := os.Rename(tmpName, full); err != nil {
		os.Remove(tmpName)
		return eris.Wrap(err, "objstore: rename")
	}
	return nil
}

// Get reads the whole object at path.
func (s *FSStore) Get(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	full, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "objstore: read")
	}
	return data, nil
}

// GetRange reads bytes [start, end) of the object at path.
func (s *FSStore) GetRange(ctx context.Context, path string, start, end int64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if start < 0 || end < start {
		return nil, eris.Errorf("objstore: invalid range %d-%d", start, end)
	}
	full, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "objstore: open")
	}
	defer f.Close()

	buf := make([]byte, end-start)
	n, err := f.ReadAt(buf, start)
	if err != nil && n == 0 {
		return nil, eris.Wrap(err, "objstore: read range")
	}
	return buf[:n], nil
}

// Exists reports whether an object is present at path.
func (s *FSStore) Exists(ctx context.Context, path string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	full, err := s.resolve(path)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(full)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrap(err, "objstore: stat")
	}
	return true, nil
}

// resolve maps a store path onto the root, rejecting traversal outside it.
func (s *FSStore) resolve(path string) (string, error) {
	clean := filepath.Clean("/" + strings.TrimPrefix(path, "/"))
	if strings.Contains(clean, "..") {
		return "", eris.Errorf("objstore: invalid path %q", path)
	}
	return filepath.Join(s.root, clean), nil
}
