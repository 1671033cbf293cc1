// Package blobstore keeps raw file content addressed by uid.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned when no content is stored for a uid
var ErrNotFound = errors.New("blob not found")

// Store persists raw file content by uid
type Store interface {
	Put(ctx context.Context, uid string, data []byte) error
	Get(ctx context.Context, uid string) ([]byte, error)
	Delete(ctx context.Context, uid string) error
	Exists(ctx context.Context, uid string) (bool, error)
	List(ctx context.Context) ([]string, error)
}

// FSStore lays files out as <dir>/<first two uid chars>/<uid>
type FSStore struct {
	dir string
}

// NewFSStore creates the base directory if needed
func NewFSStore(dir string) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob dir %s: %w", dir, err)
	}
	return &FSStore{dir: dir}, nil
}

// Path returns where uid is stored on disk
func (s *FSStore) Path(uid string) string {
	prefix := uid
	if len(prefix) > 2 {
		prefix = prefix[:2]
	}
	return filepath.Join(s.dir, prefix, uid)
}

func validUID(uid string) error {
	if uid == "" || strings.ContainsAny(uid, `/\`) || strings.Contains(uid, "..") {
		return fmt.Errorf("invalid uid: %q", uid)
	}
	return nil
}

func (s *FSStore) Put(ctx context.Context, uid string, data []byte) error {
	if err := validUID(uid); err != nil {
		return err
	}
	path := s.Path(uid)
	if _, err := os.Stat(path); err == nil {
		// content addressed: same uid means same bytes
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create blob dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write blob %s: %w", uid, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close blob %s: %w", uid, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to store blob %s: %w", uid, err)
	}
	return nil
}

func (s *FSStore) Get(ctx context.Context, uid string) ([]byte, error) {
	if err := validUID(uid); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.Path(uid))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, uid)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read blob %s: %w", uid, err)
	}
	return data, nil
}

func (s *FSStore) Delete(ctx context.Context, uid string) error {
	if err := validUID(uid); err != nil {
		return err
	}
	err := os.Remove(s.Path(uid))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to delete blob %s: %w", uid, err)
	}
	return nil
}

func (s *FSStore) Exists(ctx context.Context, uid string) (bool, error) {
	if err := validUID(uid); err != nil {
		return false, err
	}
	_, err := os.Stat(s.Path(uid))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat blob %s: %w", uid, err)
	}
	return true, nil
}

func (s *FSStore) List(ctx context.Context) ([]string, error) {
	var uids []string
	err := filepath.WalkDir(s.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		uids = append(uids, d.Name())
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list blobs: %w", err)
	}
	return uids, nil
}
