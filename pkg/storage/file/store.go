// Package file implements the storage.Store interface for local filesystem
// paths. Keys are treated as relative paths under BaseDir.
//
// This store backs tests and local single-machine runs.
package file

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/studyowl/mediaworks/pkg/storage"
)

// Store implements storage.Store over a base directory.
type Store struct {
	baseDir string
}

var _ storage.Store = (*Store)(nil)

type Config struct {
	BaseDir string
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.BaseDir) == "" {
		return fmt.Errorf("base dir is required")
	}
	return nil
}

func New(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{baseDir: filepath.Clean(cfg.BaseDir)}, nil
}

func (s *Store) Close() error { return nil }

func (s *Store) List(ctx context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	_ = ctx
	maxKeys := opts.MaxKeys
	if maxKeys <= 0 {
		maxKeys = 1000
	}

	prefix := strings.TrimPrefix(opts.Prefix, "/")
	keys, err := s.collectKeys(prefix)
	if err != nil {
		return nil, s.wrapError("List", opts.Prefix, err)
	}
	sort.Strings(keys)

	start := 0
	if opts.ContinuationToken != "" {
		// Start strictly after the last returned key.
		idx := sort.SearchStrings(keys, opts.ContinuationToken)
		for idx < len(keys) && keys[idx] <= opts.ContinuationToken {
			idx++
		}
		start = idx
	}

	end := start + maxKeys
	if end > len(keys) {
		end = len(keys)
	}

	objects := make([]storage.ObjectSummary, 0, end-start)
	for _, k := range keys[start:end] {
		full, err := s.fullPath(k)
		if err != nil {
			continue
		}
		st, err := os.Stat(full)
		if err != nil || st.IsDir() {
			continue
		}
		objects = append(objects, storage.ObjectSummary{Key: k, Size: st.Size(), LastModified: st.ModTime()})
	}

	res := &storage.ListResult{Objects: objects}
	if end < len(keys) {
		res.IsTruncated = true
		res.ContinuationToken = keys[end-1]
	}
	return res, nil
}

func (s *Store) Head(ctx context.Context, key string) (*storage.ObjectMeta, error) {
	_ = ctx
	full, err := s.fullPath(key)
	if err != nil {
		return nil, s.wrapError("Head", key, err)
	}
	st, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &storage.StoreError{Op: "Head", Store: storage.StoreFile, Key: key, Err: storage.ErrNotFound}
		}
		return nil, s.wrapError("Head", key, err)
	}
	if st.IsDir() {
		return nil, &storage.StoreError{Op: "Head", Store: storage.StoreFile, Key: key, Err: storage.ErrNotFound}
	}

	return &storage.ObjectMeta{
		ObjectSummary: storage.ObjectSummary{Key: strings.TrimPrefix(key, "/"), Size: st.Size(), LastModified: st.ModTime()},
	}, nil
}

func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	_ = ctx
	full, err := s.fullPath(key)
	if err != nil {
		return nil, 0, s.wrapError("Get", key, err)
	}
	f, err := os.Open(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, &storage.StoreError{Op: "Get", Store: storage.StoreFile, Key: key, Err: storage.ErrNotFound}
		}
		return nil, 0, s.wrapError("Get", key, err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, s.wrapError("Get", key, err)
	}
	return f, st.Size(), nil
}

func (s *Store) Put(ctx context.Context, key string, body io.Reader, contentLength int64, contentType string) error {
	_ = ctx
	_ = contentLength
	_ = contentType
	full, err := s.fullPath(key)
	if err != nil {
		return s.wrapError("Put", key, err)
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return s.wrapError("Put", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), "mediaworks-put-*")
	if err != nil {
		return s.wrapError("Put", key, err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := io.Copy(tmp, body); err != nil {
		return s.wrapError("Put", key, err)
	}
	if err := tmp.Close(); err != nil {
		return s.wrapError("Put", key, err)
	}

	if err := os.Rename(tmpName, full); err != nil {
		return s.wrapError("Put", key, err)
	}
	return nil
}

func (s *Store) Copy(ctx context.Context, srcKey, dstKey string) error {
	body, _, err := s.Get(ctx, srcKey)
	if err != nil {
		return err
	}
	defer func() { _ = body.Close() }()
	if err := s.Put(ctx, dstKey, body, 0, ""); err != nil {
		return s.wrapError("Copy", dstKey, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_ = ctx
	full, err := s.fullPath(key)
	if err != nil {
		return s.wrapError("Delete", key, err)
	}
	if err := os.Remove(full); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return s.wrapError("Delete", key, err)
	}
	return nil
}

func (s *Store) fullPath(key string) (string, error) {
	key = strings.TrimSpace(key)
	key = strings.TrimPrefix(key, "/")
	// Prevent path traversal.
	clean := filepath.Clean("/" + key)
	clean = strings.TrimPrefix(clean, "/")
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("invalid key path")
	}
	return filepath.Join(s.baseDir, filepath.FromSlash(clean)), nil
}

// collectKeys walks the base dir and keeps keys matching the (possibly
// partial) prefix. Artifact prefixes are not required to end at a directory
// boundary, so filtering happens on the slash-form key, not the walk root.
func (s *Store) collectKeys(prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(s.baseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.baseDir, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if prefix == "" || strings.HasPrefix(rel, prefix) {
			keys = append(keys, rel)
		}
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}
	return keys, nil
}

func (s *Store) wrapError(op, key string, err error) error {
	wrapped := &storage.StoreError{Op: op, Store: storage.StoreFile, Key: key, Err: err}
	if err == nil {
		wrapped.Err = fmt.Errorf("unknown error")
	}
	// Normalize common filesystem errors to storage sentinels.
	if os.IsNotExist(err) {
		wrapped.Err = storage.ErrNotFound
	}
	if os.IsPermission(err) {
		wrapped.Err = storage.ErrAccessDenied
	}
	return wrapped
}
