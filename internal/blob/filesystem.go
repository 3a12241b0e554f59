package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"kioskads/internal/apperr"
)

// Filesystem stores objects as files under a root directory.
type Filesystem struct {
	root string
}

// NewFilesystem creates the root directory if needed.
func NewFilesystem(root string) (*Filesystem, error) {
	if root == "" {
		return nil, fmt.Errorf("filesystem blob store requires a root directory")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &Filesystem{root: root}, nil
}

func (f *Filesystem) path(key string) (string, error) {
	if key == "" || strings.Contains(key, "..") || strings.ContainsAny(key, `/\`) {
		return "", apperr.Validation(fmt.Sprintf("invalid object key %q", key))
	}
	return filepath.Join(f.root, key), nil
}

// Put writes to a temp file and renames it into place so readers never see partial objects.
func (f *Filesystem) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	dst, err := f.path(key)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(f.root, ".upload-*")
	if err != nil {
		return apperr.Storage("create temp object", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	n, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		cleanup()
		return apperr.Storage("write object", err)
	}
	if size >= 0 && n != size {
		tmp.Close()
		cleanup()
		return apperr.Storage(fmt.Sprintf("size mismatch for %s: expected %d bytes, got %d", key, size, n), nil)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return apperr.Storage("sync object", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return apperr.Storage("close object", err)
	}
	if err := ctx.Err(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		cleanup()
		return apperr.Storage("commit object", err)
	}
	return nil
}

func (f *Filesystem) Get(_ context.Context, key string) (io.ReadCloser, error) {
	p, err := f.path(key)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, apperr.NotFound(fmt.Sprintf("object %s not found", key))
	}
	if err != nil {
		return nil, apperr.Storage("open object", err)
	}
	return file, nil
}

func (f *Filesystem) Stat(_ context.Context, key string) (ObjectInfo, error) {
	p, err := f.path(key)
	if err != nil {
		return ObjectInfo{}, err
	}
	st, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return ObjectInfo{}, apperr.NotFound(fmt.Sprintf("object %s not found", key))
	}
	if err != nil {
		return ObjectInfo{}, apperr.Storage("stat object", err)
	}
	return ObjectInfo{Key: key, Size: st.Size(), LastModified: st.ModTime().UTC()}, nil
}

func (f *Filesystem) Delete(_ context.Context, key string) error {
	p, err := f.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return apperr.Storage("delete object", err)
	}
	return nil
}

func (f *Filesystem) List(_ context.Context, prefix string) ([]ObjectInfo, error) {
	entries, err := os.ReadDir(f.root)
	if err != nil {
		return nil, apperr.Storage("list objects", err)
	}
	var out []ObjectInfo
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".upload-") || !strings.HasPrefix(name, prefix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, ObjectInfo{Key: name, Size: info.Size(), LastModified: info.ModTime().UTC()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
