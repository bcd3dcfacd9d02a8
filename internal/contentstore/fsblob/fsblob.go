// Package fsblob implements contentstore.BlobBackend over a local
// directory tree. Grounded on pkg/blob's Supabase-backed Storage: same
// Upload/Download/Delete/Exists shape and the same sanitizeKey defense
// against directory traversal, retargeted at the filesystem instead of an
// object-storage HTTP API.
package fsblob

import (
	"context"
	"errors"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/nodalwatch/ace/internal/contentstore"
)

// Backend stores blobs as files under root, keyed by their content
// address (split into a two-character shard prefix to keep any one
// directory from growing unbounded).
type Backend struct {
	root string
}

// New creates a Backend rooted at dir, creating it if necessary.
func New(dir string) (*Backend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Backend{root: dir}, nil
}

var _ contentstore.BlobBackend = (*Backend)(nil)

func (b *Backend) path(key string) string {
	key = sanitizeKey(key)
	shard := key
	if len(key) >= 2 {
		shard = key[:2]
	}
	return filepath.Join(b.root, shard, key)
}

// Put writes r's content to key's path, creating the shard directory as
// needed.
func (b *Backend) Put(ctx context.Context, key string, r io.Reader) error {
	p := b.path(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	tmp := p + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, p)
}

// Get opens key's path for reading.
func (b *Backend) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(b.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, os.ErrNotExist
		}
		return nil, err
	}
	return f, nil
}

// Delete removes key's file, tolerating an already-absent file.
func (b *Backend) Delete(ctx context.Context, key string) error {
	err := os.Remove(b.path(key))
	if err != nil && errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Exists reports whether key has a stored file.
func (b *Backend) Exists(ctx context.Context, key string) (bool, error) {
	_, err := os.Stat(b.path(key))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func sanitizeKey(key string) string {
	key = strings.TrimPrefix(key, "/")
	key = path.Clean(key)
	key = strings.ReplaceAll(key, "..", "_")
	key = strings.ReplaceAll(key, string(filepath.Separator), "_")
	return key
}
