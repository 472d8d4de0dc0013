// Package fs stores objects on the local filesystem and serves them over HTTP.
package fs

import (
	"context"
	"errors"
	"fmt"
	iofs "io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"aggregator/internal/storage"
)

// Store writes objects below a root directory.
type Store struct {
	dir       string
	publicURL string
}

// New creates the root directory if needed. publicURL is the base the
// objects are reachable at, usually "{PUBLIC_URL}/objects".
func New(dir, publicURL string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &Store{dir: dir, publicURL: publicURL}, nil
}

// Put writes body to a temp file and renames it over the key's path, so a
// reader never sees a partially written object.
func (s *Store) Put(ctx context.Context, key string, body []byte, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !iofs.ValidPath(key) {
		return "", fmt.Errorf("invalid object key %q", key)
	}

	dest := filepath.Join(s.dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write object: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to sync object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close object: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return "", fmt.Errorf("failed to chmod object: %w", err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		return "", fmt.Errorf("failed to commit object: %w", err)
	}

	slog.Debug("Stored object", "key", key, "bytes", len(body))
	return storage.JoinURL(s.publicURL, key), nil
}

// Ready checks the root directory is still there.
func (s *Store) Ready(context.Context) error {
	info, err := os.Stat(s.dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", s.dir)
	}
	return nil
}

// Handler serves stored objects. It expects a "key" path wildcard, as in
// "GET /objects/{key...}". Directories are never listed.
func (s *Store) Handler() http.Handler {
	root := os.DirFS(s.dir)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.PathValue("key")
		if !iofs.ValidPath(key) {
			http.NotFound(w, r)
			return
		}
		info, err := iofs.Stat(root, key)
		if err != nil || info.IsDir() {
			if err != nil && !errors.Is(err, iofs.ErrNotExist) {
				slog.Warn("Failed to stat object", "key", key, "error", err)
			}
			http.NotFound(w, r)
			return
		}
		http.ServeFileFS(w, r, root, key)
	})
}

var _ storage.ObjectStore = (*Store)(nil)
