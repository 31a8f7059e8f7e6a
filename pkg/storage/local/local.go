// Package local provides a storage.Uploader that writes objects below a
// directory on disk and serves them over HTTP under a public base URL.
//
// It suits single-node deployments and development; mount [Uploader.Handler]
// at the path component of the base URL.
package local

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/MrWong99/voxtalk/pkg/storage"
)

// Compile-time interface assertion.
var _ storage.Uploader = (*Uploader)(nil)

// Uploader implements storage.Uploader on the local filesystem.
type Uploader struct {
	root    string
	baseURL string
}

// New creates an Uploader rooted at dir, creating it if needed. baseURL is
// the public prefix of issued URLs, e.g. "http://localhost:8080/files".
func New(dir, baseURL string) (*Uploader, error) {
	if dir == "" {
		return nil, errors.New("local: dir must not be empty")
	}
	if baseURL == "" {
		return nil, errors.New("local: baseURL must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("local: create root: %w", err)
	}
	return &Uploader{root: dir, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Upload implements storage.Uploader. The write is atomic: data lands in a
// temporary file that is renamed into place.
func (u *Uploader) Upload(_ context.Context, key string, data []byte, _ string) (string, error) {
	key, err := storage.CleanKey(key)
	if err != nil {
		return "", err
	}
	dst := filepath.Join(u.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("local: create dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("local: create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("local: write %q: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("local: close %q: %w", key, err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("local: rename %q: %w", key, err)
	}
	return u.baseURL + "/" + key, nil
}

// Delete implements storage.Uploader. Deleting a missing object is not an error.
func (u *Uploader) Delete(_ context.Context, url string) error {
	key, err := storage.KeyFromURL(u.baseURL, url)
	if err != nil {
		return err
	}
	err = os.Remove(filepath.Join(u.root, filepath.FromSlash(key)))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("local: delete %q: %w", key, err)
	}
	return nil
}

// Handler serves stored objects. Directory listings are disabled.
func (u *Uploader) Handler() http.Handler {
	files := http.FileServer(http.Dir(u.root))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "" || strings.HasSuffix(r.URL.Path, "/") {
			http.NotFound(w, r)
			return
		}
		files.ServeHTTP(w, r)
	})
}
