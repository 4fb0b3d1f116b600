package objstore

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
)

var ErrNotFound = errors.New("object not found")

// Storage holds uploaded document blobs keyed by tenant-prefixed paths.
type Storage interface {
	Put(ctx context.Context, key string, contentType string, body io.Reader) error
	Get(ctx context.Context, key string) (io.ReadCloser, string, error)
	Delete(ctx context.Context, key string) error
}

// CleanKey normalizes a storage key and rejects path traversal.
func CleanKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	key = strings.TrimPrefix(key, "/")
	if key == "" {
		return "", errors.New("empty storage key")
	}
	cleaned := filepath.ToSlash(filepath.Clean(key))
	if cleaned == "." || strings.HasPrefix(cleaned, "..") || strings.Contains(cleaned, "/../") {
		return "", errors.New("invalid storage key")
	}
	return cleaned, nil
}

// DiskStorage stores objects under a root directory, for development
// and tests. Content types ride alongside in a .ctype sidecar file.
type DiskStorage struct {
	Root string
}

func NewDisk(root string) (*DiskStorage, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("storage root is empty")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, err
	}
	return &DiskStorage{Root: root}, nil
}

func (d *DiskStorage) path(key string) string {
	return filepath.Join(d.Root, filepath.FromSlash(key))
}

func (d *DiskStorage) Put(ctx context.Context, key, contentType string, body io.Reader) error {
	key, err := CleanKey(key)
	if err != nil {
		return err
	}
	full := d.path(key)
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return err
	}
	f, err := os.Create(full)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		os.Remove(full)
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if contentType != "" {
		return os.WriteFile(full+".ctype", []byte(contentType), 0o640)
	}
	return nil
}

func (d *DiskStorage) Get(ctx context.Context, key string) (io.ReadCloser, string, error) {
	key, err := CleanKey(key)
	if err != nil {
		return nil, "", err
	}
	full := d.path(key)
	f, err := os.Open(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", ErrNotFound
		}
		return nil, "", err
	}
	contentType := "application/octet-stream"
	if raw, err := os.ReadFile(full + ".ctype"); err == nil && len(raw) > 0 {
		contentType = string(raw)
	}
	return f, contentType, nil
}

func (d *DiskStorage) Delete(ctx context.Context, key string) error {
	key, err := CleanKey(key)
	if err != nil {
		return err
	}
	full := d.path(key)
	if err := os.Remove(full); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return err
	}
	_ = os.Remove(full + ".ctype")
	return nil
}
