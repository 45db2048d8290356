package cache

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
	"github.com/natefinch/atomic"
)

// File is a Cache storing one file per key in a directory.
//
// Writes go through a temp file and rename, so a reader never sees a
// half-written value. A lock file serializes writers across processes.
type File struct {
	dir  string
	lock *flock.Flock
}

var _ Cache = (*File)(nil)

// OpenFile opens (creating if needed) a file cache rooted at dir.
func OpenFile(dir string) (*File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return &File{
		dir:  dir,
		lock: flock.New(filepath.Join(dir, ".lock")),
	}, nil
}

func (c *File) path(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, `/\`) || strings.HasPrefix(key, ".") {
		return "", fmt.Errorf("invalid cache key %q", key)
	}
	return filepath.Join(c.dir, key+".json"), nil
}

// Get implements Cache.
func (c *File) Get(key string) ([]byte, bool, error) {
	path, err := c.path(key)
	if err != nil {
		return nil, false, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read cache file %s: %w", path, err)
	}
	return data, true, nil
}

// Put implements Cache.
func (c *File) Put(key string, value []byte) error {
	path, err := c.path(key)
	if err != nil {
		return err
	}

	if err := c.lock.Lock(); err != nil {
		return fmt.Errorf("failed to lock cache: %w", err)
	}
	defer c.lock.Unlock()

	if err := atomic.WriteFile(path, bytes.NewReader(value)); err != nil {
		return fmt.Errorf("failed to write cache file %s: %w", path, err)
	}
	return nil
}

// Delete implements Cache.
func (c *File) Delete(key string) error {
	path, err := c.path(key)
	if err != nil {
		return err
	}

	if err := c.lock.Lock(); err != nil {
		return fmt.Errorf("failed to lock cache: %w", err)
	}
	defer c.lock.Unlock()

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete cache file %s: %w", path, err)
	}
	return nil
}

// Close implements Cache.
func (c *File) Close() error {
	return c.lock.Close()
}
