package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
)

// File persists one JSON object per namespace inside a session directory.
// Writes go through a temp file and rename; a flock on a sibling lock file
// keeps concurrent processes from interleaving read-modify-write cycles.
type File struct {
	path string
	lock *flock.Flock

	mu     sync.Mutex
	closed bool
}

// NewFile returns a File store writing to <dir>/<namespace>.json.
func NewFile(dir, namespace string) (*File, error) {
	if dir == "" {
		return nil, errors.New("store: file driver requires a directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating session directory: %w", err)
	}
	return &File{
		path: filepath.Join(dir, namespace+".json"),
		lock: flock.New(filepath.Join(dir, namespace+".lock")),
	}, nil
}

// Path returns the JSON file backing the store.
func (f *File) Path() string { return f.path }

func (f *File) GetString(_ context.Context, key string) (string, bool, error) {
	var (
		v  string
		ok bool
	)
	err := f.withLock(false, func(values map[string]string) (bool, error) {
		v, ok = values[key]
		return false, nil
	})
	return v, ok, err
}

func (f *File) PutString(_ context.Context, key, value string) error {
	return f.withLock(true, func(values map[string]string) (bool, error) {
		if cur, ok := values[key]; ok && cur == value {
			return false, nil
		}
		values[key] = value
		return true, nil
	})
}

func (f *File) GetBool(ctx context.Context, key string) (bool, bool, error) {
	raw, ok, err := f.GetString(ctx, key)
	if err != nil || !ok {
		return false, ok, err
	}
	v, err := parseBool(key, raw)
	return v, err == nil, err
}

func (f *File) PutBool(ctx context.Context, key string, value bool) error {
	return f.PutString(ctx, key, formatBool(value))
}

func (f *File) Remove(_ context.Context, key string) error {
	return f.withLock(true, func(values map[string]string) (bool, error) {
		if _, ok := values[key]; !ok {
			return false, nil
		}
		delete(values, key)
		return true, nil
	})
}

func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	return f.lock.Close()
}

// withLock loads the namespace under the file lock, runs fn and, if fn
// reports a change, writes the result back before releasing the lock.
func (f *File) withLock(write bool, fn func(map[string]string) (bool, error)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}

	lockFn := f.lock.RLock
	if write {
		lockFn = f.lock.Lock
	}
	if err := lockFn(); err != nil {
		return fmt.Errorf("locking %s: %w", f.lock.Path(), err)
	}
	defer f.lock.Unlock()

	values, err := f.load()
	if err != nil {
		return err
	}
	changed, err := fn(values)
	if err != nil || !changed {
		return err
	}
	return f.save(values)
}

func (f *File) load() (map[string]string, error) {
	values := make(map[string]string)
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return values, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", f.path, err)
	}
	if len(data) == 0 {
		return values, nil
	}
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", f.path, err)
	}
	return values, nil
}

func (f *File) save(values map[string]string) error {
	data, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return fmt.Errorf("serializing store: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("replacing %s: %w", f.path, err)
	}
	return nil
}
