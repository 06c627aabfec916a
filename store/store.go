// Package store provides the flat key/value persistence used by the token
// registry. Every backend scopes its keys by a namespace so several
// registries can share one database or directory.
package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
)

// DefaultNamespace is the namespace used when none is configured.
const DefaultNamespace = "push_registry"

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store: closed")

// Store is a namespaced string/bool key-value store.
//
// Getters report ok=false for a missing key; a missing key is not an error.
type Store interface {
	GetString(ctx context.Context, key string) (string, bool, error)
	PutString(ctx context.Context, key, value string) error
	GetBool(ctx context.Context, key string) (bool, bool, error)
	PutBool(ctx context.Context, key string, value bool) error
	Remove(ctx context.Context, key string) error
	Close() error
}

// Config selects and configures a Store backend.
type Config struct {
	// Driver is one of "file", "sqlite", "redis" or "memory".
	Driver    string
	Namespace string

	// Dir is the session directory used by the file and sqlite drivers.
	Dir string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// Open creates the store described by cfg.
func Open(ctx context.Context, cfg Config) (Store, error) {
	ns := cfg.Namespace
	if ns == "" {
		ns = DefaultNamespace
	}
	switch cfg.Driver {
	case "", "file":
		return NewFile(cfg.Dir, ns)
	case "sqlite":
		return OpenSQLite(ctx, filepath.Join(cfg.Dir, "registry.db"), ns)
	case "redis":
		return OpenRedis(ctx, RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, ns)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("store: unknown driver %q", cfg.Driver)
	}
}

// Bool values are stored as strings by the backends that only hold text.
func formatBool(v bool) string { return strconv.FormatBool(v) }

func parseBool(key, raw string) (bool, error) {
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("store: key %q holds non-bool value %q: %w", key, raw, err)
	}
	return v, nil
}
