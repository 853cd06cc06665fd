// Package store provides the transports a pyramid is read through. A store
// maps a slash separated key, relative to the dataset root, to its bytes.
package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync"
)

// ErrNotFound is returned when a key does not exist in a store.
var ErrNotFound = errors.New("not found")

// Store is an opaque key to bytes transport.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// Open returns a store for source. http and https URLs are read with an
// HTTPStore, URLs with another scheme go through gocloud.dev/blob (s3://,
// gs://, mem://, file://) and plain paths are opened as local directories.
func Open(ctx context.Context, source string, opts ...HTTPOption) (Store, error) {
	switch {
	case strings.HasPrefix(source, "http://"), strings.HasPrefix(source, "https://"):
		return NewHTTPStore(source, opts...), nil
	case strings.Contains(source, "://"):
		return OpenBlobStore(ctx, source)
	default:
		abs, err := filepath.Abs(source)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve local path %s: %w", source, err)
		}
		return OpenBlobStore(ctx, "file://"+filepath.ToSlash(abs))
	}
}

// MemoryStore keeps every key in memory. It is mostly used by tests and to
// hold pyramids built on the fly.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: map[string][]byte{}}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.data[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return bytes.Clone(d), nil
}

func (s *MemoryStore) Put(key string, val []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = bytes.Clone(val)
}

// Len returns the number of stored keys.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Keys returns every stored key, sorted.
func (s *MemoryStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Compile time checks.
var (
	_ Store = (*HTTPStore)(nil)
	_ Store = (*BlobStore)(nil)
)
