package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ruteri/wallet-recovery-coordinator/interfaces"
)

type memoryEntry struct {
	value     []byte
	version   uint64
	expiresAt time.Time
}

func (e *memoryEntry) live(now time.Time) bool {
	return e != nil && (e.expiresAt.IsZero() || now.Before(e.expiresAt))
}

// MemoryStore is an in-process SessionStore. The mutex guards only the map;
// callers never hold it across I/O.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	counter uint64
	clock   clock.Clock
}

// NewMemoryStore creates an empty store using clk for TTLs.
func NewMemoryStore(clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.New()
	}
	return &MemoryStore{
		entries: make(map[string]*memoryEntry),
		clock:   clk,
	}
}

func (s *MemoryStore) Get(ctx context.Context, key string) (interfaces.VersionedValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entries[key]
	if !e.live(s.clock.Now()) {
		return interfaces.VersionedValue{}, interfaces.ErrKeyNotFound
	}
	return interfaces.VersionedValue{Value: append([]byte(nil), e.value...), Version: e.version}, nil
}

func (s *MemoryStore) CompareAndSwap(ctx context.Context, key string, expected uint64, value []byte, ttl time.Duration) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	var current uint64
	if e := s.entries[key]; e.live(now) {
		current = e.version
	}
	if current != expected {
		return 0, interfaces.ErrVersionConflict
	}

	// A single counter for the whole store keeps versions increasing per key
	// even after a delete or expiry.
	s.counter++
	e := &memoryEntry{
		value:   append([]byte(nil), value...),
		version: s.counter,
	}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}
	s.entries[key] = e
	return e.version, nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		interfaces.Wipe(e.value)
		delete(s.entries, key)
	}
	return nil
}

func (s *MemoryStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	var keys []string
	for k, e := range s.entries {
		if strings.HasPrefix(k, prefix) && e.live(now) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Name returns a unique identifier for this store.
func (s *MemoryStore) Name() string {
	return "memory"
}

// MemoryBackend is an in-process BlobBackend for development and tests.
type MemoryBackend struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryBackend creates an empty blob backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{blobs: make(map[string][]byte)}
}

func (b *MemoryBackend) Fetch(ctx context.Context, key string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	data, ok := b.blobs[key]
	if !ok {
		return nil, interfaces.ErrKeyNotFound
	}
	return append([]byte(nil), data...), nil
}

func (b *MemoryBackend) Store(ctx context.Context, key string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blobs[key] = append([]byte(nil), data...)
	return nil
}

func (b *MemoryBackend) Available(ctx context.Context) bool { return true }

func (b *MemoryBackend) Name() string { return "memory" }

func (b *MemoryBackend) LocationURI() string { return "memory://" }
