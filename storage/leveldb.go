package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ruteri/wallet-recovery-coordinator/interfaces"
	"github.com/syndtr/goleveldb/leveldb"
	lvlstorage "github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var (
	recordPrefix = []byte("r/")
	counterKey   = []byte("m/version")
)

// storedRecord is the JSON layout of a session store entry.
type storedRecord struct {
	Version   uint64 `json:"v"`
	ExpiresAt int64  `json:"exp,omitempty"` // unix nanoseconds, 0 = never
	Data      []byte `json:"data"`
}

func (r *storedRecord) live(now time.Time) bool {
	return r.ExpiresAt == 0 || now.UnixNano() < r.ExpiresAt
}

// LevelDBStore is a durable single-node SessionStore.
// Conditional writes run inside a leveldb transaction, which excludes
// concurrent writers for the duration of the read-compare-write.
type LevelDBStore struct {
	db    *leveldb.DB
	path  string
	clock clock.Clock
	log   *slog.Logger
}

// NewLevelDBStore opens (or creates) a leveldb database at path.
func NewLevelDBStore(path string, clk clock.Clock, log *slog.Logger) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open leveldb at %s: %w", path, err)
	}
	return newLevelDBStore(db, path, clk, log), nil
}

// NewInMemoryLevelDBStore opens a leveldb database backed by memory, for tests.
func NewInMemoryLevelDBStore(clk clock.Clock, log *slog.Logger) (*LevelDBStore, error) {
	db, err := leveldb.Open(lvlstorage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory leveldb: %w", err)
	}
	return newLevelDBStore(db, ":memory:", clk, log), nil
}

func newLevelDBStore(db *leveldb.DB, path string, clk clock.Clock, log *slog.Logger) *LevelDBStore {
	if clk == nil {
		clk = clock.New()
	}
	return &LevelDBStore{db: db, path: path, clock: clk, log: log}
}

func (s *LevelDBStore) Get(ctx context.Context, key string) (interfaces.VersionedValue, error) {
	raw, err := s.db.Get(recordKey(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return interfaces.VersionedValue{}, interfaces.ErrKeyNotFound
	}
	if err != nil {
		return interfaces.VersionedValue{}, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}

	var rec storedRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return interfaces.VersionedValue{}, fmt.Errorf("corrupt record %s: %w", key, err)
	}
	if !rec.live(s.clock.Now()) {
		s.purge(key)
		return interfaces.VersionedValue{}, interfaces.ErrKeyNotFound
	}
	return interfaces.VersionedValue{Value: rec.Data, Version: rec.Version}, nil
}

// purge removes key if it is still expired. The store-wide counter keeps
// versions increasing after the record is gone.
func (s *LevelDBStore) purge(key string) {
	tr, err := s.db.OpenTransaction()
	if err != nil {
		s.log.Warn("Failed to purge expired record", slog.String("key", key), "err", err)
		return
	}
	defer tr.Discard()

	raw, err := tr.Get(recordKey(key), nil)
	if err != nil {
		return
	}
	var rec storedRecord
	if err := json.Unmarshal(raw, &rec); err != nil || rec.live(s.clock.Now()) {
		return
	}
	if err := tr.Delete(recordKey(key), nil); err != nil {
		s.log.Warn("Failed to purge expired record", slog.String("key", key), "err", err)
		return
	}
	if err := tr.Commit(); err != nil {
		s.log.Warn("Failed to purge expired record", slog.String("key", key), "err", err)
	}
}

func (s *LevelDBStore) CompareAndSwap(ctx context.Context, key string, expected uint64, value []byte, ttl time.Duration) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	tr, err := s.db.OpenTransaction()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	defer tr.Discard()

	now := s.clock.Now()
	var current uint64
	raw, err := tr.Get(recordKey(key), nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
	case err != nil:
		return 0, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	default:
		var rec storedRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return 0, fmt.Errorf("corrupt record %s: %w", key, err)
		}
		if rec.live(now) {
			current = rec.Version
		}
	}
	if current != expected {
		return 0, interfaces.ErrVersionConflict
	}

	// The store-wide counter keeps versions increasing across deletes.
	var counter uint64
	if raw, err := tr.Get(counterKey, nil); err == nil && len(raw) == 8 {
		counter = binary.BigEndian.Uint64(raw)
	} else if err != nil && !errors.Is(err, leveldb.ErrNotFound) {
		return 0, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	counter++

	rec := storedRecord{Version: counter, Data: value}
	if ttl > 0 {
		rec.ExpiresAt = now.Add(ttl).UnixNano()
	}
	encoded, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("failed to encode record: %w", err)
	}

	if err := tr.Put(counterKey, binary.BigEndian.AppendUint64(nil, counter), nil); err != nil {
		return 0, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	if err := tr.Put(recordKey(key), encoded, nil); err != nil {
		return 0, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	if err := tr.Commit(); err != nil {
		return 0, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	return counter, nil
}

func (s *LevelDBStore) Delete(ctx context.Context, key string) error {
	if err := s.db.Delete(recordKey(key), nil); err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	return nil
}

func (s *LevelDBStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	iter := s.db.NewIterator(util.BytesPrefix(recordKey(prefix)), nil)
	defer iter.Release()

	now := s.clock.Now()
	var keys, expired []string
	for iter.Next() {
		key := string(iter.Key()[len(recordPrefix):])
		var rec storedRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			s.log.Warn("Skipping corrupt record", slog.String("key", key), "err", err)
			continue
		}
		if rec.live(now) {
			keys = append(keys, key)
		} else {
			expired = append(expired, key)
		}
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	iter.Release()

	for _, key := range expired {
		s.purge(key)
	}
	return keys, nil
}

// Close releases the database.
func (s *LevelDBStore) Close() error {
	return s.db.Close()
}

// Name returns a unique identifier for this store.
func (s *LevelDBStore) Name() string {
	return fmt.Sprintf("leveldb-%s", s.path)
}

func recordKey(key string) []byte {
	return append(append([]byte(nil), recordPrefix...), key...)
}
