package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Entries live under "e:" so other record kinds can share the database.
const levelDBEntryPrefix = "e:"

// LevelDBStore persists entries on local disk.
type LevelDBStore struct {
	db  *leveldb.DB
	now func() time.Time
}

// OpenLevelDBStore opens (or creates) the database at path.
func OpenLevelDBStore(path string) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return &LevelDBStore{db: db, now: time.Now}, nil
}

// Name implements Backend.
func (s *LevelDBStore) Name() string { return "leveldb" }

// Match implements Store. Expired entries are deleted on read.
func (s *LevelDBStore) Match(_ context.Context, key CacheKey) (*CacheEntry, error) {
	k := []byte(levelDBEntryPrefix + key.String())

	data, err := s.db.Get(k, nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			CacheMisses.WithLabelValues(s.Name()).Inc()
			return nil, ErrCacheMiss
		}
		CacheErrors.WithLabelValues(s.Name(), "match").Inc()
		return nil, fmt.Errorf("leveldb get: %w", err)
	}

	entry, err := decodeEntry(data)
	if err != nil {
		CacheErrors.WithLabelValues(s.Name(), "match").Inc()
		return nil, err
	}

	if entry.IsExpired(s.now()) {
		_ = s.db.Delete(k, nil)
		CacheMisses.WithLabelValues(s.Name()).Inc()
		return nil, ErrCacheMiss
	}

	CacheHits.WithLabelValues(s.Name()).Inc()
	return entry, nil
}

// Put implements Store.
func (s *LevelDBStore) Put(_ context.Context, key CacheKey, entry *CacheEntry) error {
	data, err := encodeEntry(entry)
	if err != nil {
		CacheErrors.WithLabelValues(s.Name(), "put").Inc()
		return err
	}
	if entry.IsExpired(s.now()) {
		return nil
	}

	if err := s.db.Put([]byte(levelDBEntryPrefix+key.String()), data, nil); err != nil {
		CacheErrors.WithLabelValues(s.Name(), "put").Inc()
		return fmt.Errorf("leveldb put: %w", err)
	}

	CacheStoredBytes.WithLabelValues(s.Name()).Add(float64(len(data)))
	return nil
}

// Sweep implements Sweeper. Undecodable records are removed as well.
func (s *LevelDBStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte(levelDBEntryPrefix)), nil)
	defer it.Release()

	batch := new(leveldb.Batch)
	for it.Next() {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		entry, err := decodeEntry(it.Value())
		if err != nil || entry.IsExpired(now) {
			// Key() is only valid until the next call to Next.
			batch.Delete(append([]byte(nil), it.Key()...))
		}
	}
	if err := it.Error(); err != nil {
		CacheErrors.WithLabelValues(s.Name(), "sweep").Inc()
		return 0, fmt.Errorf("leveldb iterate: %w", err)
	}

	if batch.Len() == 0 {
		return 0, nil
	}
	if err := s.db.Write(batch, nil); err != nil {
		CacheErrors.WithLabelValues(s.Name(), "sweep").Inc()
		return 0, fmt.Errorf("leveldb write: %w", err)
	}
	return batch.Len(), nil
}

// Ping implements Backend.
func (s *LevelDBStore) Ping(context.Context) error {
	_, err := s.db.GetProperty("leveldb.stats")
	return err
}

// Close closes the database.
func (s *LevelDBStore) Close() error {
	return s.db.Close()
}
