package ipverse

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"strings"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Store persists cache entries (and gate counters) in leveldb. Report entries
// live under "r:<country>:<date>"; user counters under "u:<id>".
//
// Lock transitions go through mu so TryLock is an atomic check-and-set. The
// Locked flag is persisted too, so an in-flight build stays visible across a
// restart (and stays stuck after a crash, which is the documented behavior).
type Store struct {
	db *leveldb.DB

	mu sync.Mutex // serializes lock/unlock read-modify-write cycles
}

type ReportKey struct {
	Country string
	Date    string
}

func OpenStore(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() {
	_ = s.db.Close()
}

func reportKey(country, date string) []byte {
	return []byte("r:" + country + ":" + date)
}

func (s *Store) Get(country, date string) (CacheEntry, bool) {
	var ent CacheEntry
	if !s.getGob(reportKey(country, date), &ent) {
		return CacheEntry{}, false
	}
	return ent, true
}

// Put overwrites the entry for the key. leveldb writes are atomic, so a
// concurrent reader sees either the old or the new entry, never a mix.
func (s *Store) Put(country, date string, ent CacheEntry) error {
	return s.putGob(reportKey(country, date), ent)
}

// TryLock atomically creates or updates the entry with Locked=true. It
// returns false if another build already holds the lock.
func (s *Store) TryLock(country, date string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ent, _ := s.Get(country, date)
	if ent.Locked {
		return false
	}
	ent.Locked = true
	return s.Put(country, date, ent) == nil
}

// Unlock clears the Locked flag, keeping the rest of the entry intact. Builds
// call it on every exit path. Unlocking an absent key is a no-op.
func (s *Store) Unlock(country, date string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.Get(country, date)
	if !ok || !ent.Locked {
		return
	}
	ent.Locked = false
	_ = s.Put(country, date, ent)
}

func (s *Store) Delete(country, date string) error {
	return s.db.Delete(reportKey(country, date), nil)
}

// Keys lists every stored report key. Used by the daily sweep.
func (s *Store) Keys() []ReportKey {
	it := s.db.NewIterator(util.BytesPrefix([]byte("r:")), nil)
	defer it.Release()

	var out []ReportKey
	for it.Next() {
		rest := strings.TrimPrefix(string(it.Key()), "r:")
		country, date, ok := strings.Cut(rest, ":")
		if !ok {
			continue
		}
		out = append(out, ReportKey{Country: country, Date: date})
	}
	return out
}

// ---- gob helpers (shared with the coin gate) ----

func (s *Store) getGob(key []byte, v any) bool {
	b, err := s.db.Get(key, nil)
	if err != nil {
		return false
	}
	dec := gob.NewDecoder(bytes.NewReader(b))
	return dec.Decode(v) == nil
}

func (s *Store) putGob(key []byte, v any) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}
	if err := s.db.Put(key, buf.Bytes(), nil); err != nil {
		return fmt.Errorf("write %q: %w", key, err)
	}
	return nil
}
