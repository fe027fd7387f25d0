// Package leveldbstore implements store.Backend on top of goleveldb, the
// alternate L0 persistent engine selectable via `store.backend =
// "leveldb"`.
package leveldbstore

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/blockberries/statengine/pkg/store"
	"github.com/blockberries/statengine/pkg/types"
)

// Store is a store.Backend backed by goleveldb.
type Store struct {
	db  *leveldb.DB
	mu  sync.RWMutex
	ver atomic.Int64
}

var _ store.Backend = (*Store)(nil)

// Open opens (or creates) a LevelDB database at path.
func Open(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{NoSync: false})
	if err != nil {
		return nil, fmt.Errorf("opening leveldb: %w: %v", types.ErrBackend, err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Get(key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, types.ErrInvalidKey
	}
	v, err := s.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrBackend, err)
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// Put writes key/value directly, bypassing the overlay-stack delta
// mechanism; present so Store satisfies store.KVStore for composition.
func (s *Store) Put(key, value []byte) error {
	if len(key) == 0 {
		return types.ErrInvalidKey
	}
	if err := s.db.Put(key, value, nil); err != nil {
		return fmt.Errorf("%w: %v", types.ErrBackend, err)
	}
	return nil
}

func (s *Store) Delete(key []byte) error {
	if len(key) == 0 {
		return types.ErrInvalidKey
	}
	if err := s.db.Delete(key, nil); err != nil {
		return fmt.Errorf("%w: %v", types.ErrBackend, err)
	}
	return nil
}

func (s *Store) Range(lo, hi []byte) store.Iterator {
	it := s.db.NewIterator(&util.Range{Start: lo, Limit: hi}, nil)
	return &goIterator{it: it}
}

// Snapshot pins a consistent read-only view via goleveldb's native
// snapshot support.
func (s *Store) Snapshot() (store.Snapshot, error) {
	snap, err := s.db.GetSnapshot()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrBackend, err)
	}
	return &snapshot{snap: snap, version: s.ver.Load()}, nil
}

// Commit applies delta atomically via a leveldb.Batch, in sorted key
// order, and returns a hash over the sorted, merged writeset as the
// commit root.
func (s *Store) Commit(delta store.Delta) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(delta))
	for k := range delta {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	batch := new(leveldb.Batch)
	h := sha256.New()
	for _, k := range keys {
		c := delta[k]
		if c.Deleted() {
			batch.Delete([]byte(k))
			h.Write([]byte("D"))
			h.Write([]byte(k))
			continue
		}
		v := c.Value()
		batch.Put([]byte(k), v)
		h.Write([]byte("P"))
		h.Write([]byte(k))
		h.Write(v)
	}
	if err := s.db.Write(batch, nil); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrCommit, err)
	}
	s.ver.Add(1)
	return h.Sum(nil), nil
}

type snapshot struct {
	snap    *leveldb.Snapshot
	version int64
}

func (s *snapshot) Get(key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, types.ErrInvalidKey
	}
	v, err := s.snap.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrBackend, err)
	}
	return v, nil
}

func (s *snapshot) Put(key, value []byte) error { return errSnapshotReadOnly }
func (s *snapshot) Delete(key []byte) error      { return errSnapshotReadOnly }

func (s *snapshot) Range(lo, hi []byte) store.Iterator {
	it := s.snap.NewIterator(&util.Range{Start: lo, Limit: hi}, nil)
	return &goIterator{it: it}
}

func (s *snapshot) Version() int64 { return s.version }
func (s *snapshot) Release()       { s.snap.Release() }

var errSnapshotReadOnly = fmt.Errorf("leveldbstore: snapshot is read-only")

// goIterator adapts goleveldb's iterator.Iterator to store.Iterator.
type goIterator struct {
	it  iterator.Iterator
	cur struct{ key, value []byte }
}

func (g *goIterator) Next() bool {
	if !g.it.Next() {
		return false
	}
	g.cur.key = append([]byte{}, g.it.Key()...)
	g.cur.value = append([]byte{}, g.it.Value()...)
	return true
}

func (g *goIterator) Key() []byte   { return g.cur.key }
func (g *goIterator) Value() []byte { return g.cur.value }
func (g *goIterator) Err() error    { return g.it.Error() }
func (g *goIterator) Close() error  { g.it.Release(); return nil }
