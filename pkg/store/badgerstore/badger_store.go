// Package badgerstore implements store.Backend on top of BadgerDB, the L0
// persistent engine used when the engine is configured with
// `store.backend = "badger"`.
package badgerstore

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/blockberries/statengine/pkg/store"
	"github.com/blockberries/statengine/pkg/types"
)

// Options configures the BadgerDB backend, mirroring the knobs exposed by
// blockberries-blockberry's BadgerDBBlockStore but scoped to what a
// key/value L0 engine needs.
type Options struct {
	// SyncWrites ensures durability by syncing writes to disk.
	SyncWrites bool

	// Compression enables Snappy compression for values.
	Compression bool

	// ValueLogFileSize is the maximum size of a single value log file.
	ValueLogFileSize int64
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		SyncWrites:       true,
		Compression:      true,
		ValueLogFileSize: 1 << 30,
	}
}

// Store is a store.Backend backed by BadgerDB.
type Store struct {
	db  *badger.DB
	ver atomic.Int64
}

var _ store.Backend = (*Store)(nil)

// Open opens (or creates) a BadgerDB database at path.
func Open(path string, opts Options) (*Store, error) {
	badgerOpts := badger.DefaultOptions(path).
		WithSyncWrites(opts.SyncWrites).
		WithValueLogFileSize(opts.ValueLogFileSize).
		WithLogger(nil)

	if opts.Compression {
		badgerOpts = badgerOpts.WithCompression(options.Snappy)
	} else {
		badgerOpts = badgerOpts.WithCompression(options.None)
	}

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("opening badgerdb: %w: %v", types.ErrBackend, err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get looks up key in a fresh read-only transaction.
func (s *Store) Get(key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, types.ErrInvalidKey
	}
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrBackend, err)
	}
	return out, nil
}

// Put writes key/value directly, outside of the overlay-stack delta
// mechanism. Callers in this engine normally reach the backend only
// through Commit; Put/Delete exist so Store satisfies store.KVStore for
// composition (e.g. wrapping in store.Prefixed for namespacing metadata).
func (s *Store) Put(key, value []byte) error {
	if len(key) == 0 {
		return types.ErrInvalidKey
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrBackend, err)
	}
	return nil
}

// Delete removes key directly.
func (s *Store) Delete(key []byte) error {
	if len(key) == 0 {
		return types.ErrInvalidKey
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrBackend, err)
	}
	return nil
}

// Range scans [lo, hi) using a fresh read-only transaction, materializing
// results eagerly so the iterator can outlive the transaction.
func (s *Store) Range(lo, hi []byte) store.Iterator {
	var pairs []pair
	_ = s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		start := lo
		for it.Seek(start); it.Valid(); it.Next() {
			item := it.Item()
			k := item.KeyCopy(nil)
			if hi != nil && bytes.Compare(k, hi) >= 0 {
				break
			}
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			pairs = append(pairs, pair{key: k, value: v})
		}
		return nil
	})
	return newRangeIterator(pairs)
}

// Snapshot pins a long-lived read-only transaction at the database's
// current version.
func (s *Store) Snapshot() (store.Snapshot, error) {
	txn := s.db.NewTransaction(false)
	return &snapshot{txn: txn, version: s.ver.Load()}, nil
}

// Commit applies delta atomically via a WriteBatch, in sorted key order,
// and returns a hash over the sorted, merged writeset as the commit root.
func (s *Store) Commit(delta store.Delta) ([]byte, error) {
	keys := make([]string, 0, len(delta))
	for k := range delta {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	h := sha256.New()
	for _, k := range keys {
		c := delta[k]
		if c.Deleted() {
			if err := wb.Delete([]byte(k)); err != nil {
				return nil, fmt.Errorf("%w: %v", types.ErrBackend, err)
			}
			h.Write([]byte("D"))
			h.Write([]byte(k))
			continue
		}
		v := c.Value()
		if err := wb.Set([]byte(k), v); err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrBackend, err)
		}
		h.Write([]byte("P"))
		h.Write([]byte(k))
		h.Write(v)
	}
	if err := wb.Flush(); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrCommit, err)
	}
	s.ver.Add(1)
	return h.Sum(nil), nil
}

type snapshot struct {
	txn     *badger.Txn
	version int64
}

func (s *snapshot) Get(key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, types.ErrInvalidKey
	}
	item, err := s.txn.Get(key)
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrBackend, err)
	}
	return item.ValueCopy(nil)
}

func (s *snapshot) Put(key, value []byte) error { return errSnapshotReadOnly }
func (s *snapshot) Delete(key []byte) error      { return errSnapshotReadOnly }

func (s *snapshot) Range(lo, hi []byte) store.Iterator {
	var pairs []pair
	opts := badger.DefaultIteratorOptions
	it := s.txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(lo); it.Valid(); it.Next() {
		item := it.Item()
		k := item.KeyCopy(nil)
		if hi != nil && bytes.Compare(k, hi) >= 0 {
			break
		}
		v, err := item.ValueCopy(nil)
		if err != nil {
			continue
		}
		pairs = append(pairs, pair{key: k, value: v})
	}
	return newRangeIterator(pairs)
}

func (s *snapshot) Version() int64 { return s.version }
func (s *snapshot) Release()       { s.txn.Discard() }

var errSnapshotReadOnly = fmt.Errorf("badgerstore: snapshot is read-only")

type pair struct {
	key, value []byte
}

type rangeIterator struct {
	pairs []pair
	pos   int
}

func newRangeIterator(pairs []pair) *rangeIterator {
	return &rangeIterator{pairs: pairs, pos: -1}
}

func (it *rangeIterator) Next() bool {
	it.pos++
	return it.pos < len(it.pairs)
}

func (it *rangeIterator) Key() []byte   { return it.pairs[it.pos].key }
func (it *rangeIterator) Value() []byte { return it.pairs[it.pos].value }
func (it *rangeIterator) Err() error    { return nil }
func (it *rangeIterator) Close() error  { return nil }
