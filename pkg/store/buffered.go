package store

import "sort"

// Change records a pending write in a BufferedStore's delta: either a put
// (Value non-nil, Deleted false) or a delete (tombstone, Deleted true).
type Change struct {
	value   []byte
	deleted bool
}

// Value returns the put value. Meaningless if Deleted is true.
func (c Change) Value() []byte { return c.value }

// Deleted reports whether this change is a tombstone.
func (c Change) Deleted() bool { return c.deleted }

// Delta is the accumulated writeset of a BufferedStore, exposed so
// callers (the transition context, the scheduler's merge step, backend
// Commit implementations) can move it between layers without re-walking
// every key.
type Delta map[string]Change

// BufferedStore answers reads from its own delta first, falling through
// to inner on a miss; writes accumulate in the delta rather than
// propagating to inner until Flush is called. This is the primary tool
// for transactional isolation: a transition, a mempool slot, or a block
// working state are all BufferedStores over some parent overlay.
type BufferedStore struct {
	inner KVStore
	delta Delta
}

// NewBufferedStore wraps inner in a fresh, empty BufferedStore.
func NewBufferedStore(inner KVStore) *BufferedStore {
	return &BufferedStore{inner: inner, delta: make(Delta)}
}

// WrapWithDelta wraps inner with a pre-built delta, used when replaying a
// cached writeset or resuming a worker's prior delta.
func WrapWithDelta(inner KVStore, delta Delta) *BufferedStore {
	if delta == nil {
		delta = make(Delta)
	}
	return &BufferedStore{inner: inner, delta: delta}
}

// NewMapStore creates an ordered in-memory store: a BufferedStore over a
// NullStore. It is the default backing store for tests and for the
// result cache's replayed writesets.
func NewMapStore() *BufferedStore {
	return NewBufferedStore(NewNullStore())
}

// Get returns the delta's value for key if present (nil if the key was
// deleted), otherwise defers to inner.
func (s *BufferedStore) Get(key []byte) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	if c, ok := s.delta[string(key)]; ok {
		if c.deleted {
			return nil, nil
		}
		return c.value, nil
	}
	return s.inner.Get(key)
}

// Put records value for key in the delta. The write is not visible to
// inner until Flush.
func (s *BufferedStore) Put(key, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	s.delta[string(key)] = Change{value: value}
	return nil
}

// Delete records a tombstone for key in the delta, masking any value
// below it. Deleting an absent key is still recorded: it claims the key
// in the delta the same way an explicit delete of a present key does.
func (s *BufferedStore) Delete(key []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	s.delta[string(key)] = Change{deleted: true}
	return nil
}

// Range merges the delta and inner's ordered streams, with delta entries
// shadowing inner entries of the same key and tombstones suppressing
// them entirely.
func (s *BufferedStore) Range(lo, hi []byte) Iterator {
	deltaKeys := make([]string, 0, len(s.delta))
	for k := range s.delta {
		if inRange([]byte(k), lo, hi) {
			deltaKeys = append(deltaKeys, k)
		}
	}
	sort.Strings(deltaKeys)

	innerIt := s.inner.Range(lo, hi)
	return newMergeIterator(deltaKeys, s.delta, innerIt)
}

// Delta returns the store's accumulated writeset.
func (s *BufferedStore) Delta() Delta {
	return s.delta
}

// Inner returns the overlay this BufferedStore wraps.
func (s *BufferedStore) Inner() KVStore {
	return s.inner
}

// Reset discards all accumulated writes without touching inner. Used to
// abort a transition or a speculative worker run.
func (s *BufferedStore) Reset() {
	s.delta = make(Delta)
}

// Flush applies every pending change to inner, key-wise overwrite, and
// clears the delta. This is the "commit into parent" step of spec.md
// §4.2: a transition's delta merges into the block working state this
// way. The block working state itself reaches L0 through Backend.Commit
// of its Delta, not through Flush.
func (s *BufferedStore) Flush() error {
	// Sorted application keeps behavior deterministic even though a map
	// backend would not itself require it.
	keys := make([]string, 0, len(s.delta))
	for k := range s.delta {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		c := s.delta[k]
		var err error
		if c.deleted {
			err = s.inner.Delete([]byte(k))
		} else {
			err = s.inner.Put([]byte(k), c.value)
		}
		if err != nil {
			return err
		}
	}
	s.delta = make(Delta)
	return nil
}

// MergeFrom applies the entries of another delta on top of this store's
// own, key-wise overwrite. Used by the engine to replay a cached writeset
// into the block buffered store without re-executing the transition or
// routing through the backend.
func (s *BufferedStore) MergeFrom(other Delta) {
	for k, c := range other {
		s.delta[k] = c
	}
}

// mergeIterator merges a sorted slice of delta keys with an inner
// ordered iterator, the way the original write-cache's Iter type merges
// a BTreeMap range with a backing iterator: equal keys take the delta
// value (or are skipped if a tombstone), and a tombstone alone never
// surfaces.
type mergeIterator struct {
	deltaKeys []string
	delta     Delta
	di        int

	inner    Iterator
	innerOK  bool
	innerErr error

	key, value []byte
}

func newMergeIterator(deltaKeys []string, delta Delta, inner Iterator) *mergeIterator {
	it := &mergeIterator{deltaKeys: deltaKeys, delta: delta, inner: inner}
	it.innerOK = inner.Next()
	return it
}

func (it *mergeIterator) Next() bool {
	for {
		hasDelta := it.di < len(it.deltaKeys)
		hasInner := it.innerOK

		switch {
		case !hasDelta && !hasInner:
			return false

		case hasDelta && !hasInner:
			k := it.deltaKeys[it.di]
			it.di++
			c := it.delta[k]
			if c.deleted {
				continue
			}
			it.key, it.value = []byte(k), c.value
			return true

		case !hasDelta && hasInner:
			it.key, it.value = it.inner.Key(), it.inner.Value()
			it.innerOK = it.inner.Next()
			return true

		default:
			dk := it.deltaKeys[it.di]
			ik := string(it.inner.Key())
			switch compareKeys(dk, ik) {
			case -1:
				it.di++
				c := it.delta[dk]
				if c.deleted {
					continue
				}
				it.key, it.value = []byte(dk), c.value
				return true
			case 0:
				// Delta shadows inner at an equal key; advance both,
				// but only the delta entry (if live) is emitted.
				it.di++
				it.innerOK = it.inner.Next()
				c := it.delta[dk]
				if c.deleted {
					continue
				}
				it.key, it.value = []byte(dk), c.value
				return true
			default:
				it.key, it.value = it.inner.Key(), it.inner.Value()
				it.innerOK = it.inner.Next()
				return true
			}
		}
	}
}

func compareKeys(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func (it *mergeIterator) Key() []byte   { return it.key }
func (it *mergeIterator) Value() []byte { return it.value }

func (it *mergeIterator) Err() error {
	if it.innerErr != nil {
		return it.innerErr
	}
	return it.inner.Err()
}

func (it *mergeIterator) Close() error {
	return it.inner.Close()
}
