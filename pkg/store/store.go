// Package store implements the layered key/value overlay stack: a chain of
// composable stores used as working state above a persistent backing
// engine. Every overlay satisfies the same KVStore contract so that
// transition logic never needs to know which layer it is talking to.
package store

import (
	"bytes"

	"github.com/blockberries/statengine/pkg/types"
)

// KVStore is the uniform contract every overlay implements: get, put,
// delete, and an ordered range scan. Iteration order is lexicographic
// ascending over the raw key bytes. All handles are single-owner within
// one transition.
type KVStore interface {
	// Get returns the value for key, or (nil, nil) if the key is absent.
	// The empty value is legal and distinct from absence.
	Get(key []byte) ([]byte, error)

	// Put stores value under key, overwriting any existing value.
	Put(key, value []byte) error

	// Delete removes key. Deleting an absent key is a no-op that does
	// not error.
	Delete(key []byte) error

	// Range returns an ascending iterator over [lo, hi). A nil lo means
	// "from the first key"; a nil hi means "to the last key".
	Range(lo, hi []byte) Iterator
}

// Iterator walks an ordered sequence of key/value pairs.
type Iterator interface {
	// Next advances the iterator and reports whether a new entry is
	// available.
	Next() bool

	// Key returns the current entry's key. Valid only after Next
	// returns true.
	Key() []byte

	// Value returns the current entry's value. Valid only after Next
	// returns true.
	Value() []byte

	// Err returns any error encountered during iteration.
	Err() error

	// Close releases resources held by the iterator.
	Close() error
}

func validateKey(key []byte) error {
	if len(key) == 0 {
		return types.ErrInvalidKey
	}
	return nil
}

// inRange reports whether key lies within [lo, hi), honoring nil bounds.
func inRange(key, lo, hi []byte) bool {
	if lo != nil && bytes.Compare(key, lo) < 0 {
		return false
	}
	if hi != nil && bytes.Compare(key, hi) >= 0 {
		return false
	}
	return true
}

// sliceIterator is a simple Iterator over a pre-sorted, pre-filtered slice
// of key/value pairs. Used by overlays whose Range implementation builds
// its result eagerly.
type sliceIterator struct {
	pairs []kv
	pos   int
}

type kv struct {
	key, value []byte
}

func newSliceIterator(pairs []kv) *sliceIterator {
	return &sliceIterator{pairs: pairs, pos: -1}
}

func (it *sliceIterator) Next() bool {
	it.pos++
	return it.pos < len(it.pairs)
}

func (it *sliceIterator) Key() []byte {
	return it.pairs[it.pos].key
}

func (it *sliceIterator) Value() []byte {
	return it.pairs[it.pos].value
}

func (it *sliceIterator) Err() error {
	return nil
}

func (it *sliceIterator) Close() error {
	return nil
}
