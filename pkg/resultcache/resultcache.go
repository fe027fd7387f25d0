// Package resultcache implements the fingerprint-keyed replay cache:
// spec.md §4.4's mechanism for skipping re-execution of a transition
// whose fingerprint and observed read values are unchanged since it was
// last run (typically in the mempool). Size-bounded eviction is grounded
// on blockberries-blockberry/internal/p2p/peer_state.go's use of
// github.com/hashicorp/golang-lru/v2; the eager-eviction-on-subsequent-
// write rule on top of it is this package's own addition since the
// generic LRU has no concept of key-based invalidation.
package resultcache

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/blockberries/statengine/pkg/store"
	"github.com/blockberries/statengine/pkg/types"
)

// Entry is a cached execution result for one transition fingerprint.
type Entry struct {
	ReadSet  types.KeySet
	WriteSet types.KeySet

	// Writeset is the delta the transition produced, replayed verbatim
	// into the block working state on a cache hit instead of
	// re-executing the transition.
	Writeset store.Delta

	// ReadValueHashes records the content hash observed for every key in
	// ReadSet at the time this entry was installed. CheckReplayValid
	// recomputes these against the current store to decide whether the
	// cached writeset is still safe to replay.
	ReadValueHashes map[string]types.Hash
}

// Cache is the fingerprint -> Entry replay cache. Fingerprints key the
// LRU as plain strings (the raw hash bytes converted to string) rather
// than as types.Hash directly, since types.Hash is a []byte and Go map
// keys — which the LRU's generic Cache[K, V] requires to be comparable —
// cannot be slices.
type Cache struct {
	lru *lru.Cache[string, *Entry]

	// keyIndex maps an observed read key to the set of fingerprints
	// whose cached entry read it, so a write to that key can evict every
	// entry whose replay validity it could affect without scanning the
	// whole cache.
	keyIndex map[string]map[string]struct{}
}

// New creates a Cache holding at most capacity entries.
func New(capacity int) (*Cache, error) {
	l, err := lru.New[string, *Entry](capacity)
	if err != nil {
		return nil, err
	}
	return &Cache{lru: l, keyIndex: make(map[string]map[string]struct{})}, nil
}

// Lookup returns the cached entry for fingerprint, if any.
func (c *Cache) Lookup(fingerprint types.Hash) (*Entry, bool) {
	return c.lru.Get(string(fingerprint))
}

// Install records entry under fingerprint, indexing every key in its
// read-set so a future write to that key can find and evict it.
func (c *Cache) Install(fingerprint types.Hash, entry *Entry) {
	fp := string(fingerprint)
	c.lru.Add(fp, entry)
	for _, k := range entry.ReadSet.Keys() {
		ks := string(k)
		if c.keyIndex[ks] == nil {
			c.keyIndex[ks] = make(map[string]struct{})
		}
		c.keyIndex[ks][fp] = struct{}{}
	}
}

// InvalidateKey evicts every cached entry whose read-set includes key,
// the eager-eviction rule of spec.md §4.4: a transition observed to
// write this key invalidates any cache entry whose replay assumed the
// key's prior value.
func (c *Cache) InvalidateKey(key []byte) {
	ks := string(key)
	fps, ok := c.keyIndex[ks]
	if !ok {
		return
	}
	for fp := range fps {
		c.lru.Remove(fp)
	}
	delete(c.keyIndex, ks)
}

// CheckReplayValid reports whether entry's cached writeset may still be
// replayed against current: every key in entry.ReadSet must still
// produce the same value (by content hash) it did when the entry was
// installed. This is the read-value-hash check of spec.md §4.4, distinct
// from the key-hint check the scheduler performs separately.
func (c *Cache) CheckReplayValid(entry *Entry, current store.KVStore) (bool, error) {
	for _, k := range entry.ReadSet.Keys() {
		want, ok := entry.ReadValueHashes[string(k)]
		if !ok {
			return false, nil
		}
		v, err := current.Get(k)
		if err != nil {
			return false, err
		}
		got := types.Fingerprint(v)
		if !want.Equal(got) {
			return false, nil
		}
	}
	return true, nil
}

// Len returns the number of entries currently cached.
func (c *Cache) Len() int {
	return c.lru.Len()
}
