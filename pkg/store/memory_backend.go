package store

import (
	"crypto/sha256"
	"sort"
	"sync"
)

// MemoryBackend is an in-memory Backend implementation used for tests and
// for the `store.backend = "memory"` configuration option. It is not
// durable: Commit updates an in-process version counter and computes the
// root hash, but nothing survives a restart.
type MemoryBackend struct {
	mu   sync.RWMutex
	data map[string][]byte
	ver  int64
}

// NewMemoryBackend creates an empty MemoryBackend at version 0.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: make(map[string][]byte)}
}

func (b *MemoryBackend) Get(key []byte) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.data[string(key)]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (b *MemoryBackend) Put(key, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	v := make([]byte, len(value))
	copy(v, value)
	b.data[string(key)] = v
	return nil
}

func (b *MemoryBackend) Delete(key []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.data, string(key))
	return nil
}

func (b *MemoryBackend) Range(lo, hi []byte) Iterator {
	b.mu.RLock()
	defer b.mu.RUnlock()

	pairs := make([]kv, 0, len(b.data))
	for k, v := range b.data {
		if inRange([]byte(k), lo, hi) {
			pairs = append(pairs, kv{key: []byte(k), value: v})
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		return compareKeys(string(pairs[i].key), string(pairs[j].key)) < 0
	})
	return newSliceIterator(pairs)
}

// Snapshot pins the current contents by copying them; cheap enough for an
// in-memory store and matches the read-through-a-pinned-version contract.
func (b *MemoryBackend) Snapshot() (Snapshot, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	cp := make(map[string][]byte, len(b.data))
	for k, v := range b.data {
		cp[k] = v
	}
	return &memorySnapshot{data: cp, version: b.ver}, nil
}

// Commit applies delta in sorted key order and returns a hash over the
// sorted, merged writeset: a commit root per spec.md's definition, not a
// full merkle tree (that shape is explicitly out of scope, spec.md §1).
func (b *MemoryBackend) Commit(delta Delta) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	keys := make([]string, 0, len(delta))
	for k := range delta {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		c := delta[k]
		if c.deleted {
			delete(b.data, k)
			h.Write([]byte("D"))
			h.Write([]byte(k))
			continue
		}
		b.data[k] = c.value
		h.Write([]byte("P"))
		h.Write([]byte(k))
		h.Write(c.value)
	}
	b.ver++
	return h.Sum(nil), nil
}

type memorySnapshot struct {
	data    map[string][]byte
	version int64
}

func (s *memorySnapshot) Get(key []byte) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	return s.data[string(key)], nil
}

func (s *memorySnapshot) Put(key, value []byte) error {
	return errReadOnly
}

func (s *memorySnapshot) Delete(key []byte) error {
	return errReadOnly
}

func (s *memorySnapshot) Range(lo, hi []byte) Iterator {
	pairs := make([]kv, 0, len(s.data))
	for k, v := range s.data {
		if inRange([]byte(k), lo, hi) {
			pairs = append(pairs, kv{key: []byte(k), value: v})
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		return compareKeys(string(pairs[i].key), string(pairs[j].key)) < 0
	})
	return newSliceIterator(pairs)
}

func (s *memorySnapshot) Version() int64 { return s.version }
func (s *memorySnapshot) Release()       {}
