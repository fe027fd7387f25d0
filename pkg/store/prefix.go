package store

// Prefixed transparently rewrites every key by prepending prefix before
// delegating to inner, and strips it again on the way out. For any
// sequence of operations, behavior is indistinguishable from the same
// operations on inner with keys manually prefixed (spec.md §4.1 (iii)).
type Prefixed struct {
	prefix []byte
	inner  KVStore
}

// NewPrefixed creates a Prefixed view of inner under prefix.
func NewPrefixed(prefix []byte, inner KVStore) *Prefixed {
	p := make([]byte, len(prefix))
	copy(p, prefix)
	return &Prefixed{prefix: p, inner: inner}
}

// Sub returns a further-nested Prefixed view, concatenating prefix to
// this store's own prefix and pointing at the same inner store.
func (s *Prefixed) Sub(prefix []byte) *Prefixed {
	return NewPrefixed(s.withPrefix(prefix), s.inner)
}

func (s *Prefixed) withPrefix(key []byte) []byte {
	out := make([]byte, 0, len(s.prefix)+len(key))
	out = append(out, s.prefix...)
	out = append(out, key...)
	return out
}

// Get rewrites key with the prefix before delegating.
func (s *Prefixed) Get(key []byte) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	return s.inner.Get(s.withPrefix(key))
}

// Put rewrites key with the prefix before delegating.
func (s *Prefixed) Put(key, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	return s.inner.Put(s.withPrefix(key), value)
}

// Delete rewrites key with the prefix before delegating.
func (s *Prefixed) Delete(key []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	return s.inner.Delete(s.withPrefix(key))
}

// Range rewrites the bounds with the prefix, scans inner, and strips the
// prefix back off each yielded key.
func (s *Prefixed) Range(lo, hi []byte) Iterator {
	var plo, phi []byte
	if lo != nil {
		plo = s.withPrefix(lo)
	} else {
		plo = append([]byte{}, s.prefix...)
	}
	if hi != nil {
		phi = s.withPrefix(hi)
	} else {
		phi = incrementBytes(s.prefix)
	}
	return &prefixStripIterator{prefixLen: len(s.prefix), inner: s.inner.Range(plo, phi)}
}

// incrementBytes returns the lexicographically next byte string after
// prefix's range, used as an exclusive upper bound covering every key
// starting with prefix. An all-0xFF prefix, like the empty prefix, has no
// finite upper bound, and nil ("no upper bound") is returned.
func incrementBytes(prefix []byte) []byte {
	out := append([]byte{}, prefix...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] != 0xFF {
			out[i]++
			return out[:i+1]
		}
	}
	// every byte was 0xFF (or prefix is empty): no finite upper bound
	return nil
}

type prefixStripIterator struct {
	prefixLen int
	inner     Iterator
}

func (it *prefixStripIterator) Next() bool { return it.inner.Next() }

func (it *prefixStripIterator) Key() []byte {
	return it.inner.Key()[it.prefixLen:]
}

func (it *prefixStripIterator) Value() []byte { return it.inner.Value() }
func (it *prefixStripIterator) Err() error    { return it.inner.Err() }
func (it *prefixStripIterator) Close() error  { return it.inner.Close() }
