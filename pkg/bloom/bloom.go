// Package bloom implements a fixed-size Bloom filter over byte keys,
// grounded on
// BuddyAnonymous-kv-engine/internal/probabilistic/bloom/bloom.go's
// bitset-plus-k-hash-functions design, generalized so the number of hash
// functions is a runtime parameter (double hashing) rather than a fixed
// slice of hash funcs built at construction time. Used by the scheduler
// to pre-check key-set disjointness before falling back to a precise
// set intersection.
package bloom

import (
	"encoding/binary"
	"hash/fnv"
)

// Filter is a fixed-size Bloom filter over byte-slice keys.
type Filter struct {
	bits   []byte
	nbits  uint64
	hashes uint32
}

// New creates an empty Filter with the given bit-width and hash-function
// count. Both are configuration parameters (spec.md §3's `bloom_bits`,
// `bloom_hashes`), not derived from an expected-element count, since the
// caller (one filter per transition key-set) does not know its size in
// advance the way a long-lived filter does.
func New(bits uint64, hashes uint32) *Filter {
	if bits == 0 {
		bits = 1
	}
	if hashes == 0 {
		hashes = 1
	}
	return &Filter{
		bits:   make([]byte, (bits+7)/8),
		nbits:  bits,
		hashes: hashes,
	}
}

// Add inserts key into the filter.
func (f *Filter) Add(key []byte) {
	h1, h2 := seedHashes(key)
	for i := uint32(0); i < f.hashes; i++ {
		idx := f.index(h1, h2, i)
		f.bits[idx/8] |= 1 << (idx % 8)
	}
}

// MightContain reports whether key may be present. False means
// definitely absent; true means possibly present.
func (f *Filter) MightContain(key []byte) bool {
	h1, h2 := seedHashes(key)
	for i := uint32(0); i < f.hashes; i++ {
		idx := f.index(h1, h2, i)
		if f.bits[idx/8]&(1<<(idx%8)) == 0 {
			return false
		}
	}
	return true
}

func (f *Filter) index(h1, h2 uint64, i uint32) uint64 {
	// double hashing: h_i(x) = h1(x) + i*h2(x), per spec.md §3.
	return (h1 + uint64(i)*h2) % f.nbits
}

// seedHashes derives two independent 64-bit hashes from key using FNV-1a
// with two different seeds, each passed through mix64, the combination
// double hashing extrapolates the full h_0..h_{k-1} family from.
func seedHashes(key []byte) (uint64, uint64) {
	h1 := fnv.New64a()
	h1.Write(key)
	sum1 := mix64(h1.Sum64())

	h2 := fnv.New64a()
	var seed [8]byte
	binary.BigEndian.PutUint64(seed[:], 0x9E3779B97F4A7C15)
	h2.Write(seed[:])
	h2.Write(key)
	sum2 := mix64(h2.Sum64())
	if sum2 == 0 {
		sum2 = 1 // avoid a degenerate all-zero step that never advances the index
	}
	return sum1, sum2
}

// mix64 is the splitmix64 finalizer. Raw FNV-1a sums of keys that differ
// only in their last byte differ by small amounts tied to each other under
// both seeds; mixing spreads every input bit across the whole word so the
// two hashes behave independently.
func mix64(x uint64) uint64 {
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return x
}

// Disjoint reports whether a and b's Bloom filters share no bit, which
// implies their underlying key sets are provably disjoint: a Bloom
// filter intersection never produces a false negative, so a clear AND
// result is a sound proof of disjointness without consulting the
// precise key sets at all. A non-zero AND result is inconclusive (it may
// be a false positive) and callers must fall back to a precise
// intersection test, per spec.md §3.
func Disjoint(a, b *Filter) bool {
	if a.nbits != b.nbits || len(a.bits) != len(b.bits) {
		return false
	}
	for i := range a.bits {
		if a.bits[i]&b.bits[i] != 0 {
			return false
		}
	}
	return true
}

// Merge ORs other's bits into f in place, used to build a cumulative
// filter over a union of key sets (e.g. the running write-set filter for
// an epoch) without rebuilding from scratch.
func (f *Filter) Merge(other *Filter) {
	if f.nbits != other.nbits || len(f.bits) != len(other.bits) {
		return
	}
	for i := range f.bits {
		f.bits[i] |= other.bits[i]
	}
}

// FromKeySet builds a Filter containing every key in keys.
func FromKeySet(keys [][]byte, bits uint64, hashes uint32) *Filter {
	f := New(bits, hashes)
	for _, k := range keys {
		f.Add(k)
	}
	return f
}
