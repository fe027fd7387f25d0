// Package proof builds and verifies ICS23 commitment proofs over the
// sorted, merged write log of a committed block, the way
// pkg/statestore/store.go's Proof type does for an IAVL tree — but over
// a lightweight binary Merkle tree built fresh from the write log rather
// than a persistent authenticated tree, since spec.md explicitly leaves
// merkle tree shape out of scope (spec.md §1 "does not provide... a
// specific merkle tree shape").
package proof

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"sort"

	ics23 "github.com/cosmos/ics23/go"

	"github.com/blockberries/statengine/pkg/types"
)

// Entry is one key/value pair contributing to the committed write log.
type Entry struct {
	Key   []byte
	Value []byte
}

// Tree is a binary Merkle tree over a sorted set of entries, built once
// per commit from the final writeset.
type Tree struct {
	entries []Entry
	root    []byte
	levels  [][][]byte // levels[0] = leaf hashes, levels[len-1] = [root]
}

// Build constructs a Tree from entries, sorting them by key first so the
// tree (and therefore the root hash) is a deterministic function of the
// key/value contents alone.
func Build(entries []Entry) *Tree {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i].Key, sorted[j].Key) < 0
	})

	t := &Tree{entries: sorted}
	if len(sorted) == 0 {
		t.root = sha256.New().Sum(nil)
		t.levels = [][][]byte{{t.root}}
		return t
	}

	level := make([][]byte, len(sorted))
	for i, e := range sorted {
		level[i] = leafHash(e.Key, e.Value)
	}
	t.levels = append(t.levels, level)

	for len(level) > 1 {
		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				// odd node carries up unchanged
				next = append(next, level[i])
				continue
			}
			next = append(next, innerHash(level[i], level[i+1]))
		}
		t.levels = append(t.levels, next)
		level = next
	}
	t.root = level[0]
	return t
}

// RootHash returns the tree's root hash.
func (t *Tree) RootHash() []byte {
	return t.root
}

// Prove builds an ICS23 existence proof for key. Non-existence proofs are
// not produced: for a key absent from the tree it returns an error
// wrapping types.ErrKeyNotFound.
func (t *Tree) Prove(key []byte) (*ics23.CommitmentProof, error) {
	idx := sort.Search(len(t.entries), func(i int) bool {
		return bytes.Compare(t.entries[i].Key, key) >= 0
	})
	if idx < len(t.entries) && bytes.Equal(t.entries[idx].Key, key) {
		return t.proveExistence(idx)
	}
	return nil, fmt.Errorf("%w: non-existence proofs are not implemented for this tree shape", types.ErrKeyNotFound)
}

func (t *Tree) proveExistence(idx int) (*ics23.CommitmentProof, error) {
	entry := t.entries[idx]
	path := make([]*ics23.InnerOp, 0, len(t.levels)-1)

	pos := idx
	for level := 0; level < len(t.levels)-1; level++ {
		nodes := t.levels[level]
		var sibling []byte
		var siblingIsLeft bool
		if pos%2 == 0 {
			if pos+1 < len(nodes) {
				sibling = nodes[pos+1]
				siblingIsLeft = false
			}
			// odd-length level: this node carried up unchanged, no op needed
		} else {
			sibling = nodes[pos-1]
			siblingIsLeft = true
		}

		if sibling != nil {
			op := &ics23.InnerOp{
				Hash:   ics23.HashOp_SHA256,
				Prefix: []byte{innerPrefixByte},
			}
			if siblingIsLeft {
				op.Prefix = append(op.Prefix, sibling...)
			} else {
				op.Suffix = sibling
			}
			path = append(path, op)
		}
		pos /= 2
	}

	existProof := &ics23.ExistenceProof{
		Key:   entry.Key,
		Value: entry.Value,
		Leaf:  standardLeafOp(),
		Path:  path,
	}

	calculated, err := existProof.Calculate()
	if err != nil {
		return nil, fmt.Errorf("%w: calculating proof root: %v", types.ErrBackend, err)
	}
	if !bytes.Equal(calculated, t.root) {
		return nil, fmt.Errorf("%w: proof does not reproduce the tree root", types.ErrBackend)
	}

	return &ics23.CommitmentProof{
		Proof: &ics23.CommitmentProof_Exist{Exist: existProof},
	}, nil
}

const (
	leafPrefixByte  = 0x00
	innerPrefixByte = 0x01
)

func standardLeafOp() *ics23.LeafOp {
	return &ics23.LeafOp{
		Hash:         ics23.HashOp_SHA256,
		PrehashKey:   ics23.HashOp_NO_HASH,
		PrehashValue: ics23.HashOp_NO_HASH,
		Length:       ics23.LengthOp_NO_PREFIX,
		Prefix:       []byte{leafPrefixByte},
	}
}

func leafHash(key, value []byte) []byte {
	h := sha256.New()
	h.Write([]byte{leafPrefixByte})
	h.Write(key)
	h.Write(value)
	return h.Sum(nil)
}

func innerHash(left, right []byte) []byte {
	h := sha256.New()
	h.Write([]byte{innerPrefixByte})
	h.Write(left)
	h.Write(right)
	return h.Sum(nil)
}

// Verify checks proof against rootHash for (key, value), existence only
// (see Prove's non-existence limitation above).
func Verify(p *ics23.CommitmentProof, rootHash, key, value []byte) (bool, error) {
	if p == nil {
		return false, types.ErrInvalidKey
	}
	existProof := p.GetExist()
	if existProof == nil {
		return false, fmt.Errorf("%w: not an existence proof", types.ErrBackend)
	}
	if !bytes.Equal(existProof.Key, key) || !bytes.Equal(existProof.Value, value) {
		return false, nil
	}
	calculated, err := existProof.Calculate()
	if err != nil {
		return false, fmt.Errorf("%w: %v", types.ErrBackend, err)
	}
	return bytes.Equal(calculated, rootHash), nil
}
