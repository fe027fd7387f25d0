package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrefixed_Transparency(t *testing.T) {
	backing := NewMapStore()

	p := NewPrefixed([]byte{1}, backing)
	require.NoError(t, p.Put([]byte{0}, []byte{1}))
	require.NoError(t, p.Put([]byte{2}, []byte{2, 0}))

	v, err := backing.Get([]byte{1, 0})
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, v)

	v, err = backing.Get([]byte{1, 2})
	require.NoError(t, err)
	assert.Equal(t, []byte{2, 0}, v)

	// reading back through the prefixed view strips the prefix again.
	v, err = p.Get([]byte{0})
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, v)
}

func TestPrefixed_Sub(t *testing.T) {
	backing := NewMapStore()
	root := NewPrefixed([]byte{1}, backing)
	sub := root.Sub([]byte{3})

	require.NoError(t, sub.Put([]byte{0}, []byte{9}))

	v, err := backing.Get([]byte{1, 3, 0})
	require.NoError(t, err)
	assert.Equal(t, []byte{9}, v)
}

func TestPrefixed_RangeIsolatesNamespace(t *testing.T) {
	backing := NewMapStore()
	require.NoError(t, backing.Put([]byte{0, 0}, []byte{0}))
	require.NoError(t, backing.Put([]byte{1, 0}, []byte{1}))
	require.NoError(t, backing.Put([]byte{1, 1}, []byte{2}))
	require.NoError(t, backing.Put([]byte{2, 0}, []byte{3}))

	p := NewPrefixed([]byte{1}, backing)
	it := p.Range(nil, nil)
	defer it.Close()

	var keys [][]byte
	for it.Next() {
		keys = append(keys, append([]byte{}, it.Key()...))
	}
	require.NoError(t, it.Err())

	assert.Equal(t, [][]byte{{0}, {1}}, keys)
}
