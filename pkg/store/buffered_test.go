package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockberries/statengine/pkg/types"
)

func TestBufferedStore_PutGet(t *testing.T) {
	s := NewMapStore()
	require.NoError(t, s.Put([]byte("alice"), []byte("100")))

	v, err := s.Get([]byte("alice"))
	require.NoError(t, err)
	assert.Equal(t, []byte("100"), v)
}

func TestBufferedStore_DeleteMasksInner(t *testing.T) {
	inner := NewMapStore()
	require.NoError(t, inner.Put([]byte("k"), []byte("v")))

	outer := NewBufferedStore(inner)
	require.NoError(t, outer.Delete([]byte("k")))

	v, err := outer.Get([]byte("k"))
	require.NoError(t, err)
	assert.Nil(t, v)

	// inner is untouched until Flush.
	v, err = inner.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
}

func TestBufferedStore_FlushMergesIntoParent(t *testing.T) {
	inner := NewMapStore()
	require.NoError(t, inner.Put([]byte("k"), []byte("old")))

	outer := NewBufferedStore(inner)
	require.NoError(t, outer.Put([]byte("k"), []byte("new")))
	require.NoError(t, outer.Put([]byte("k2"), []byte("v2")))
	require.NoError(t, outer.Flush())

	v, err := inner.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), v)

	v, err = inner.Get([]byte("k2"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), v)

	assert.Empty(t, outer.Delta())
}

func TestBufferedStore_ResetDiscardsDelta(t *testing.T) {
	inner := NewMapStore()
	outer := NewBufferedStore(inner)
	require.NoError(t, outer.Put([]byte("k"), []byte("v")))
	outer.Reset()

	v, err := inner.Get([]byte("k"))
	require.NoError(t, err)
	assert.Nil(t, v)
	assert.Empty(t, outer.Delta())
}

func TestBufferedStore_RangeMergesDeltaAndInner(t *testing.T) {
	inner := NewMapStore()
	require.NoError(t, inner.Put([]byte("a"), []byte("1")))
	require.NoError(t, inner.Put([]byte("b"), []byte("2")))
	require.NoError(t, inner.Put([]byte("d"), []byte("4")))

	outer := NewBufferedStore(inner)
	require.NoError(t, outer.Put([]byte("c"), []byte("3")))
	require.NoError(t, outer.Delete([]byte("b")))
	require.NoError(t, outer.Put([]byte("a"), []byte("1-new")))

	it := outer.Range(nil, nil)
	defer it.Close()

	var keys []string
	var values []string
	for it.Next() {
		keys = append(keys, string(it.Key()))
		values = append(values, string(it.Value()))
	}
	require.NoError(t, it.Err())

	assert.Equal(t, []string{"a", "c", "d"}, keys)
	assert.Equal(t, []string{"1-new", "3", "4"}, values)
}

func TestBufferedStore_InvalidKey(t *testing.T) {
	s := NewMapStore()
	_, err := s.Get(nil)
	assert.ErrorIs(t, err, types.ErrInvalidKey)
}
