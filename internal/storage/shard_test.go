package storage

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VoolFI71/arena-kv/internal/arena"
)

func TestSetGetRoundTrip(t *testing.T) {
	st := New(arena.New(1 << 10))

	for i := 0; i < 50; i++ {
		key := []byte(fmt.Sprintf("key%d", i))
		value := []byte(fmt.Sprintf("value%d", i))
		require.NoError(t, st.Set(key, value))
	}
	for i := 0; i < 50; i++ {
		got, ok := st.Get([]byte(fmt.Sprintf("key%d", i)))
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("value%d", i), string(got))
	}
	assert.Equal(t, 50, st.Len())
}

func TestKeyIsOwned(t *testing.T) {
	st := New(arena.New(64))
	key := []byte("abc")
	require.NoError(t, st.Set(key, []byte("1")))
	copy(key, "zzz")

	got, ok := st.Get([]byte("abc"))
	require.True(t, ok)
	assert.Equal(t, "1", string(got))
	_, ok = st.Get([]byte("zzz"))
	assert.False(t, ok)
}

func TestValueIsCopied(t *testing.T) {
	st := New(arena.New(64))
	value := []byte("hello")
	require.NoError(t, st.Set([]byte("k"), value))
	copy(value, "XXXXX")

	got, _ := st.Get([]byte("k"))
	assert.Equal(t, "hello", string(got))
}

func TestOverwrite(t *testing.T) {
	st := New(arena.New(64))
	require.NoError(t, st.Set([]byte("k"), []byte("one")))
	require.NoError(t, st.Set([]byte("k"), []byte("two")))

	got, _ := st.Get([]byte("k"))
	assert.Equal(t, "two", string(got))
	assert.Equal(t, 1, st.Len())
	assert.Equal(t, 6, st.Arena().Offset(), "overwrites never reclaim arena space")
}

func TestOutOfMemoryKeepsOldValue(t *testing.T) {
	st := New(arena.New(8))
	require.NoError(t, st.Set([]byte("k"), []byte("12345")))

	err := st.Set([]byte("k"), []byte("6789"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, arena.ErrOutOfMemory))

	got, ok := st.Get([]byte("k"))
	require.True(t, ok)
	assert.Equal(t, "12345", string(got))

	err = st.Set([]byte("other"), []byte("6789"))
	assert.True(t, errors.Is(err, arena.ErrOutOfMemory))
	_, ok = st.Get([]byte("other"))
	assert.False(t, ok)
	assert.Equal(t, 1, st.Len())
}

func TestStaleRefsReadAsMissing(t *testing.T) {
	a := arena.New(64)
	st := New(a)
	require.NoError(t, st.Set([]byte("k"), []byte("v")))

	a.Reset()
	_, ok := st.Get([]byte("k"))
	assert.False(t, ok)
	assert.Zero(t, st.Len())
}

func TestReset(t *testing.T) {
	st := New(arena.New(64))
	require.NoError(t, st.Set([]byte("a"), []byte("1")))
	require.NoError(t, st.Set([]byte("b"), []byte("2")))

	st.Reset()
	assert.Zero(t, st.Len())
	assert.Zero(t, st.Arena().Offset())
	_, ok := st.Get([]byte("a"))
	assert.False(t, ok)
}

func TestHashedMatchesPlain(t *testing.T) {
	st := New(arena.New(64))
	key := []byte("hashed")
	require.NoError(t, st.SetHashed(Hash(key), key, []byte("v")))
	got, ok := st.Get(key)
	require.True(t, ok)
	assert.Equal(t, "v", string(got))
}
