package accel

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHandlePool(t *testing.T) {
	pool := NewHandlePool[string]("test", 3)
	require.Equal(t, 3, pool.Cap())
	for ii, value := range []string{"a", "b", "c"} {
		idx, err := pool.Acquire(value)
		require.NoError(t, err)
		require.Equal(t, ii, idx)
	}
	require.Equal(t, 3, pool.Len())
	_, err := pool.Acquire("d")
	require.ErrorIs(t, err, ErrResourceExhausted)

	value, err := pool.Release(1)
	require.NoError(t, err)
	require.Equal(t, "b", value)
	_, ok := pool.Get(1)
	require.False(t, ok)
	_, err = pool.Release(1)
	require.ErrorIs(t, err, ErrInvalidArgument)
	_, ok = pool.Get(7)
	require.False(t, ok)

	// Freed entries are reused.
	idx, err := pool.Acquire("e")
	require.NoError(t, err)
	require.Equal(t, 1, idx)
	value, ok = pool.Get(1)
	require.True(t, ok)
	require.Equal(t, "e", value)

	var drained []string
	pool.Drain(func(_ int, value string) { drained = append(drained, value) })
	require.Equal(t, []string{"a", "e", "c"}, drained)
	require.Zero(t, pool.Len())
}
