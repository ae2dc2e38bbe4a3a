package cache

import "testing"

import "github.com/granaryproject/granary/internal/testing/require"

func newTestArena(t *testing.T, size int) *Arena {
	t.Helper()
	return NewArena(make([]byte, size))
}

func TestAllocBumpPointer(t *testing.T) {
	a := newTestArena(t, 256)
	r1, err := a.Alloc(10)
	require.NoError(t, err)
	require.Len(t, r1, 16) // rounded up to granule

	r2, err := a.Alloc(16)
	require.NoError(t, err)
	require.Equal(t, 16, a.offsetOf(r2))
}

func TestAllocFailsWhenExhausted(t *testing.T) {
	a := newTestArena(t, 32)
	_, err := a.Alloc(32)
	require.NoError(t, err)

	_, err = a.Alloc(1)
	require.Error(t, err)
}

func TestFreeThenAllocReusesGranules(t *testing.T) {
	a := newTestArena(t, 32)
	r1, err := a.Alloc(16)
	require.NoError(t, err)
	_, err = a.Alloc(16)
	require.NoError(t, err)

	// Arena is now full by bump pointer; free r1 and expect the fallback
	// first-fit scan to hand it back out.
	a.Free(r1)
	r3, err := a.Alloc(16)
	require.NoError(t, err)
	require.Equal(t, 0, a.offsetOf(r3))
}

func TestAllocRejectsNonPositiveSize(t *testing.T) {
	a := newTestArena(t, 32)
	_, err := a.Alloc(0)
	require.Error(t, err)
}
