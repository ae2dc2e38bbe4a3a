package cache

import (
	"testing"

	"github.com/granaryproject/granary/internal/metadata"
	"github.com/granaryproject/granary/internal/testing/require"
)

func newTestCache(t *testing.T) *CodeCache {
	t.Helper()
	blocks := newTestArena(t, 4096)
	edges := newTestArena(t, 4096)
	return NewCodeCache(blocks, edges, 4)
}

func TestCommitBlockEncodesAndIndexes(t *testing.T) {
	m := newTestManager()
	c := newTestCache(t)

	rec := m.Allocate()
	rec.Cast("AppMetaData").(*metadata.AppMetaData).AppPC = 0x1000

	region, err := c.CommitBlock(rec, 16, func(region []byte) error {
		copy(region, []byte{0xc3}) // ret
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, byte(0xc3), region[0])

	got, code, ok := c.FindByAppPC(0x1000)
	require.True(t, ok)
	require.Equal(t, rec, got)
	require.Equal(t, byte(0xc3), code[0])

	found, status := c.Lookup(rec)
	require.Equal(t, metadata.Accept, status)
	require.Equal(t, rec, found)
}

func TestCommitBlockPropagatesEncodeError(t *testing.T) {
	m := newTestManager()
	c := newTestCache(t)
	rec := m.Allocate()

	_, err := c.CommitBlock(rec, 16, func(region []byte) error {
		return errBoom
	})
	require.Error(t, err)
}

var errBoom = &boomError{}

type boomError struct{}

func (*boomError) Error() string { return "boom" }

func TestEvictRemovesFromIndexAndMap(t *testing.T) {
	m := newTestManager()
	c := newTestCache(t)
	rec := m.Allocate()
	rec.Cast("AppMetaData").(*metadata.AppMetaData).AppPC = 0x9000

	region, err := c.CommitBlock(rec, 16, func(region []byte) error { return nil })
	require.NoError(t, err)

	c.Evict(rec, region, c.Blocks)

	_, _, ok := c.FindByAppPC(0x9000)
	require.False(t, ok)
	_, status := c.Lookup(rec)
	require.Equal(t, metadata.Reject, status)
}

func TestCommitEdgeAllocatesFromEdgeArena(t *testing.T) {
	c := newTestCache(t)
	region, err := c.CommitEdge(16, func(region []byte) error {
		copy(region, []byte{0xe9, 0, 0, 0, 0}) // jmp rel32
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, byte(0xe9), region[0])
}
