package trace

import (
	"testing"

	"github.com/granaryproject/granary/internal/testing/require"
)

func TestLinkRetainsTarget(t *testing.T) {
	a := &Block{Kind: KindDecoded}
	b := &Block{Kind: KindDecoded}
	lcfg := &LCFG{}
	lcfg.AddBlock(a)
	lcfg.AddBlock(b)
	require.True(t, a.Live())
	require.True(t, b.Live())

	lcfg.Link(a, b, nil)
	require.Equal(t, 2, b.refcount) // one from AddBlock, one from Link
}

func TestReversePostOrderEntryFirst(t *testing.T) {
	entry := &Block{Kind: KindDecoded}
	mid := &Block{Kind: KindDecoded}
	tail := &Block{Kind: KindDecoded}
	lcfg := &LCFG{Entry: entry}
	lcfg.AddBlock(entry)
	lcfg.AddBlock(mid)
	lcfg.AddBlock(tail)
	lcfg.Link(entry, mid, nil)
	lcfg.Link(mid, tail, nil)

	order := lcfg.ReversePostOrder()
	require.Len(t, order, 3)
	require.Equal(t, entry, order[0])
	require.Equal(t, mid, order[1])
	require.Equal(t, tail, order[2])
}

func TestReversePostOrderStopsAtNonDecoded(t *testing.T) {
	entry := &Block{Kind: KindDecoded}
	ret := &Block{Kind: KindReturn}
	lcfg := &LCFG{Entry: entry}
	lcfg.AddBlock(entry)
	lcfg.AddBlock(ret)
	lcfg.Link(entry, ret, nil)

	order := lcfg.ReversePostOrder()
	require.Len(t, order, 1)
	require.Equal(t, entry, order[0])
}

func TestBlockIDAssignedOnAdd(t *testing.T) {
	lcfg := &LCFG{}
	a := &Block{}
	b := &Block{}
	lcfg.AddBlock(a)
	lcfg.AddBlock(b)
	require.Equal(t, 0, a.ID)
	require.Equal(t, 1, b.ID)
}
