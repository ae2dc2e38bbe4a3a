package trace

import (
	"testing"

	"github.com/granaryproject/granary/internal/testing/require"
)

func TestFinerOrdering(t *testing.T) {
	require.True(t, finer(StrategyNow, StrategyLater))
	require.True(t, finer(StrategyDenied, StrategyNative))
	require.False(t, finer(StrategyCheckLCFG, StrategyNow))
}

func TestRequestBlockKeepsFinest(t *testing.T) {
	b := &Block{Kind: KindDirect}
	f := &BlockFactory{}
	f.RequestBlock(b, StrategyCheckLCFG)
	require.Equal(t, StrategyCheckLCFG, b.strategy)
	f.RequestBlock(b, StrategyLater)
	require.Equal(t, StrategyCheckLCFG, b.strategy, "a coarser request must not downgrade an existing finer one")
	f.RequestBlock(b, StrategyNow)
	require.Equal(t, StrategyNow, b.strategy)
}

func TestMaterializeNativeStrategy(t *testing.T) {
	t1 := &LCFG{}
	b := &Block{Kind: KindDirect, AppPC: 0x1000, strategy: StrategyNative}
	t1.AddBlock(b)

	f := &BlockFactory{}
	require.NoError(t, f.Materialize(t1))
	require.Equal(t, KindNative, b.Kind)
	require.Equal(t, uint64(0x1000), b.AppPC)
}

func TestMaterializeDeniedLeavesDirectUnresolved(t *testing.T) {
	t1 := &LCFG{}
	b := &Block{Kind: KindDirect, AppPC: 0x2000, strategy: StrategyDenied}
	t1.AddBlock(b)

	f := &BlockFactory{}
	require.NoError(t, f.Materialize(t1))
	require.Equal(t, KindDirect, b.Kind)
}

func TestMaterializeNowDecodesFresh(t *testing.T) {
	t1 := &LCFG{}
	b := &Block{Kind: KindDirect, AppPC: 0x3000, strategy: StrategyNow}
	t1.AddBlock(b)

	decodeCalls := 0
	f := &BlockFactory{
		Decode: func(pc uint64) (*Block, error) {
			decodeCalls++
			return &Block{Kind: KindDecoded, AppPC: pc}, nil
		},
	}
	require.NoError(t, f.Materialize(t1))
	require.Equal(t, 1, decodeCalls)
	require.Equal(t, KindDecoded, b.Kind)
	require.Equal(t, uint64(0x3000), b.AppPC)
	// Fields owned by the LCFG itself must survive the in-place swap.
	require.Equal(t, 0, b.ID)
}

func TestMaterializeNowPrefersCacheIndex(t *testing.T) {
	t1 := &LCFG{}
	b := &Block{Kind: KindDirect, AppPC: 0x4000, strategy: StrategyNow}
	t1.AddBlock(b)

	f := &BlockFactory{
		LookupIndex: func(pc uint64) (uint64, bool) { return 0xcafe, true },
		Decode: func(pc uint64) (*Block, error) {
			t.Fatal("Decode should not run once LookupIndex hits")
			return nil, nil
		},
	}
	require.NoError(t, f.Materialize(t1))
	require.Equal(t, KindCached, b.Kind)
	require.Equal(t, uint64(0xcafe), b.CachePC)
}

func TestMaterializeCheckLCFGFindsExistingBlock(t *testing.T) {
	t1 := &LCFG{}
	existing := &Block{Kind: KindDecoded, AppPC: 0x5000}
	t1.AddBlock(existing)
	b := &Block{Kind: KindDirect, AppPC: 0x5000, strategy: StrategyCheckLCFG}
	t1.AddBlock(b)

	f := &BlockFactory{
		FindInLCFG: func(t *LCFG, pc uint64) *Block {
			if pc == 0x5000 {
				return existing
			}
			return nil
		},
		Decode: func(pc uint64) (*Block, error) {
			t.Fatal("Decode should not run once FindInLCFG hits")
			return nil, nil
		},
	}
	require.NoError(t, f.Materialize(t1))
	require.Equal(t, KindDecoded, b.Kind)
}

func TestMaterializePreservesSuccessorsAcrossSwap(t *testing.T) {
	t1 := &LCFG{}
	b := &Block{Kind: KindDirect, AppPC: 0x6000, strategy: StrategyNow}
	t1.AddBlock(b)
	downstream := &Block{Kind: KindReturn}
	t1.AddBlock(downstream)
	b.Successors = append(b.Successors, &Edge{From: b, To: downstream})
	downstream.Retain()

	f := &BlockFactory{
		Decode: func(pc uint64) (*Block, error) {
			return &Block{Kind: KindDecoded, AppPC: pc}, nil
		},
	}
	require.NoError(t, f.Materialize(t1))
	require.Len(t, b.Successors, 1)
	require.Equal(t, downstream, b.Successors[0].To)
}
