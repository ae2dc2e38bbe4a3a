package edge

import (
	"testing"

	"github.com/granaryproject/granary/internal/arch/amd64"
	"github.com/granaryproject/granary/internal/testing/require"
)

func TestBuildInEdgeSavesRDXWhenTargetCollidesWithRCX(t *testing.T) {
	ie := &IndirectEdge{}
	rcx := amd64.GPR(1, 8, false)

	withCollision := BuildInEdge(ie, rcx, false)
	withoutCollision := BuildInEdge(ie, amd64.GPR(3, 8, false), false)

	require.True(t, len(withCollision) > len(withoutCollision))
}

func TestBuildInEdgeShiftsRedzoneWhenRequested(t *testing.T) {
	ie := &IndirectEdge{}
	target := amd64.GPR(3, 8, false)

	shifted := BuildInEdge(ie, target, true)
	unshifted := BuildInEdge(ie, target, false)

	require.Equal(t, amd64.CategoryLEA, shifted[0].Category)
	require.Equal(t, len(unshifted)+1, len(shifted))
}

func TestBuildOutEdgeTemplateShape(t *testing.T) {
	tmpl := BuildOutEdgeTemplate(amd64.GPR(3, 8, false))
	require.Len(t, tmpl, 4)
	require.Equal(t, amd64.CategoryLEA, tmpl[1].Category)
	require.Equal(t, amd64.CategoryLoop, tmpl[2].Category) // JRCXZ
	require.Equal(t, amd64.CategoryUncondJump, tmpl[3].Category)
}

func TestInstantiateChainsThroughPreviousHead(t *testing.T) {
	ie := &IndirectEdge{}
	ie.StoreOutEdgePC(0x9000) // go_to_granary

	first := ie.Instantiate(0x1000, 0x2000, amd64.GPR(3, 8, false))
	require.Equal(t, uint64(0x9000), first.FallthroughToPrevPC)

	ie.PublishClone(first, 0x3000)
	require.Equal(t, uint64(0x3000), ie.LoadOutEdgePC())

	second := ie.Instantiate(0x4000, 0x5000, amd64.GPR(3, 8, false))
	require.Equal(t, uint64(0x3000), second.FallthroughToPrevPC)

	clones := ie.Clones()
	require.Len(t, clones, 2)
	require.Equal(t, uint64(0x1000), clones[0].AppPC)
	require.Equal(t, uint64(0x4000), clones[1].AppPC)
}

func TestClonesReturnsDefensiveCopy(t *testing.T) {
	ie := &IndirectEdge{}
	ie.Instantiate(0x1, 0x2, amd64.GPR(3, 8, false))

	clones := ie.Clones()
	clones[0] = nil

	require.NotNil(t, ie.Clones()[0])
}
