package edge

import (
	"testing"

	"github.com/granaryproject/granary/internal/arch/amd64"
	"github.com/granaryproject/granary/internal/testing/require"
)

func TestDirectEdgeAtomicAccessors(t *testing.T) {
	e := &DirectEdge{}
	e.StoreEntryTarget(0x1000)
	e.StoreExitTarget(0x1000)

	require.Equal(t, uint64(0x1000), e.LoadEntryTarget())
	require.False(t, e.IsResolved(0x1000))

	e.StoreEntryTarget(0x2000)
	require.True(t, e.IsResolved(0x1000))
}

func TestBuildDirectEdgeStubShape(t *testing.T) {
	e := &DirectEdge{}
	instrs, fallbackLabel := BuildDirectEdgeStub(e, 0x5000)

	require.True(t, len(instrs) >= 9)
	require.Equal(t, amd64.CategoryUncondJump, instrs[1].Category) // entry JMP [scratch]

	var sawLabel, sawCall, sawUD2 bool
	for _, in := range instrs {
		if in.Annotation == amd64.AnnotationLabel && in.Label == fallbackLabel {
			sawLabel = true
		}
		if in.Category == amd64.CategoryCall {
			sawCall = true
		}
		if in.Category == amd64.CategoryUD2 {
			sawUD2 = true
		}
	}
	require.True(t, sawLabel)
	require.True(t, sawCall)
	require.True(t, sawUD2)
	require.Equal(t, amd64.CategoryUD2, instrs[len(instrs)-1].Category)
}

func TestBuildDirectEdgeStubEntryAndExitLoadDistinctAddresses(t *testing.T) {
	e := &DirectEdge{}
	instrs, _ := BuildDirectEdgeStub(e, 0x5000)

	entryLoad := instrs[0]
	var exitLoad *amd64.Instruction
	for _, in := range instrs {
		if in.IClass == "MOV_RI" && in != entryLoad && in.Ops()[1].Imm == int64(e.exitTargetAddr()) {
			exitLoad = in
		}
	}
	require.NotNil(t, exitLoad)
	require.NotEqual(t, entryLoad.Ops()[1].Imm, exitLoad.Ops()[1].Imm)
}
