package context

import (
	"testing"

	"github.com/granaryproject/granary/internal/arch/amd64"
	"github.com/granaryproject/granary/internal/testing/require"
)

func newBuilder() *CallSiteBuilder {
	var id uint32
	return &CallSiteBuilder{NextVRegID: func() uint32 {
		id++
		return id
	}}
}

func TestBuildOutlineCallSiteOrdersSaveCopyMoveCallRestore(t *testing.T) {
	b := newBuilder()
	args := []amd64.Operand{
		amd64.ImmOperand(7, 32),
		amd64.RegOperand(amd64.GPR(3, 8, false), amd64.ActionRead),
	}

	instrs := b.BuildOutlineCallSite(0x7000, args)

	// 2 saves + 2 copies + 2 moves + 1 call + 2 restores.
	require.Len(t, instrs, 9)
	require.Equal(t, amd64.CategoryCall, instrs[6].Category)
}

func TestBuildOutlineCallSiteNoArgsIsJustTheCall(t *testing.T) {
	b := newBuilder()
	instrs := b.BuildOutlineCallSite(0x7000, nil)

	require.Len(t, instrs, 1)
	require.Equal(t, amd64.CategoryCall, instrs[0].Category)
}

func TestBuildOutlineCallSitePanicsOverSixArgs(t *testing.T) {
	defer func() {
		require.NotNil(t, recover())
	}()
	b := newBuilder()
	args := make([]amd64.Operand, 7)
	b.BuildOutlineCallSite(0x7000, args)
}

func TestCopyOperandHandlesMemoryImmediateAndRegister(t *testing.T) {
	b := newBuilder()

	_, memInstr := b.copyOperand(amd64.MemOperand(amd64.Memory{Base: amd64.GPR(4, 8, false)}, 64, amd64.ActionRead))
	require.Equal(t, "MOV_RM", memInstr.IClass)

	_, immInstr := b.copyOperand(amd64.ImmOperand(42, 32))
	require.Equal(t, "MOV_RI", immInstr.IClass)

	_, regInstr := b.copyOperand(amd64.RegOperand(amd64.GPR(3, 8, false), amd64.ActionRead))
	require.Equal(t, "MOV_RR", regInstr.IClass)
}
