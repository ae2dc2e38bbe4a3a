package translator

import (
	"testing"

	"github.com/granaryproject/granary/internal/arch/amd64"
	"github.com/granaryproject/granary/internal/testing/require"
)

func vreg(id uint32, kind amd64.RegKind) amd64.Reg { return amd64.Virtual(kind, id, 8) }

func TestRebuildBranchCondJumpTranslatesMnemonic(t *testing.T) {
	orig := amd64.Jcc("JA", 0x1000) // x86asm spelling
	out := rebuildBranch(orig, amd64.LabelBranchOperand(9))
	require.Equal(t, amd64.CategoryCondJump, out.Category)
	require.Equal(t, "JNBE", out.IForm)
	require.True(t, out.Operands[0].Branch.IsLabel)
	require.Equal(t, 9, out.Operands[0].Branch.Label)
}

func TestRebuildBranchCallPreservesCategory(t *testing.T) {
	orig := amd64.CallRel(0x2000)
	out := rebuildBranch(orig, amd64.AbsoluteBranchOperand(0x3000))
	require.Equal(t, amd64.CategoryCall, out.Category)
	require.Equal(t, uint64(0x3000), out.Operands[0].Branch.Absolute)
}

func TestRebuildBranchLoopTranslatesForm(t *testing.T) {
	orig := amd64.LoopRel(amd64.LoopE, 0x4000)
	orig.IClass = "LOOPE"
	out := rebuildBranch(orig, amd64.LabelBranchOperand(3))
	require.Equal(t, amd64.CategoryLoop, out.Category)
}

func TestPinScratchTerminalUsesRAX(t *testing.T) {
	v := vreg(1, amd64.RegTemporaryVirtual)
	in := amd64.JmpInd(v)
	pinScratch(in, true)
	got := in.Ops()[0].Reg
	require.Equal(t, amd64.RegArchGPR, got.Kind)
	require.Equal(t, uint8(0), got.RegNum) // RAX
}

func TestPinScratchNonTerminalUsesR11(t *testing.T) {
	v := vreg(2, amd64.RegTemporaryVirtual)
	in := amd64.MovRI(v, 5)
	pinScratch(in, false)
	got := in.Ops()[0].Reg
	require.Equal(t, amd64.RegArchGPR, got.Kind)
	require.Equal(t, uint8(11), got.RegNum) // R11
}

func TestPinScratchLeavesRealRegistersAlone(t *testing.T) {
	rcx := amd64.GPR(1, 8, false)
	in := amd64.MovRI(rcx, 5)
	pinScratch(in, true)
	require.Equal(t, uint8(1), in.Ops()[0].Reg.RegNum)
}

func TestResolveAddressScratchSplitsLoadIntoTwoInstructions(t *testing.T) {
	dst := amd64.GPR(0, 8, false) // already pinned, as pinScratch would leave it
	marker := addressScratchBaseForTest(0xdeadbeef)
	in := amd64.MovRM(dst, amd64.Memory{Base: marker}, 64)

	out := resolveAddressScratch(in)
	require.Len(t, out, 2)
	require.Equal(t, int64(0xdeadbeef), out[0].Ops()[1].Imm)
	require.Equal(t, dst.RegNum, out[1].Ops()[1].Mem.Base.RegNum)
}

func TestResolveAddressScratchIgnoresRealSpillSlot(t *testing.T) {
	dst := amd64.GPR(0, 8, false)
	in := amd64.MovRM(dst, amd64.SpillSlotMemory(2), 64)
	require.Nil(t, resolveAddressScratch(in))
}

func TestNativeAddressSlotsOwnReturnsDistinctAddresses(t *testing.T) {
	slots, err := newNativeAddressSlots()
	require.NoError(t, err)

	a := slots.Own(0x1111)
	b := slots.Own(0x2222)
	require.True(t, a != b)
}

// addressScratchBaseForTest mirrors late_mangle.go's unexported
// addressScratchBase field for field; that helper lives in package amd64
// and is unexported, so the test rebuilds the same Reg value here.
func addressScratchBaseForTest(slotAddr uint64) amd64.Reg {
	return amd64.Reg{Kind: amd64.RegUnschedulableArch, RegNum: 0xfe, VRegID: uint32(slotAddr)}
}
