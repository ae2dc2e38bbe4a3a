package trace

import (
	"testing"

	"github.com/granaryproject/granary/internal/arch/amd64"
	"github.com/granaryproject/granary/internal/regalloc"
	"github.com/granaryproject/granary/internal/testing/require"
)

func rax() amd64.Reg { return amd64.GPR(uint8(regalloc.RAX), 8, false) }

func vreg(id uint32) amd64.Reg { return amd64.Virtual(amd64.RegGenericVirtual, id, 8) }

func TestAccessesIncludesVirtualAndArchGPR(t *testing.T) {
	v1 := vreg(1)
	in := amd64.MovRR(v1, rax())
	b := &Block{Kind: KindDecoded, Instrs: []*amd64.Instruction{in}}
	ba := &blockAdapter{b: b}
	ia := ba.Instrs()[0]

	accesses := ia.Accesses()
	require.Len(t, accesses, 2)
	require.Equal(t, regalloc.FromID(1), accesses[0].V)
	require.True(t, accesses[0].Write)
	require.True(t, accesses[1].Sticky) // already-pinned RAX source
}

func TestAssignRealRewritesAllOccurrences(t *testing.T) {
	v1 := vreg(7)
	mem := amd64.Memory{Base: v1}
	in := amd64.MovRM(rax(), mem, 64)
	b := &Block{Kind: KindDecoded, Instrs: []*amd64.Instruction{in}}
	ba := &blockAdapter{b: b}
	ia := ba.Instrs()[0].(*instrAdapter)

	ia.AssignReal(7, regalloc.RCX)

	got := ia.instr().Ops()[1].Mem.Base
	require.Equal(t, amd64.RegArchGPR, got.Kind)
	require.Equal(t, uint8(regalloc.RCX), got.RegNum)
}

func TestIsCallReflectsCategory(t *testing.T) {
	in := amd64.CallRel(0x1000)
	b := &Block{Kind: KindDecoded, Instrs: []*amd64.Instruction{in}}
	ba := &blockAdapter{b: b}
	ia := ba.Instrs()[0]
	require.True(t, ia.IsCall())
}

func TestAllocatorSpillsAndFuncFlushesPendingStores(t *testing.T) {
	// Force a spill by restricting the allocator to a single usable GPR
	// while the block demands two simultaneously-live virtuals.
	v1, v2 := vreg(1), vreg(2)
	instrs := []*amd64.Instruction{
		amd64.MovRR(v1, rax()),       // def v1
		amd64.MovRR(v2, rax()),       // def v2, v1 still live below
		amd64.MovRR(rax(), v1),       // use v1
		amd64.MovRR(rax(), v2),       // use v2
	}
	block := &Block{Kind: KindDecoded, Instrs: instrs}
	lcfg := &LCFG{Entry: block}
	lcfg.AddBlock(block)

	f := &Func{T: lcfg, Slots: regalloc.NewSpillSlots()}
	usable := regalloc.GPRSet(0).Add(regalloc.RBX) // only one free register besides RAX
	alloc := regalloc.NewAllocator(usable)
	alloc.Run(f)

	require.True(t, f.Slots.Count() >= 1, "expected at least one spill slot to be assigned")

	var sawSpillStore, sawSpillReload bool
	for _, in := range block.Instrs {
		if in.IClass != "MOV_MR" && in.IClass != "MOV_RM" {
			continue
		}
		for _, op := range in.Ops() {
			if op.Kind == amd64.OperandMemory && amd64.IsSpillSlot(op.Mem) {
				if in.IClass == "MOV_MR" {
					sawSpillStore = true
				} else {
					sawSpillReload = true
				}
			}
		}
	}
	require.True(t, sawSpillStore, "expected a spill store spliced into the block")
	require.True(t, sawSpillReload, "expected a spill reload spliced into the block")
}
