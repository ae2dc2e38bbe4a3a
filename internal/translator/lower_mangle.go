package translator

import (
	"unsafe"

	"github.com/granaryproject/granary/internal/arch/amd64"
	"github.com/granaryproject/granary/internal/edge"
	"github.com/granaryproject/granary/internal/trace"
)

// addrOfByte returns the real address of b, the same &x-as-uint64 idiom
// internal/edge uses throughout for its patched target fields.
func addrOfByte(b *byte) uint64 { return uint64(uintptr(unsafe.Pointer(b))) }

// terminalIndirectReg reports the register operand of in when in is an
// indirect call or jump through a register (CallInd/JmpInd's shape once
// early mangling has reduced any memory operand away); ok is false for
// every other instruction shape, including the still-unmangled
// memory-indirect forms isIndirectMemoryCallOrJump handles later.
func terminalIndirectReg(in *amd64.Instruction) (amd64.Reg, bool) {
	if in.Category != amd64.CategoryCall && in.Category != amd64.CategoryUncondJump {
		return amd64.Reg{}, false
	}
	for _, op := range in.Ops() {
		if op.Kind == amd64.OperandRegister {
			return op.Reg, true
		}
	}
	return amd64.Reg{}, false
}

// resolveIndirectSuccessors replaces every Decoded/Compensation block's
// terminal CallInd/JmpInd whose successor is KindIndirect with the block's
// in-edge sequence (spec.md §4.9), now that register allocation has
// assigned the terminal's target operand a real GPR. Run strictly after
// allocation: the in-edge's own RCX/RDI/RDX save sequence is chosen based
// on the target register's real identity (BuildInEdge).
func (t *Translator) resolveIndirectSuccessors(lc *trace.LCFG) error {
	for _, b := range lc.Blocks {
		if b.Kind != trace.KindDecoded && b.Kind != trace.KindCompensation {
			continue
		}
		if len(b.Successors) == 0 || len(b.Instrs) == 0 {
			continue
		}
		succEdge := b.Successors[0]
		if succEdge.To.Kind != trace.KindIndirect || succEdge.Via == nil {
			continue
		}
		terminal := succEdge.Via
		reg, ok := terminalIndirectReg(terminal)
		if !ok {
			continue
		}

		destTemplate := t.allocQuery(succEdge.To.AppPC)
		ie := t.indirectEdgeFor(terminal.DecodedPC, destTemplate, reg)
		inEdge := edge.BuildInEdge(ie, reg, true)

		idx := len(b.Instrs) - 1
		b.Instrs = append(b.Instrs[:idx], append(inEdge, b.Instrs[idx+1:]...)...)
	}
	return nil
}

// pinScratch assigns a fixed real register to every late-mangle-introduced
// RegTemporaryVirtual operand of in, in place. terminalOnly selects RAX,
// the register internal/edge's own DirectEdge/IndirectEdge stubs already
// treat as free-to-clobber scratch at exactly this point in a trace (a
// block's terminal instruction, per the terminal-only dispatch guarantee
// documented in DESIGN.md: every late-mangle case but
// mangleOversizedPointer can only ever fire on a block's last
// instruction). The oversized-pointer case can fire on a non-terminal
// instruction that might itself read or write RAX as a genuine operand, so
// it gets R11 instead: a System V ABI call-clobbered register carrying no
// argument-passing meaning.
func pinScratch(in *amd64.Instruction, terminalOnly bool) {
	fixed := amd64.GPR(0, 8, false) // RAX
	if !terminalOnly {
		fixed = amd64.GPR(11, 8, false) // R11
	}
	ops := in.Ops()
	for i := range ops {
		if ops[i].Kind != amd64.OperandRegister {
			continue
		}
		if ops[i].Reg.Kind != amd64.RegTemporaryVirtual && ops[i].Reg.Kind != amd64.RegGenericVirtual {
			continue
		}
		width := ops[i].Reg.NumBytes
		r := fixed
		r.NumBytes = width
		ops[i].Reg = r
		in.SetOperand(i, ops[i])
	}
}

// resolveAddressScratch rewrites the addressScratchBase Memory-Base
// placeholder late_mangle.go's far-branch rewrites emit (a MOV loading
// through a not-yet-real address) into two instructions that reuse in's
// own destination register: load the slot's address as an immediate, then
// dereference it. Returns the replacement sequence, or nil if in does not
// use the marker.
func resolveAddressScratch(in *amd64.Instruction) []*amd64.Instruction {
	ops := in.Ops()
	for i := range ops {
		if ops[i].Kind != amd64.OperandMemory {
			continue
		}
		base := ops[i].Mem.Base
		if base.Kind != amd64.RegUnschedulableArch || base.RegNum != amd64.SpillSlotBase.RegNum {
			continue
		}
		if base == amd64.SpillSlotBase {
			continue // a real spill slot, not the address-scratch marker
		}
		dst := in.Operands[0].Reg
		slotAddr := uint64(base.VRegID)
		loadAddr := amd64.MovRI(dst, int64(slotAddr))
		deref := amd64.MovRM(dst, amd64.Memory{Base: dst}, 64)
		return []*amd64.Instruction{loadAddr, deref}
	}
	return nil
}

// lateMangleBlock runs lm over every instruction of instrs, pinning any
// freshly introduced scratch virtual to a fixed real register and
// resolving any address-scratch marker left by a far-branch rewrite.
// estimatedEncodedPC is always passed as 0 (DESIGN.md: a conservative
// estimate that only ever over-selects the far-branch rewrite, never
// under-selects it, since a trace's post-allocation code is always placed
// far closer to pc 0 in address space than any real application or cache
// address could be).
func lateMangleBlock(lm *amd64.LateMangler, instrs []*amd64.Instruction) []*amd64.Instruction {
	var out []*amd64.Instruction
	for _, in := range instrs {
		terminal := in.IsControlFlow()
		mangled := lm.Mangle(in, 0)
		for _, m := range mangled {
			pinScratch(m, terminal)
			if extra := resolveAddressScratch(m); extra != nil {
				out = append(out, extra...)
				continue
			}
			out = append(out, m)
		}
	}
	return out
}
