package trace

import (
	"github.com/granaryproject/granary/internal/arch/amd64"
	"github.com/granaryproject/granary/internal/regalloc"
)

// Func adapts an LCFG into internal/regalloc.Function (spec.md §4
// RegisterAllocator): the allocator only ever sees this neutral view, never
// *LCFG or *amd64.Instruction directly.
type Func struct {
	T         *LCFG
	Clobbered regalloc.GPRSet
	Slots     *regalloc.SpillSlots

	order []regalloc.Block
}

var _ regalloc.Function = (*Func)(nil)

// ReversePostOrderBlocks implements regalloc.Function.
func (f *Func) ReversePostOrderBlocks() []regalloc.Block {
	if f.order == nil {
		for _, b := range f.T.ReversePostOrder() {
			if b.Kind != KindDecoded && b.Kind != KindCompensation {
				continue
			}
			f.order = append(f.order, &blockAdapter{b: b})
		}
	}
	return f.order
}

// ClobberedRegisters implements regalloc.Function.
func (f *Func) ClobberedRegisters() regalloc.GPRSet { return f.Clobbered }

// StoreRegisterBefore implements regalloc.Function: it inserts a spill
// store keyed by a stable slot number ahead of instr (spec.md §4.7).
func (f *Func) StoreRegisterBefore(v regalloc.VReg, instr regalloc.Instr) {
	ia, ok := instr.(*instrAdapter)
	if !ok {
		return
	}
	slot := f.Slots.Slot(v.ID())
	reg := realRegOperand(v.RealReg())
	store := amd64.MovMR(amd64.SpillSlotMemory(slot), reg, uint16(reg.NumBytes)*8)
	ia.queueBefore(store)
}

// ReloadRegisterBefore implements regalloc.Function.
func (f *Func) ReloadRegisterBefore(v regalloc.VReg, instr regalloc.Instr) {
	ia, ok := instr.(*instrAdapter)
	if !ok {
		return
	}
	slot, ok := f.Slots.Assigned(v.ID())
	if !ok {
		return
	}
	reg := realRegOperand(v.RealReg())
	reload := amd64.MovRM(reg, amd64.SpillSlotMemory(slot), uint16(reg.NumBytes)*8)
	ia.queueBefore(reload)
}

// Done implements regalloc.Function: it splices every pending spill
// store/reload into its owning block at the original instruction position
// it was requested relative to, in a single rebuild pass per block (so
// insertions requested against one instruction never shift the original
// index another pending insertion was recorded against). Spill-slot
// partitioning and SlotRewriter.Resolve happen afterward in
// internal/translator, once the whole trace's peak slot usage is known.
func (f *Func) Done() {
	for _, blk := range f.order {
		blk.(*blockAdapter).flush()
	}
}

func realRegOperand(r regalloc.RealReg) amd64.Reg {
	return amd64.GPR(uint8(r), 8, false)
}

// blockAdapter adapts *Block into regalloc.Block. pending accumulates spill
// store/reload instructions requested against each original instruction
// index; flush splices them into the block's instruction slice once, after
// allocation of the whole trace has finished.
type blockAdapter struct {
	b       *Block
	instrs  []regalloc.Instr
	pending map[int][]*amd64.Instruction
}

var _ regalloc.Block = (*blockAdapter)(nil)

func (a *blockAdapter) ID() int { return a.b.ID }

func (a *blockAdapter) Instrs() []regalloc.Instr {
	if a.instrs == nil {
		a.instrs = make([]regalloc.Instr, len(a.b.Instrs))
		for i := range a.b.Instrs {
			a.instrs[i] = &instrAdapter{owner: a, index: i}
		}
	}
	return a.instrs
}

func (a *blockAdapter) queueBefore(index int, in *amd64.Instruction) {
	if a.pending == nil {
		a.pending = map[int][]*amd64.Instruction{}
	}
	a.pending[index] = append(a.pending[index], in)
}

// flush rebuilds b.Instrs, splicing every pending insertion immediately
// before the original instruction it was requested against.
func (a *blockAdapter) flush() {
	if len(a.pending) == 0 {
		return
	}
	out := make([]*amd64.Instruction, 0, len(a.b.Instrs)+len(a.pending))
	for i, in := range a.b.Instrs {
		out = append(out, a.pending[i]...)
		out = append(out, in)
	}
	a.b.Instrs = out
}

// instrAdapter adapts one *amd64.Instruction, addressed by its fixed
// position within the owning block's original (pre-allocation) instruction
// list, into regalloc.Instr. The index never changes once assigned: any
// spill store/reload requested against this instruction is queued on the
// owning blockAdapter and spliced in by a single rebuild pass in Done,
// rather than by shifting indices live during allocation.
type instrAdapter struct {
	owner *blockAdapter
	index int
}

var _ regalloc.Instr = (*instrAdapter)(nil)

func (a *instrAdapter) instr() *amd64.Instruction { return a.owner.b.Instrs[a.index] }

func (a *instrAdapter) queueBefore(in *amd64.Instruction) { a.owner.queueBefore(a.index, in) }

// Accesses implements regalloc.Instr.
func (a *instrAdapter) Accesses() []regalloc.VRegAccess {
	var out []regalloc.VRegAccess
	for _, op := range a.instr().Ops() {
		out = appendRegAccess(out, op.Reg, op.Action, op.IsSticky)
		if op.Kind == amd64.OperandMemory {
			out = appendRegAccess(out, op.Mem.Base, amd64.ActionRead, false)
			out = appendRegAccess(out, op.Mem.Index, amd64.ActionRead, false)
		}
	}
	return out
}

func appendRegAccess(out []regalloc.VRegAccess, r amd64.Reg, action amd64.Action, sticky bool) []regalloc.VRegAccess {
	switch r.Kind {
	case amd64.RegTemporaryVirtual, amd64.RegGenericVirtual:
		out = append(out, regalloc.VRegAccess{
			V:              regalloc.FromID(regalloc.VRegID(r.VRegID)),
			Write:          action.IsWrite(),
			FullWrite:      action.IsUnconditionalWrite() && !r.IsReadModifyWrite(r.ByteMask),
			LegacyHighByte: r.ByteMask == amd64.MaskByte2,
			Sticky:         sticky,
		})
	case amd64.RegArchGPR:
		out = append(out, regalloc.VRegAccess{
			V:      regalloc.FromRealReg(regalloc.RealReg(r.RegNum)),
			Write:  action.IsWrite(),
			Sticky: true, // already pinned; the allocator must not reassign it
		})
	}
	return out
}

// AssignReal implements regalloc.Instr: it rewrites every occurrence of the
// virtual register id, across all operand slots including compound-memory
// base/index, to r.
func (a *instrAdapter) AssignReal(id regalloc.VRegID, r regalloc.RealReg) {
	in := a.instr()
	ops := in.Ops()
	for i := range ops {
		op := &ops[i]
		if isVirtual(op.Reg, id) {
			op.Reg = op.Reg.WithRealReg(uint8(r))
		}
		if op.Kind == amd64.OperandMemory {
			if isVirtual(op.Mem.Base, id) {
				op.Mem.Base = op.Mem.Base.WithRealReg(uint8(r))
			}
			if isVirtual(op.Mem.Index, id) {
				op.Mem.Index = op.Mem.Index.WithRealReg(uint8(r))
			}
		}
	}
}

func isVirtual(r amd64.Reg, id regalloc.VRegID) bool {
	return (r.Kind == amd64.RegTemporaryVirtual || r.Kind == amd64.RegGenericVirtual) && regalloc.VRegID(r.VRegID) == id
}

// IsCall implements regalloc.Instr.
func (a *instrAdapter) IsCall() bool { return a.instr().Category == amd64.CategoryCall }
