package amd64

// SlotRewriter rewrites abstract spill-slot memory operands into concrete
// ones after register assignment (spec.md §4.7), grounded on
// original_source/arch/x86-64/assemble/9_allocate_slots.cc.
//
// Two partition kinds:
//   - valid-stack: slots become [RSP + n*8], with a LEA-based stack
//     adjustment at partition entry/exit.
//   - invalid-stack: slots live in a segment-relative TLS/per-CPU area
//     addressed via FS (user mode) or GS (kernel mode).
type SlotRewriter struct {
	// SlotBytes is the per-slot size (always 8 per spec.md §4.7's "[RSP +
	// n*8]").
	SlotBytes int32
	// Kernel selects GS over FS for the invalid-stack segment base.
	Kernel bool
	// RedzoneBytes is the ABI redzone the valid-stack adjustment must
	// step past (128 on System V user mode, 0 in kernel mode; spec.md
	// §4.7).
	RedzoneBytes int32
}

// Partition is a contiguous run of a trace over which the same stack
// adjustment applies (spec.md GLOSSARY "Partition").
type Partition struct {
	ValidStack bool
	// AdjustedBytes is the LEA displacement applied at entry (subtracted)
	// and reversed at exit (added back), sized to the partition's peak
	// slot usage; EntryAdjustment and ExitAdjustment add RedzoneBytes on
	// top of it.
	AdjustedBytes int32
	// SegmentBaseOffset is the fixed per-slot-category base offset for an
	// invalid-stack partition (spec.md §4.7: "a fixed offset derived from
	// the slot category and number").
	SegmentBaseOffset int32
}

// RewriteValidStack rewrites a virtual-slot memory operand, within a
// valid-stack partition, to a concrete [RSP + slot*8 + adjustment]
// operand. slotNumber is the stable number internal/regalloc.SpillSlots
// assigned.
func (s *SlotRewriter) RewriteValidStack(slotNumber int, p Partition) Memory {
	rsp := stackPointerReg()
	disp := p.AdjustedBytes + int32(slotNumber)*s.SlotBytes
	return Memory{Base: rsp, Disp: disp}
}

// RewriteInvalidStack rewrites a virtual-slot memory operand, within an
// invalid-stack partition, to a segment-relative operand based at FS or
// GS.
func (s *SlotRewriter) RewriteInvalidStack(slotNumber int, p Partition) (Memory, Segment) {
	disp := p.SegmentBaseOffset + int32(slotNumber)*s.SlotBytes
	seg := SegFS
	if s.Kernel {
		seg = SegGS
	}
	return Memory{Disp: disp}, seg
}

// EntryAdjustment builds the `LEA RSP <- [RSP - adjustedBytes]` (redzone
// included) emitted at a valid-stack partition's entry.
func (s *SlotRewriter) EntryAdjustment(p Partition) *Instruction {
	rsp := stackPointerReg()
	return Lea(rsp, Memory{Base: rsp, Disp: -(p.AdjustedBytes + s.RedzoneBytes)})
}

// ExitAdjustment reverses EntryAdjustment.
func (s *SlotRewriter) ExitAdjustment(p Partition) *Instruction {
	rsp := stackPointerReg()
	return Lea(rsp, Memory{Base: rsp, Disp: p.AdjustedBytes + s.RedzoneBytes})
}

// RewritePush: `PUSH reg` -> `MOV [RSP + adjusted_next] <- reg`; no RSP
// change (spec.md §4.7).
func (s *SlotRewriter) RewritePush(reg Reg, nextSlotDisp int32) *Instruction {
	rsp := stackPointerReg()
	return MovMR(Memory{Base: rsp, Disp: nextSlotDisp}, reg, uint16(reg.NumBytes)*8)
}

// RewritePushImm: `PUSH imm` -> `MOV [RSP + adjusted_next] <- imm`.
func (s *SlotRewriter) RewritePushImm(imm int64, widthBits uint16, nextSlotDisp int32) *Instruction {
	rsp := stackPointerReg()
	mem := Memory{Base: rsp, Disp: nextSlotDisp}
	in := NewInstruction(iMovMR, CategoryOther, MemOperand(mem, widthBits, ActionWrite), ImmOperand(imm, widthBits))
	return in
}

// RewritePop: `POP reg` -> `MOV reg <- [RSP + adjusted]`.
func (s *SlotRewriter) RewritePop(reg Reg, slotDisp int32) *Instruction {
	rsp := stackPointerReg()
	return MovRM(reg, Memory{Base: rsp, Disp: slotDisp}, uint16(reg.NumBytes)*8)
}

// RewritePushFlags: store the mangler-inserted virtual register into
// [RSP + adjusted], then POP that register back, preserving flags
// (spec.md §4.7).
func (s *SlotRewriter) RewritePushFlags(pushedValueReg Reg, slotDisp int32) []*Instruction {
	rsp := stackPointerReg()
	store := MovMR(Memory{Base: rsp, Disp: slotDisp}, pushedValueReg, 64)
	restore := PopR(pushedValueReg)
	return []*Instruction{store, restore}
}

// RewritePopFlags emits `PUSH [RSP + adjusted]` before the POPF/POPFQ
// (spec.md §4.7).
func (s *SlotRewriter) RewritePopFlags(slotDisp int32, popf *Instruction) []*Instruction {
	rsp := stackPointerReg()
	push := PushM(Memory{Base: rsp, Disp: slotDisp}, 64)
	return []*Instruction{push, popf}
}

// RewriteRSPArithmetic replaces an ADD/SUB/INC/DEC of RSP not caught by
// stack analysis with `TEST RSP, RSP`, approximating the flag side
// effects (spec.md §4.7: "arithmetic details of AF/PF are intentionally
// lossy").
func RewriteRSPArithmetic() *Instruction {
	return TestRR(stackPointerReg())
}

// RewriteRedundantRSPLea replaces a no-op `LEA RSP <- [RSP+0]` with a NOP
// (spec.md §4.7).
func RewriteRedundantRSPLea(mem Memory) *Instruction {
	if mem.HasBase() && mem.Base.IsStackPointer && mem.Disp == 0 && !mem.HasIndex() {
		return Nop()
	}
	return nil
}

// SpillSlotMemory builds the placeholder Memory operand
// StoreRegisterBefore/ReloadRegisterBefore insert before partitions are
// known; Resolve later replaces it with a concrete operand.
func SpillSlotMemory(slotNumber int) Memory {
	return Memory{Base: SpillSlotBase, Disp: int32(slotNumber)}
}

// IsSpillSlot reports whether m is an unresolved spill-slot placeholder.
func IsSpillSlot(m Memory) bool {
	return m.HasBase() && m.Base == SpillSlotBase
}

// Resolve rewrites every unresolved spill-slot memory operand across instrs
// into a concrete operand for partition p (spec.md §4.7).
func (s *SlotRewriter) Resolve(instrs []*Instruction, p Partition) {
	for _, in := range instrs {
		ops := in.Ops()
		for i := range ops {
			op := &ops[i]
			if op.Kind != OperandMemory || !IsSpillSlot(op.Mem) {
				continue
			}
			slot := int(op.Mem.Disp)
			if p.ValidStack {
				op.Mem = s.RewriteValidStack(slot, p)
				continue
			}
			mem, seg := s.RewriteInvalidStack(slot, p)
			op.Mem, op.Segment = mem, seg
		}
	}
}

// StackSwitchPrologue swaps RSP with a private per-thread stack (kernel
// mode) via XCHG, per spec.md §4.7.
func StackSwitchPrologue(privateStackSlot Reg) *Instruction {
	return XchgRR(stackPointerReg(), privateStackSlot)
}

// StackSwitchEpilogue reverses StackSwitchPrologue (XCHG is its own
// inverse).
func StackSwitchEpilogue(privateStackSlot Reg) *Instruction {
	return XchgRR(stackPointerReg(), privateStackSlot)
}
