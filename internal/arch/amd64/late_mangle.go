package amd64

// LateMangler runs after register allocation and before final encoding
// (spec.md §4.6). Grounded on original_source/arch/x86-64/late_mangle.cc.
type LateMangler struct {
	NextVRegID func() uint32
	// NextLabel allocates a fresh annotation-label identity for the
	// negated-condition skip target used by the far-conditional rewrite.
	NextLabel func() int
	// OwnNativeAddress allocates a process-owned 8-byte slot holding an
	// absolute address, used by the far-target indirect rewrites (spec.md
	// §4.6: "rewrite to indirect through an owned NativeAddress
	// pointer"). Wired by the translator to its own mmap'd slot page
	// (internal/translator's nativeAddressSlots.Own).
	OwnNativeAddress func(addr uint64) uint64
}

func (m *LateMangler) scratch(widthBytes uint8) Reg {
	return Virtual(RegTemporaryVirtual, m.NextVRegID(), widthBytes)
}

// Mangle rewrites one post-allocation instruction, given an EncodedPC
// estimate (internal/translator always passes 0 and stages the block only
// after this pass).
func (m *LateMangler) Mangle(in *Instruction, estimatedEncodedPC uint64) []*Instruction {
	switch {
	case isFarBranch(in, estimatedEncodedPC):
		return m.mangleFarBranch(in, estimatedEncodedPC)
	case isIndirectReturnInUse(in):
		return m.mangleIndirectReturn(in)
	case isIndirectMemoryCallOrJump(in):
		return m.mangleIndirectMemoryBranch(in)
	case in.TailCall && in.Category == CategoryUncondJump:
		return m.mangleTailCall(in)
	case hasOversizedAbsolutePointer(in):
		return m.mangleOversizedPointer(in)
	default:
		return []*Instruction{in}
	}
}

func isFarBranch(in *Instruction, pc uint64) bool {
	switch in.Category {
	case CategoryCall, CategoryUncondJump, CategoryCondJump, CategoryLoop:
	default:
		return false
	}
	target, ok := branchTargetOf(in)
	if !ok {
		return false
	}
	return !fitsRel32(pc, target)
}

func branchTargetOf(in *Instruction) (uint64, bool) {
	for _, op := range in.Ops() {
		if op.Kind == OperandBranchTarget && !op.Branch.IsLabel {
			return op.Branch.Absolute, true
		}
	}
	return 0, false
}

// mangleFarBranch implements spec.md §4.6's three far-target cases.
func (m *LateMangler) mangleFarBranch(in *Instruction, pc uint64) []*Instruction {
	target, _ := branchTargetOf(in)

	switch in.Category {
	case CategoryCall, CategoryUncondJump:
		slot := m.OwnNativeAddress(target)
		v := m.scratch(8)
		load := MovRM(v, Memory{Base: addressScratchBase(slot)}, 64)
		var br *Instruction
		if in.Category == CategoryCall {
			br = CallInd(v)
		} else {
			br = JmpInd(v)
		}
		return []*Instruction{load, br, UD2()}

	case CategoryCondJump:
		negated := NegateCondition(in.IForm)
		skip := m.NextLabel()
		jumpOver := Jcc(negated, 0)
		jumpOver.Operands[0] = LabelBranchOperand(skip)

		slot := m.OwnNativeAddress(target)
		v := m.scratch(8)
		load := MovRM(v, Memory{Base: addressScratchBase(slot)}, 64)
		jmp := JmpInd(v)
		label := NewLabel(skip)
		return []*Instruction{jumpOver, load, jmp, UD2(), label}

	case CategoryLoop:
		tryLoop := m.NextLabel()
		doLoop := m.NextLabel()
		form := loopFormOf(in.IForm)

		jmpTry := JmpRel(0)
		jmpTry.Operands[0] = LabelBranchOperand(tryLoop)

		doLabel := NewLabel(doLoop)
		inner := m.mangleFarJumpUnconditional(target)

		tryLabel := NewLabel(tryLoop)
		loop := LoopRel(form, 0)
		loop.Operands[0] = LabelBranchOperand(doLoop)

		out := []*Instruction{jmpTry, doLabel}
		out = append(out, inner...)
		out = append(out, tryLabel, loop)
		return out
	}
	return []*Instruction{in}
}

func (m *LateMangler) mangleFarJumpUnconditional(target uint64) []*Instruction {
	slot := m.OwnNativeAddress(target)
	v := m.scratch(8)
	load := MovRM(v, Memory{Base: addressScratchBase(slot)}, 64)
	return []*Instruction{load, JmpInd(v), UD2()}
}

func loopFormOf(iform string) LoopForm {
	switch iform {
	case "LOOPE":
		return LoopE
	case "LOOPNE":
		return LoopNE
	case "JRCXZ":
		return Jrcxz
	default:
		return LoopPlain
	}
}

// addressScratchBase produces a Reg placeholder naming the owned
// NativeAddress slot; internal/translator's resolveAddressScratch turns a
// load through it into a MOV of the slot address as an immediate followed
// by a load through that register (data-arena addresses are stable once
// allocated, unlike code addresses).
func addressScratchBase(slotAddr uint64) Reg {
	return Reg{Kind: RegUnschedulableArch, RegNum: 0xfe, VRegID: uint32(slotAddr)}
}

// isIndirectReturnInUse reports whether a RET whose return metadata is in
// use should be converted to an indirect-jump-shaped instruction (spec.md
// §4.6). The actual "in use" analysis is out of scope for this package
// (it depends on metadata carried by internal/metadata); the rewrite fires
// only for a RET whose Instruction.SaveRestore is already set, and nothing
// in internal/translator sets that flag.
func isIndirectReturnInUse(in *Instruction) bool {
	return in.Category == CategoryReturn && in.SaveRestore
}

// mangleIndirectReturn: `RET` -> `POP v; JMP v` (spec.md §4.6).
func (m *LateMangler) mangleIndirectReturn(in *Instruction) []*Instruction {
	v := m.scratch(8)
	return []*Instruction{PopR(v), JmpInd(v)}
}

func isIndirectMemoryCallOrJump(in *Instruction) bool {
	if in.Category != CategoryCall && in.Category != CategoryUncondJump {
		return false
	}
	for _, op := range in.Ops() {
		if op.Kind == OperandMemory && op.IsCompound {
			return true
		}
	}
	return false
}

// mangleIndirectMemoryBranch: `CALL/JMP [compound mem]` -> `MOV v <- mem;
// CALL/JMP v` (spec.md §4.6).
func (m *LateMangler) mangleIndirectMemoryBranch(in *Instruction) []*Instruction {
	mem := findMemOperand(in)
	v := m.scratch(8)
	load := MovRM(v, mem, 64)
	var br *Instruction
	if in.Category == CategoryCall {
		br = CallInd(v)
	} else {
		br = JmpInd(v)
	}
	return []*Instruction{load, br}
}

// mangleTailCall pushes an explicit return address before the jump
// (spec.md §4.6: "either a 32-bit immediate if reachable or via a virtual
// register if not").
func (m *LateMangler) mangleTailCall(in *Instruction) []*Instruction {
	retAddr := in.EncodedPC // the pushed return address is whatever EncodedPC
	// holds when Mangle runs; internal/translator sets neither TailCall nor
	// EncodedPC before late mangling.
	if fitsInt32(retAddr) {
		return []*Instruction{PushI(int32(retAddr)), in}
	}
	v := m.scratch(8)
	return []*Instruction{MovRI(v, int64(retAddr)), PushR(v), in}
}

func fitsInt32(v uint64) bool {
	return v <= uint64(int64(1)<<31-1)
}

func hasOversizedAbsolutePointer(in *Instruction) bool {
	for _, op := range in.Ops() {
		if op.Kind == OperandPointer && immediateWidthBits(op.Pointer) > 32 {
			return true
		}
	}
	return false
}

// immediateWidthBits returns the minimal number of bits needed to
// represent v as a signed immediate (spec.md §4.6: "ImmediateWidthBits").
func immediateWidthBits(v uint64) int {
	sv := int64(v)
	switch {
	case sv >= -(1<<7) && sv < 1<<7:
		return 8
	case sv >= -(1<<15) && sv < 1<<15:
		return 16
	case sv >= -(int64(1)<<31) && sv < int64(1)<<31:
		return 32
	default:
		return 64
	}
}

// mangleOversizedPointer: an absolute memory operand whose address needs
// more than 32 bits becomes `MOV v <- imm; <op> ... [v] ...`; a LEA of such
// a pointer becomes `MOV reg <- imm` (spec.md §4.6).
func (m *LateMangler) mangleOversizedPointer(in *Instruction) []*Instruction {
	for i, op := range in.Ops() {
		if op.Kind != OperandPointer || immediateWidthBits(op.Pointer) <= 32 {
			continue
		}
		if in.Category == CategoryLEA {
			dst := in.Operands[0].Reg
			return []*Instruction{MovRI(dst, int64(op.Pointer))}
		}
		v := m.scratch(8)
		load := MovRI(v, int64(op.Pointer))
		rewritten := MemOperand(Memory{Base: v}, op.WidthBits, op.Action)
		in.SetOperand(i, rewritten)
		return []*Instruction{load, in}
	}
	return []*Instruction{in}
}
