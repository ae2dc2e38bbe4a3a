package amd64

// This file holds the constructors for the bounded set of instruction
// forms the mangling passes (early_mangle.go, late_mangle.go, slot.go) and
// the edge/context trampoline builders (internal/edge, internal/context)
// ever synthesize. Grounded on the teacher's backend/isa/amd64 instruction
// constructors (newMove, newLea, ...): one small function per form,
// building an *Instruction directly rather than going through a generic
// assembler mnemonic parser.

// IClass identities for synthesized forms. Decoded instructions keep the
// x86asm.Op string (see decode.go's convert); these constants only name
// what builder.go itself emits.
const (
	iMovRR   = "MOV_RR"
	iMovRM   = "MOV_RM"
	iMovMR   = "MOV_MR"
	iMovRI   = "MOV_RI"
	iMovzxR  = "MOVZX"
	iLeaRM   = "LEA"
	iPushR   = "PUSH_R"
	iPushI   = "PUSH_I"
	iPushM   = "PUSH_M"
	iPopR    = "POP_R"
	iPopM    = "POP_M"
	iJmpRel  = "JMP_REL"
	iJmpInd  = "JMP_IND"
	iJmpMem  = "JMP_MEM"
	iJccRel  = "JCC_REL"
	iCallRel = "CALL_REL"
	iCallInd = "CALL_IND"
	iCallMem = "CALL_MEM"
	iRet     = "RET"
	iTestRR  = "TEST_RR"
	iNop     = "NOP"
	iUD2     = "UD2"
	iPushFQ  = "PUSHFQ"
	iPopFQ   = "POPFQ"
	iXchgRR  = "XCHG_RR"
	iLoopRel = "LOOP_REL8"
	iJrcxz   = "JRCXZ_REL8"
	iCli     = "CLI"
	iSti     = "STI"
)

// loopMnemonic distinguishes LOOP/LOOPE/LOOPNE/JRCXZ, all of which are
// rel8-only opcodes in the ISA itself (spec.md §4.3: "clamped to 8 bits
// for JRCXZ/LOOP*").
type LoopForm uint8

const (
	LoopPlain LoopForm = iota
	LoopE
	LoopNE
	Jrcxz
)

// LoopRel builds one of LOOP/LOOPE/LOOPNE/JRCXZ, all rel8-only (spec.md
// §4.6's "try_loop"/"do_loop" rewrite emits these directly).
func LoopRel(form LoopForm, target uint64) *Instruction {
	in := NewInstruction(iLoopRel, CategoryLoop, AbsoluteBranchOperand(target))
	switch form {
	case LoopE:
		in.IForm = "LOOPE"
	case LoopNE:
		in.IForm = "LOOPNE"
	case Jrcxz:
		in.IForm = "JRCXZ"
		in.IClass = iJrcxz
	default:
		in.IForm = "LOOP"
	}
	return in
}

// MovRR builds `MOV dst, src` between two GPR views of the same width.
func MovRR(dst, src Reg) *Instruction {
	return NewInstruction(iMovRR, CategoryOther, RegOperand(dst, ActionWrite), RegOperand(src, ActionRead))
}

// MovRM builds `MOV dst, [mem]`.
func MovRM(dst Reg, mem Memory, widthBits uint16) *Instruction {
	return NewInstruction(iMovRM, CategoryOther, RegOperand(dst, ActionWrite), MemOperand(mem, widthBits, ActionRead))
}

// MovMR builds `MOV [mem], src`.
func MovMR(mem Memory, src Reg, widthBits uint16) *Instruction {
	return NewInstruction(iMovMR, CategoryOther, MemOperand(mem, widthBits, ActionWrite), RegOperand(src, ActionRead))
}

// MovRI builds `MOV dst, imm`.
func MovRI(dst Reg, imm int64) *Instruction {
	return NewInstruction(iMovRI, CategoryOther, RegOperand(dst, ActionWrite), ImmOperand(imm, uint16(dst.NumBytes)*8))
}

// Movzx builds `MOVZX dst, src` (src narrower than dst, zero-extended).
func Movzx(dst, src Reg) *Instruction {
	return NewInstruction(iMovzxR, CategoryOther, RegOperand(dst, ActionWrite), RegOperand(src, ActionRead))
}

// Lea builds `LEA dst, <agen>` for a compound memory addressing
// computation (spec.md §4.4: "Compound memory operand in non-sticky
// instruction -> LEA v <- <agen>").
func Lea(dst Reg, mem Memory) *Instruction {
	op := MemOperand(mem, uint16(dst.NumBytes)*8, ActionRead)
	op.IsEffectiveAddress = true
	in := NewInstruction(iLeaRM, CategoryLEA, RegOperand(dst, ActionWrite), op)
	in.EffectiveWidthBits = 64
	return in
}

// PushR builds `PUSH reg`.
func PushR(r Reg) *Instruction {
	return NewInstruction(iPushR, CategoryPush, RegOperand(r, ActionRead))
}

// PushI builds `PUSH imm32`.
func PushI(imm int32) *Instruction {
	return NewInstruction(iPushI, CategoryPush, ImmOperand(int64(imm), 32))
}

// PushM builds `PUSH [mem]`, used only as an intermediate the early
// mangler immediately rewrites away (spec.md §4.4: "PUSH [mem] -> MOV v <-
// [mem]; PUSH v" means this constructor itself is never reached by the
// final encoder, but slot.go's POPF/POPFQ rewrite emits one transiently).
func PushM(mem Memory, widthBits uint16) *Instruction {
	return NewInstruction(iPushM, CategoryPush, MemOperand(mem, widthBits, ActionRead))
}

// PopR builds `POP reg`.
func PopR(r Reg) *Instruction {
	return NewInstruction(iPopR, CategoryPop, RegOperand(r, ActionWrite))
}

// PopM builds `POP [mem]`.
func PopM(mem Memory, widthBits uint16) *Instruction {
	return NewInstruction(iPopM, CategoryPop, MemOperand(mem, widthBits, ActionWrite))
}

// JmpRel builds an unconditional direct jump to target, width chosen at
// encode time by whichever Reloc is attached (see late_mangle.go /
// slot.go callers, which set RawBytes+Reloc directly for the relocatable
// forms rather than going through this operand-only constructor).
func JmpRel(target uint64) *Instruction {
	in := NewInstruction(iJmpRel, CategoryUncondJump, AbsoluteBranchOperand(target))
	return in
}

// JmpInd builds `JMP reg`.
func JmpInd(r Reg) *Instruction {
	return NewInstruction(iJmpInd, CategoryUncondJump, RegOperand(r, ActionRead))
}

// JmpMem builds `JMP [mem]` (spec.md §4.6: folded indirect jump through
// memory before it ever reaches the encoder in practice, kept for
// completeness and for edge-stub code that intentionally leaves one in
// place, e.g. `JMP [entry_target]`).
func JmpMem(mem Memory) *Instruction {
	op := MemOperand(mem, 64, ActionRead)
	return NewInstruction(iJmpMem, CategoryUncondJump, op)
}

// Jcc builds a conditional jump using the two-letter x86asm-style
// condition mnemonic (e.g. "JZ", "JNZ"), target resolved the same way as
// JmpRel.
func Jcc(cc string, target uint64) *Instruction {
	in := NewInstruction(iJccRel, CategoryCondJump, AbsoluteBranchOperand(target))
	in.IForm = cc
	return in
}

// CallRel builds a direct `CALL target`.
func CallRel(target uint64) *Instruction {
	return NewInstruction(iCallRel, CategoryCall, AbsoluteBranchOperand(target))
}

// CallInd builds `CALL reg`.
func CallInd(r Reg) *Instruction {
	return NewInstruction(iCallInd, CategoryCall, RegOperand(r, ActionRead))
}

// CallMem builds `CALL [mem]`.
func CallMem(mem Memory) *Instruction {
	op := MemOperand(mem, 64, ActionRead)
	return NewInstruction(iCallMem, CategoryCall, op)
}

// Ret builds a bare `RET`.
func Ret() *Instruction { return NewInstruction(iRet, CategoryReturn) }

// TestRR builds `TEST a, a` (used by slot.go's lossy RSP-arithmetic
// approximation, spec.md §4.7).
func TestRR(a Reg) *Instruction {
	return NewInstruction(iTestRR, CategoryOther, RegOperand(a, ActionRead), RegOperand(a, ActionRead))
}

// Nop builds a single-byte `NOP` (spec.md §4.7: "LEA of RSP that is a
// no-op becomes NOP").
func Nop() *Instruction { return NewInstruction(iNop, CategoryNop) }

// UD2 builds the trap instruction late_mangle.go appends after an
// indirect far-target rewrite (spec.md §4.6: "followed by UD2 to prevent
// speculative prefetch").
func UD2() *Instruction { return NewInstruction(iUD2, CategoryUD2) }

// PushFQ builds a bare `PUSHFQ`.
func PushFQ() *Instruction { return NewInstruction(iPushFQ, CategoryPushFlags) }

// PopFQ builds a bare `POPFQ`.
func PopFQ() *Instruction { return NewInstruction(iPopFQ, CategoryPopFlags) }

// XchgRR builds `XCHG a, b`, used by stack-switch prologues (spec.md
// §4.7: "or swaps RSP with a private stack (kernel mode)").
func XchgRR(a, b Reg) *Instruction {
	return NewInstruction(iXchgRR, CategoryOther, RegOperand(a, ActionRead|ActionWrite), RegOperand(b, ActionRead|ActionWrite))
}

// Cli builds a bare `CLI`, used by internal/context's kernel-mode
// trampoline prologues to mask interrupts across the private-stack swap
// (spec.md §4.10: "kernel-mode callbacks additionally... disable
// interrupts for the swap's duration").
func Cli() *Instruction { return NewInstruction(iCli, CategoryInterruptFlag) }

// Sti builds a bare `STI`, reversing Cli in the matching epilogue.
func Sti() *Instruction { return NewInstruction(iSti, CategoryInterruptFlag) }
