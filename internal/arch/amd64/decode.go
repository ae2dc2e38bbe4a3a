package amd64

import (
	"errors"
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// ErrUnsupportedInstruction is returned by Decode for a form the core does
// not (and per spec.md never will) translate: UD2, HLT, SWAPGS, SYSRET,
// and the transactional-memory family. It is not a failure of decoding
// itself — it signals the translator to terminate the trace at this
// instruction with a fall-through to a native block (spec.md §7: "Expected
// translation limits").
var ErrUnsupportedInstruction = errors.New("amd64: unsupported instruction terminates trace")

// Decode converts the bytes at pc (src[0] corresponds to address pc) into
// an Instruction, reading as many bytes as the underlying table-driven
// decoder consumes. It returns the address of the next instruction to
// decode, or 0 with a non-nil error if nothing more should be decoded from
// this point (spec.md §4.2: "Failure is signaled by returning a null
// next-PC").
//
// Grounded on golang.org/x/arch/x86/x86asm.Decode, the third-party decoder
// table spec.md §1 calls out as a hard dependency ("round-trips through a
// third-party decoder library"); x86asm.Decode is itself grounded the way
// the teacher's amd64 backend and _examples/other_examples's DisasmX86_64
// helper use it — "inst, err := x86asm.Decode(src, 64)" — except Granary's
// decode loop retries at shrinking lengths on a page-boundary truncation
// rather than giving up after one call.
func Decode(src []byte, pc uint64) (*Instruction, uint64, error) {
	for {
		raw, decErr := decodeWithPageRetry(src)
		if decErr != nil {
			return nil, 0, decErr
		}

		adv := raw.Len
		if adv == 0 {
			adv = 1
		}

		if isPlainNop(raw) {
			src, pc = src[adv:], pc+uint64(adv)
			if len(src) == 0 {
				return nil, pc, nil
			}
			continue
		}

		if isUnsupported(raw.Op) {
			return nil, 0, ErrUnsupportedInstruction
		}

		converted := convert(raw, pc)
		converted.RawBytes = append([]byte(nil), src[:raw.Len]...)
		converted.Reloc = relocOf(raw, pc)

		if converted.Category == CategoryCondJump {
			if target, ok := condJumpTarget(raw, pc); ok && target == pc+uint64(raw.Len) {
				// Jump-to-next: treated as a NOP (spec.md §4.2).
				src, pc = src[adv:], pc+uint64(adv)
				if len(src) == 0 {
					return nil, pc, nil
				}
				continue
			}
		}

		return converted, pc + uint64(raw.Len), nil
	}
}

// decodeWithPageRetry tolerates the final few bytes of a mapped page by
// retrying with shorter candidate lengths (spec.md §4.2: "retrying with
// shorter lengths (1 to 15) until a valid decode is found or all fail").
func decodeWithPageRetry(src []byte) (x86asm.Inst, error) {
	inst, err := x86asm.Decode(src, 64)
	if err == nil {
		return inst, nil
	}
	limit := len(src)
	if limit > 15 {
		limit = 15
	}
	for n := limit - 1; n >= 1; n-- {
		if n > len(src) {
			continue
		}
		if candidate, cerr := x86asm.Decode(src[:n], 64); cerr == nil {
			return candidate, nil
		}
	}
	return x86asm.Inst{}, fmt.Errorf("amd64: decode failed: %w", err)
}

func isPlainNop(inst x86asm.Inst) bool {
	switch inst.Op {
	case x86asm.NOP:
		return true
	default:
		return false
	}
}

func isUnsupported(op x86asm.Op) bool {
	switch op {
	case x86asm.UD2, x86asm.HLT, x86asm.SWAPGS, x86asm.SYSRET,
		x86asm.XBEGIN, x86asm.XEND, x86asm.XABORT, x86asm.XTEST:
		return true
	default:
		return false
	}
}

// relocOf locates the PC-relative field x86asm already found for us
// (PCRelOff/PCRel), if any, and records the absolute address it resolves
// to so a later re-commit (after mangling moves the instruction to a new
// EncodedPC) can recompute the displacement without re-deriving the whole
// opcode.
func relocOf(raw x86asm.Inst, pc uint64) *Reloc {
	if raw.PCRel == 0 {
		return nil
	}
	nextPC := pc + uint64(raw.Len)
	target, ok := condJumpTarget(raw, pc)
	if !ok {
		// A RIP-relative memory operand: LEA/MOV-with-RIP-base
		// instructions don't surface a Rel arg at all, so the absolute
		// target is the next PC plus the Mem arg's displacement (raw.PCRel
		// is only the byte width of that field).
		for _, a := range raw.Args {
			if a == nil {
				break
			}
			if m, isMem := a.(x86asm.Mem); isMem && m.Base == x86asm.RIP {
				target = uint64(int64(nextPC) + m.Disp)
			}
		}
	}
	kind := RelocBranchRel32
	if raw.PCRel == 1 {
		kind = RelocBranchRel8
	}
	if isMemRIPRelative(raw) {
		kind = RelocRIPDisp32
	}
	return &Reloc{Kind: kind, Offset: uint8(raw.PCRelOff), TargetAbs: target}
}

func isMemRIPRelative(raw x86asm.Inst) bool {
	for _, a := range raw.Args {
		if a == nil {
			break
		}
		if m, ok := a.(x86asm.Mem); ok && m.Base == x86asm.RIP {
			return true
		}
	}
	return false
}

func condJumpTarget(inst x86asm.Inst, pc uint64) (uint64, bool) {
	for _, a := range inst.Args {
		if a == nil {
			break
		}
		if rel, ok := a.(x86asm.Rel); ok {
			return uint64(int64(pc) + int64(inst.Len) + int64(rel)), true
		}
	}
	return 0, false
}

var condJumpOps = map[x86asm.Op]bool{
	x86asm.JA: true, x86asm.JAE: true, x86asm.JB: true, x86asm.JBE: true,
	x86asm.JE: true, x86asm.JNE: true, x86asm.JG: true, x86asm.JGE: true,
	x86asm.JL: true, x86asm.JLE: true, x86asm.JS: true, x86asm.JNS: true,
	x86asm.JO: true, x86asm.JNO: true, x86asm.JP: true, x86asm.JNP: true,
	x86asm.JCXZ: true, x86asm.JECXZ: true, x86asm.JRCXZ: true,
	x86asm.LOOP: true, x86asm.LOOPE: true, x86asm.LOOPNE: true,
}

// convert turns a successfully decoded x86asm.Inst into Granary's IR,
// applying the operand-classification rules of spec.md §4.2.
func convert(raw x86asm.Inst, pc uint64) *Instruction {
	cat := categoryOf(raw.Op)
	in := &Instruction{
		IClass:     raw.Op.String(),
		Category:   cat,
		DecodedPC:  pc,
		DecodedLen: uint8(raw.Len),
		EncodedLen: 0,
	}
	in.HasLOCK = hasPrefix(raw, x86asm.PrefixLOCK)
	in.HasREP = hasPrefix(raw, x86asm.PrefixREP)
	in.HasREPNE = hasPrefix(raw, x86asm.PrefixREPN)

	var widest uint16
	n := uint8(0)
	nextPC := pc + uint64(raw.Len)
	for _, a := range raw.Args {
		if a == nil {
			break
		}
		op, ok := convertArg(a, raw, nextPC)
		if !ok {
			continue
		}
		if op.WidthBits > widest {
			widest = op.WidthBits
		}
		if op.Kind == OperandRegister && op.Reg.IsStackPointer {
			if op.Action.IsRead() {
				in.ReadsStackPointer = true
			}
			if op.Action.IsWrite() {
				in.WritesStackPointer = true
			}
		}
		if op.Reg.IsLegacy {
			in.UsesLegacyRegs = true
		}
		in.Operands[n] = op
		n++
	}
	in.NumOperands = n
	in.EffectiveWidthBits = widest
	if cat == CategoryLEA {
		in.EffectiveWidthBits = 64
	}
	return in
}

func hasPrefix(inst x86asm.Inst, p x86asm.Prefix) bool {
	for _, pfx := range inst.Prefix {
		if pfx == 0 {
			break
		}
		if pfx&0xff == p {
			return true
		}
	}
	return false
}

func categoryOf(op x86asm.Op) Category {
	switch op {
	case x86asm.CALL:
		return CategoryCall
	case x86asm.JMP:
		return CategoryUncondJump
	case x86asm.RET:
		return CategoryReturn
	case x86asm.NOP:
		return CategoryNop
	case x86asm.PUSH:
		return CategoryPush
	case x86asm.POP:
		return CategoryPop
	case x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE:
		return CategoryLoop
	case x86asm.XLATB:
		return CategoryXlat
	case x86asm.ENTER:
		return CategoryEnter
	case x86asm.LEAVE:
		return CategoryLeave
	case x86asm.PUSHF, x86asm.PUSHFQ:
		return CategoryPushFlags
	case x86asm.POPF, x86asm.POPFQ:
		return CategoryPopFlags
	case x86asm.CLI, x86asm.STI:
		return CategoryInterruptFlag
	case x86asm.UD2:
		return CategoryUD2
	case x86asm.HLT:
		return CategoryHalt
	case x86asm.SWAPGS:
		return CategorySwapGS
	case x86asm.SYSRET:
		return CategorySysret
	case x86asm.XBEGIN, x86asm.XEND, x86asm.XABORT, x86asm.XTEST:
		return CategoryTransactional
	case x86asm.LEA:
		return CategoryLEA
	default:
		if condJumpOps[op] {
			return CategoryCondJump
		}
		return CategoryOther
	}
}

// convertArg converts one x86asm.Arg into a Granary Operand, classifying
// memory operands per spec.md §4.2: absolute address (no base, no index)
// becomes Pointer; base-or-index-only with zero displacement and scale 1
// becomes a simple register-indirect Memory; everything else stays
// Compound. A RIP-relative base becomes a Pointer holding the resolved
// absolute address.
func convertArg(a x86asm.Arg, raw x86asm.Inst, nextPC uint64) (Operand, bool) {
	switch v := a.(type) {
	case x86asm.Reg:
		return convertReg(v), true
	case x86asm.Imm:
		return ImmOperand(int64(v), uint16(raw.DataSize)), true
	case x86asm.Rel:
		return AbsoluteBranchOperand(uint64(int64(nextPC) + int64(v))), true
	case x86asm.Mem:
		return convertMem(v, raw, nextPC), true
	default:
		return Operand{}, false
	}
}

// regWidthBytes reports the GPR width implied by an x86asm.Reg constant,
// using the library's own naming ranges (AL..DIL are 1 byte, AX..DI are 2,
// EAX..EDI are 4, RAX..R15 are 8; R8B..R15B are 1, etc.). The library
// orders its 1-byte registers AL..BL, AH..BH, SPB..DIB, R8B..R15B, so the
// high-byte range is checked before the enclosing 1-byte range.
func regWidthBytes(r x86asm.Reg) (uint8, bool, bool) {
	switch {
	case r >= x86asm.AH && r <= x86asm.BH:
		return 1, true, true
	case r >= x86asm.AL && r <= x86asm.R15B:
		return 1, false, r >= x86asm.AL && r <= x86asm.BL
	case r >= x86asm.AX && r <= x86asm.R15W:
		return 2, false, false
	case r >= x86asm.EAX && r <= x86asm.R15L:
		return 4, false, false
	case r >= x86asm.RAX && r <= x86asm.R15:
		return 8, false, false
	default:
		return 0, false, false
	}
}

// gprEncoding maps an x86asm.Reg to the RAX..R15 encoding number amd64.Reg
// uses, or (0, false) if r is not a GPR.
func gprEncoding(r x86asm.Reg) (uint8, bool) {
	switch {
	case r >= x86asm.AL && r <= x86asm.BL:
		return uint8(r - x86asm.AL), true
	case r >= x86asm.AH && r <= x86asm.BH:
		return uint8(r - x86asm.AH), true
	case r >= x86asm.SPB && r <= x86asm.R15B:
		return uint8(r-x86asm.SPB) + 4, true
	case r >= x86asm.AX && r <= x86asm.R15W:
		return uint8(r - x86asm.AX), true
	case r >= x86asm.EAX && r <= x86asm.R15L:
		return uint8(r - x86asm.EAX), true
	case r >= x86asm.RAX && r <= x86asm.R15:
		return uint8(r - x86asm.RAX), true
	default:
		return 0, false
	}
}

func convertReg(r x86asm.Reg) Operand {
	if enc, ok := gprEncoding(r); ok {
		widthBytes, highByte, _ := regWidthBytes(r)
		g := GPR(enc, widthBytes, highByte)
		if enc == 4 /* RSP encoding */ && widthBytes == 8 {
			g.IsStackPointer = true
		}
		return RegOperand(g, ActionRead|ActionWrite)
	}
	// Segment/control/flag/vector register: unschedulable.
	return RegOperand(Unschedulable(uint8(r), false, 8), ActionRead)
}

func convertMem(m x86asm.Mem, raw x86asm.Inst, nextPC uint64) Operand {
	widthBits := uint16(raw.MemBytes) * 8
	action := memAction(raw)

	if m.Base == x86asm.RIP {
		abs := uint64(int64(nextPC) + m.Disp)
		return PointerOperand(abs, widthBits, action)
	}

	mem := Memory{Disp: int32(m.Disp)}
	if m.Base != 0 {
		mem.Base = regOf(m.Base)
	}
	if m.Index != 0 {
		mem.Index = regOf(m.Index)
		mem.Scale = m.Scale
	}

	if !mem.HasBase() && !mem.HasIndex() {
		ptr := PointerOperand(uint64(m.Disp), widthBits, action)
		ptr.Segment = segmentOf(m.Segment)
		return ptr
	}

	op := MemOperand(mem, widthBits, action)
	op.Segment = segmentOf(m.Segment)
	// Only a lone base, or a lone index with scale 1, and no displacement
	// is simple.
	op.IsCompound = mem.Disp != 0 || (mem.HasBase() && mem.HasIndex()) || mem.Scale > 1
	return op
}

func regOf(r x86asm.Reg) Reg {
	enc, ok := gprEncoding(r)
	if !ok {
		return Invalid
	}
	return GPR(enc, 8, false)
}

// segmentOf discards CS/DS/ES/SS and preserves FS/GS (spec.md §4.2).
func segmentOf(r x86asm.Reg) Segment {
	switch r {
	case x86asm.FS:
		return SegFS
	case x86asm.GS:
		return SegGS
	default:
		return SegNone
	}
}

// memAction approximates read/write from the instruction's general shape:
// the decoder table doesn't expose per-operand action directly, so this
// follows spec.md's own simplification boundary — mangling and encoding
// only need "does this memory operand need its address computed", not
// exact read/write classification, except where a specific mangler rule
// (early_mangle.go) cares, and those rules re-derive action from IClass
// directly rather than from this helper.
func memAction(raw x86asm.Inst) Action {
	switch raw.Op {
	case x86asm.LEA:
		return ActionRead // address-only; never dereferenced
	case x86asm.PUSH:
		return ActionRead
	case x86asm.POP:
		return ActionWrite
	default:
		return ActionRead | ActionWrite
	}
}
