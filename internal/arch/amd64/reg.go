// Package amd64 is the architecture-specific core of the translator: the
// virtual-register model, instruction IR, decoder/encoder, and the early
// and late mangling passes (spec.md §3, §4.1-§4.7). It is grounded on the
// teacher's backend/isa/amd64 package (same split between a register model,
// an instruction representation, and an encoder) but re-fielded end to end
// around Granary's VirtualRegister/Operand/Instruction data model rather
// than wazero's SSA lowering.
package amd64

import "fmt"

// RegKind discriminates the five VirtualRegister categories from spec.md §3.
type RegKind uint8

const (
	// RegInvalid corresponds to XED_REG_INVALID: a register operand that
	// decoded to nothing meaningful.
	RegInvalid RegKind = iota
	// RegUnschedulableArch is a native register the allocator may never
	// hand out: segment/control/flag registers and the vector register
	// files (MMX/XMM/YMM/ZMM). Decoded RSP is not of this kind: GPR builds
	// it as a RegArchGPR with IsStackPointer set, and internal/regalloc's
	// GPRSet never contains it.
	RegUnschedulableArch
	// RegArchGPR is one of the 16 GPRs (RSP included), already pinned to a
	// concrete architectural register (e.g. a sticky operand, or a
	// register that has been colored by internal/regalloc).
	RegArchGPR
	// RegTemporaryVirtual is a short-lived virtual introduced by a
	// mangling pass, drawn from that pass's small fixed pool (spec.md
	// §4.4: "4 per instruction").
	RegTemporaryVirtual
	// RegGenericVirtual is a longer-lived virtual register, the normal
	// case for anything the allocator assigns.
	RegGenericVirtual
)

// Byte-mask constants for the sub-register views of a 64-bit GPR, named
// the way original_source/arch/x86-64/register.cc names them.
const (
	MaskLowByte    byte = 0x01 // AL, CL, ... or, with REX, SPL/BPL/SIL/DIL
	MaskByte2      byte = 0x02 // AH, CH, DH, BH (legacy only, no REX)
	MaskLow2Bytes  byte = 0x03 // AX, CX, ...
	MaskLow4Bytes  byte = 0x0f // EAX, ECX, ... (a write zero-extends to 8 bytes)
	MaskAll8Bytes  byte = 0xff // RAX, RCX, ...
)

// Reg is a VirtualRegister (spec.md §3): a small value type carrying enough
// information to round-trip to and from a native x86-64 register encoding,
// track partial-write semantics, and participate in liveness analysis.
//
// Kept as a plain struct rather than internal/regalloc's packed VReg: this
// type layers byte-mask semantics on top of whatever identity
// internal/regalloc assigns, and the two concerns are deliberately kept
// separate (regalloc doesn't know about sub-register views; amd64 doesn't
// know how allocation picks winners).
type Reg struct {
	Kind   RegKind
	RegNum uint8 // identity within Kind: for ArchGPR/UnschedulableArch, a RealReg-numbered slot; for virtuals, a per-pass temporary index or an internal/regalloc VRegID truncated to 32 bits (see VRegID).

	// VRegID carries the full internal/regalloc identity for
	// TemporaryVirtual and GenericVirtual kinds; RegNum above is not wide
	// enough once spill slots and renaming accumulate many thousands of
	// virtuals across a large trace.
	VRegID uint32

	NumBytes           uint8
	ByteMask           byte
	PreservedByteMask  byte

	IsSticky       bool
	IsLegacy       bool
	IsScheduled    bool
	IsStackPointer bool
}

// Invalid is the zero-value-adjacent register used where a decode could not
// classify an operand.
var Invalid = Reg{Kind: RegInvalid}

// gprName8/16/32/64 mirror regalloc.RealReg's RAX..R15 ordering, used both
// to build a Reg from a RealReg and to print one.
var (
	gprName8Low  = [...]string{"al", "cl", "dl", "bl", "spl", "bpl", "sil", "dil", "r8b", "r9b", "r10b", "r11b", "r12b", "r13b", "r14b", "r15b"}
	gprName8High = [...]string{"ah", "ch", "dh", "bh"} // only RAX..RBX have a legacy high-byte view
	gprName16    = [...]string{"ax", "cx", "dx", "bx", "sp", "bp", "si", "di", "r8w", "r9w", "r10w", "r11w", "r12w", "r13w", "r14w", "r15w"}
	gprName32    = [...]string{"eax", "ecx", "edx", "ebx", "esp", "ebp", "esi", "edi", "r8d", "r9d", "r10d", "r11d", "r12d", "r13d", "r14d", "r15d"}
	gprName64    = [...]string{"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi", "r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15"}
)

// GPR builds an ArchGPR view of realReg with the given width in bytes
// (1, 2, 4, or 8) and, for 1-byte views of RAX-RBX, whether it is the
// legacy high-byte half (AH/BH/CH/DH) rather than the low byte.
//
// Grounded on spec.md §4.1: "EAX → low 4 bytes, preserves none because
// 32-bit writes zero-extend"; "AH → byte 2, preserves bytes 0 and 3..7".
func GPR(realReg uint8, widthBytes uint8, highByte bool) Reg {
	r := Reg{Kind: RegArchGPR, RegNum: realReg, IsScheduled: true}
	r.IsStackPointer = realReg == 4 // RSP's RealReg encoding
	switch widthBytes {
	case 1:
		if highByte {
			r.NumBytes, r.ByteMask, r.PreservedByteMask = 1, MaskByte2, 0xf9 // bytes 0 and 3..7
			r.IsLegacy = true
		} else {
			r.NumBytes, r.ByteMask, r.PreservedByteMask = 1, MaskLowByte, 0xfe
		}
	case 2:
		r.NumBytes, r.ByteMask, r.PreservedByteMask = 2, MaskLow2Bytes, 0xfc
	case 4:
		// 32-bit GPR writes zero-extend to 64 bits: nothing is preserved.
		r.NumBytes, r.ByteMask, r.PreservedByteMask = 4, MaskLow4Bytes, 0x00
	case 8:
		r.NumBytes, r.ByteMask, r.PreservedByteMask = 8, MaskAll8Bytes, 0x00
	default:
		panic(fmt.Sprintf("amd64: invalid GPR width %d", widthBytes))
	}
	return r
}

// Unschedulable builds an UnschedulableArch register: RSP, a segment,
// control, flags, or vector register. num is an architecture-private
// index; amd64 callers only need reference equality and String(), never
// arithmetic on it.
func Unschedulable(num uint8, isStackPointer bool, bytes uint8) Reg {
	return Reg{Kind: RegUnschedulableArch, RegNum: num, NumBytes: bytes, ByteMask: fullMask(bytes), IsStackPointer: isStackPointer}
}

func fullMask(bytes uint8) byte {
	if bytes >= 8 {
		return 0xff
	}
	return byte(1<<bytes) - 1
}

// NumBytesFromMask recovers width from a byte mask (spec.md §3 invariant:
// num_bytes == popcount(byte_mask)), used by callers that only hold a mask.
func NumBytesFromMask(mask byte) uint8 {
	n := uint8(0)
	for mask != 0 {
		n += mask & 1
		mask >>= 1
	}
	return n
}

// IsReadModifyWrite reports whether a write to r must first read the
// enclosing register, per spec.md §4.1: "A write is semantically a
// read-modify-write iff preserved_byte_mask != 0 or a write bitmask of
// less than the full register is observed."
func (r Reg) IsReadModifyWrite(writeMask byte) bool {
	return r.PreservedByteMask != 0 || writeMask != MaskAll8Bytes
}

// String implements fmt.Stringer, used by test failure messages.
func (r Reg) String() string {
	switch r.Kind {
	case RegInvalid:
		return "<invalid>"
	case RegTemporaryVirtual:
		return fmt.Sprintf("t%d", r.VRegID)
	case RegGenericVirtual:
		return fmt.Sprintf("v%d", r.VRegID)
	case RegUnschedulableArch:
		if r.IsStackPointer {
			return "rsp"
		}
		return fmt.Sprintf("arch%d", r.RegNum)
	case RegArchGPR:
		n := int(r.RegNum)
		if n < 0 || n >= len(gprName64) {
			return "<bad-gpr>"
		}
		switch r.ByteMask {
		case MaskLowByte:
			return gprName8Low[n]
		case MaskByte2:
			if n < len(gprName8High) {
				return gprName8High[n]
			}
			return "<bad-gpr8h>"
		case MaskLow2Bytes:
			return gprName16[n]
		case MaskLow4Bytes:
			return gprName32[n]
		default:
			return gprName64[n]
		}
	default:
		return "<bad-reg>"
	}
}

// SpillSlotBase marks a Memory operand's Base as an unresolved spill-slot
// reference (spec.md §4.7): internal/regalloc's StoreRegisterBefore/
// ReloadRegisterBefore callbacks insert a Memory operand based on this
// sentinel with Disp set to the raw internal/regalloc.SpillSlots slot
// number, to be rewritten into a concrete RSP- or segment-relative operand
// by SlotRewriter.Resolve once partitions are known.
var SpillSlotBase = Reg{Kind: RegUnschedulableArch, RegNum: 0xfe}

// Virtual creates a GenericVirtual or TemporaryVirtual register view with
// the given width; id is an internal/regalloc VRegID.
func Virtual(kind RegKind, id uint32, widthBytes uint8) Reg {
	if kind != RegTemporaryVirtual && kind != RegGenericVirtual {
		panic("amd64: Virtual requires a virtual RegKind")
	}
	return Reg{Kind: kind, VRegID: id, NumBytes: widthBytes, ByteMask: fullMask(widthBytes)}
}

// WithRealReg returns a copy of a virtual register rewritten to the given
// architectural GPR slot once internal/regalloc has colored it, preserving
// the original width/byte-mask view.
func (r Reg) WithRealReg(realReg uint8) Reg {
	out := r
	out.Kind = RegArchGPR
	out.RegNum = realReg
	out.IsScheduled = true
	return out
}
