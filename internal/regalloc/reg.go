// Package regalloc implements the register-allocator and spill-slot layer
// that sits between early mangling and late mangling (spec.md §4.1, §4.7).
// It is deliberately architecture-agnostic about *values* (it only ever
// assigns one of the 15 schedulable x86-64 GPRs) so that the byte-mask
// semantics of a particular VirtualRegister view stay in internal/arch/amd64.
package regalloc

import "fmt"

// RealReg identifies one of the 16 architectural GPRs by its encoding
// number (RAX=0 .. R15=15), matching the numbering original_source's
// register.cc uses for REX.B/REX.R/ModRM.reg extension.
type RealReg byte

const (
	RAX RealReg = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15

	RealRegInvalid RealReg = 0xff
)

var realRegNames = [...]string{
	RAX: "rax", RCX: "rcx", RDX: "rdx", RBX: "rbx",
	RSP: "rsp", RBP: "rbp", RSI: "rsi", RDI: "rdi",
	R8: "r8", R9: "r9", R10: "r10", R11: "r11",
	R12: "r12", R13: "r13", R14: "r14", R15: "r15",
}

// String implements fmt.Stringer.
func (r RealReg) String() string {
	if r == RealRegInvalid || int(r) >= len(realRegNames) {
		return "invalid"
	}
	return realRegNames[r]
}

// VRegID is the identifier portion of a VReg, independent of any RealReg
// that may have been assigned to it.
type VRegID uint32

const vRegIDInvalid VRegID = 1<<32 - 1

// VReg is a virtual register: an allocator-visible handle that is either
// still abstract (not yet colored) or has been assigned a RealReg.
//
// Bit layout, grounded on the teacher's VReg packing
// (backend/regalloc/reg.go): the low 32 bits hold the ID, the next byte
// holds the assigned RealReg (RealRegInvalid while unassigned).
type VReg uint64

const vRegRealRegShift = 32

// FromID creates an unassigned VReg for the given identifier.
func FromID(id VRegID) VReg {
	return VReg(id) | VReg(RealRegInvalid)<<vRegRealRegShift
}

// FromRealReg creates a VReg that is permanently pre-colored to r, used for
// sticky/architectural operands that the allocator must never reassign.
func FromRealReg(r RealReg) VReg {
	return VReg(vRegIDInvalid) | VReg(r)<<vRegRealRegShift
}

// ID returns the identifier of this VReg.
func (v VReg) ID() VRegID { return VRegID(v) }

// RealReg returns the architectural register assigned to this VReg, or
// RealRegInvalid if it has not been colored yet.
func (v VReg) RealReg() RealReg { return RealReg(v >> vRegRealRegShift) }

// IsRealReg reports whether this VReg has been colored.
func (v VReg) IsRealReg() bool { return v.RealReg() != RealRegInvalid }

// SetRealReg returns a copy of v colored to r.
func (v VReg) SetRealReg(r RealReg) VReg {
	return VReg(VRegID(v)) | VReg(r)<<vRegRealRegShift
}

// Valid reports whether v names an identified register (real or virtual).
func (v VReg) Valid() bool { return v.ID() != vRegIDInvalid || v.IsRealReg() }

// String implements fmt.Stringer.
func (v VReg) String() string {
	if v.IsRealReg() {
		return v.RealReg().String()
	}
	return fmt.Sprintf("v%d", v.ID())
}

// NumSchedulableGPRs is the size of the bitset spec.md §4.1 describes:
// the 15 schedulable GPRs, i.e. all GPRs except RSP.
const NumSchedulableGPRs = 15

// scheduleIndex maps a RealReg to its bit position in a GPRSet. RSP has no
// valid index; callers must never ask for it (it is always
// UnschedulableArch per spec.md §4.1).
func scheduleIndex(r RealReg) uint {
	if r < RSP {
		return uint(r)
	}
	return uint(r) - 1
}

func unscheduleIndex(i uint) RealReg {
	if i < uint(RSP) {
		return RealReg(i)
	}
	return RealReg(i + 1)
}
