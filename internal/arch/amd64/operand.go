package amd64

// OperandKind discriminates the Operand tagged union (spec.md §3, §9
// "Tagged operands"). Grounded on the teacher's amode/Operand split in
// backend/isa/amd64/operands.go, generalized from "addressing mode for a
// lowered SSA value" to the full decoded-instruction operand union Granary
// needs.
type OperandKind uint8

const (
	OperandRegister OperandKind = iota
	OperandImmediate
	OperandMemory  // compound or simple: base/index/scale/disp
	OperandPointer // absolute 64-bit address
	OperandBranchTarget
)

// Action is the read/write/conditional bitset carried alongside every
// Operand (spec.md §3).
type Action uint8

const (
	ActionRead Action = 1 << iota
	ActionWrite
	ActionCondRead
	ActionCondWrite
)

func (a Action) Has(f Action) bool { return a&f != 0 }

// IsWrite reports whether this operand is written at all, unconditionally
// or not.
func (a Action) IsWrite() bool { return a.Has(ActionWrite) || a.Has(ActionCondWrite) }

// IsRead reports whether this operand is read at all, unconditionally or
// not.
func (a Action) IsRead() bool { return a.Has(ActionRead) || a.Has(ActionCondRead) }

// IsUnconditionalWrite reports a plain ActionWrite with no conditional
// counterpart: the only case internal/regalloc's LiveRegisterSet treats as
// "kills" rather than "revives" (spec.md §4.1).
func (a Action) IsUnconditionalWrite() bool { return a.Has(ActionWrite) && !a.Has(ActionCondWrite) }

// Segment names the segment override prefix, if any, that applies to a
// Memory or Pointer operand. Decoding discards CS/DS/ES/SS (spec.md §4.2);
// only these two survive to the IR.
type Segment uint8

const (
	SegNone Segment = iota
	SegFS
	SegGS
)

// Memory is the compound-addressing payload of an OperandMemory operand:
// [base + index*scale + disp32].
type Memory struct {
	Base  Reg // may be the zero Reg if absent
	Index Reg // may be the zero Reg if absent
	Scale uint8
	Disp  int32
}

// HasBase reports whether Base names a real register (as opposed to the
// zero value left by a decode with no base).
func (m Memory) HasBase() bool { return m.Base.Kind != RegInvalid }

// HasIndex reports whether Index names a real register.
func (m Memory) HasIndex() bool { return m.Index.Kind != RegInvalid }

// BranchTarget is the payload of an OperandBranchTarget operand: either an
// unresolved annotation label (spec.md §9 "annotated instructions as
// labels") or a resolved absolute address.
type BranchTarget struct {
	Label    int  // index into the owning Instruction list's label table; 0 means unused
	IsLabel  bool
	Absolute uint64
}

// Operand is the tagged union described in spec.md §3 / §9. Kept as a flat
// struct (rather than an interface) so instructions can hold up to 11 of
// them inline without per-operand heap allocation, mirroring the teacher's
// preference for value-typed operand slots over boxed interfaces in the
// hot instruction-lowering path.
type Operand struct {
	Kind   OperandKind
	Action Action

	WidthBits uint16
	Segment   Segment

	IsSticky            bool // unscheduleable: the allocator must not reassign
	IsExplicit          bool
	IsCompound          bool // compound memory (base+index*scale+disp) vs. simple [reg]
	IsEffectiveAddress  bool // LEA-like: computed, never dereferenced
	IsAnnotationInstr   bool // branch target naming a label, not an address
	IsDefinition        bool // force-treat a write as a definition regardless of byte mask

	Reg     Reg
	Imm     int64
	Mem     Memory
	Pointer uint64
	Branch  BranchTarget
}

// RegOperand builds a register operand with the given action.
func RegOperand(r Reg, action Action) Operand {
	return Operand{Kind: OperandRegister, Action: action, WidthBits: uint16(r.NumBytes) * 8, Reg: r, IsExplicit: true, IsSticky: r.IsSticky}
}

// ImmOperand builds an immediate operand (always read-only).
func ImmOperand(v int64, widthBits uint16) Operand {
	return Operand{Kind: OperandImmediate, Action: ActionRead, WidthBits: widthBits, Imm: v, IsExplicit: true}
}

// MemOperand builds a compound or simple memory operand.
func MemOperand(m Memory, widthBits uint16, action Action) Operand {
	return Operand{
		Kind: OperandMemory, Action: action, WidthBits: widthBits, Mem: m,
		IsExplicit: true, IsCompound: m.HasBase() && m.HasIndex(),
	}
}

// PointerOperand builds an absolute-address operand (spec.md §4.2: "hard
// coded absolute address, no base, no index").
func PointerOperand(addr uint64, widthBits uint16, action Action) Operand {
	return Operand{Kind: OperandPointer, Action: action, WidthBits: widthBits, Pointer: addr, IsExplicit: true}
}

// LabelBranchOperand builds a branch-target operand referring to an
// as-yet-unresolved annotation label.
func LabelBranchOperand(label int) Operand {
	return Operand{Kind: OperandBranchTarget, Action: ActionRead, IsAnnotationInstr: true, Branch: BranchTarget{Label: label, IsLabel: true}}
}

// AbsoluteBranchOperand builds a branch-target operand with a resolved
// absolute address.
func AbsoluteBranchOperand(addr uint64) Operand {
	return Operand{Kind: OperandBranchTarget, Action: ActionRead, Branch: BranchTarget{Absolute: addr}}
}

// RegAccesses appends the RealReg-level accesses this operand makes to out,
// feeding internal/regalloc's UsedRegisterSet/LiveRegisterSet (spec.md
// §4.1: "Visit(instr) accumulates the registers named by every operand.
// compound memory base and index included").
func (op Operand) RegAccesses(out []RegVisit) []RegVisit {
	switch op.Kind {
	case OperandRegister:
		if op.Reg.Kind == RegArchGPR {
			out = append(out, RegVisit{
				Reg:            op.Reg.RegNum,
				Write:          op.Action.IsWrite(),
				FullWrite:      op.Action.IsUnconditionalWrite() && !op.Reg.IsReadModifyWrite(op.Reg.ByteMask),
				LegacyHighByte: op.Reg.ByteMask == MaskByte2,
			})
		}
	case OperandMemory:
		if op.Mem.HasBase() && op.Mem.Base.Kind == RegArchGPR {
			out = append(out, RegVisit{Reg: op.Mem.Base.RegNum})
		}
		if op.Mem.HasIndex() && op.Mem.Index.Kind == RegArchGPR {
			out = append(out, RegVisit{Reg: op.Mem.Index.RegNum})
		}
	}
	return out
}

// RegVisit is the architecture-neutral shape internal/regalloc.RegAccess
// is built from; kept separate so this package does not import
// internal/regalloc (avoiding an import cycle, since internal/regalloc's
// tests use fakes rather than this package).
type RegVisit struct {
	Reg            uint8
	Write          bool
	FullWrite      bool
	LegacyHighByte bool
}
