package amd64

import "fmt"

// MaxOperands bounds the Instruction operand array (spec.md §3: "up to 11
// operands"), sized for the worst case in the x86-64 ISA (e.g. an AVX-512
// masked FMA form with an embedded broadcast), even though Granary's
// covered subset rarely uses more than 4.
const MaxOperands = 11

// Category coarsely classifies an Instruction for the mangling passes,
// grounded on xed's iclass/category split that original_source switches
// on throughout arch/x86-64/early_mangle.cc and late_mangle.cc.
type Category uint8

const (
	CategoryOther Category = iota
	CategoryCall
	CategoryUncondJump
	CategoryCondJump
	CategoryReturn
	CategoryNop
	CategoryWideNop
	CategoryPush
	CategoryPop
	CategoryLoop
	CategoryXlat
	CategoryEnter
	CategoryLeave
	CategoryPushFlags
	CategoryPopFlags
	CategoryInterruptFlag // CLI/STI
	CategoryUD2
	CategoryHalt
	CategorySwapGS
	CategorySysret
	CategoryTransactional // XBEGIN/XEND/XABORT/XTEST
	CategoryLEA
	CategoryAnnotation // zero-size pseudo-instruction; see AnnotationKind
)

// AnnotationKind distinguishes the IR's pseudo-instruction variants
// (spec.md §9: "annotated instructions as labels... stack-validity
// markers, encoded-address writebacks, SSA save/restore hints"). These
// never reach the encoder's byte-emitting path.
type AnnotationKind uint8

const (
	AnnotationNone AnnotationKind = iota
	AnnotationLabel
	AnnotationStackValid
	AnnotationStackInvalid
	AnnotationUpdateEncodedAddress
	AnnotationSaveRestoreHint
)

// RelocKind distinguishes the two PC-relative forms RawBytes re-encoding
// must patch (spec.md §4.3).
type RelocKind uint8

const (
	RelocBranchRel8 RelocKind = iota
	RelocBranchRel32
	RelocRIPDisp32
)

// Reloc locates a little-endian displacement field within an
// Instruction's RawBytes/synthesized encoding that must be recomputed at
// commit time because it depends on EncodedPC.
type Reloc struct {
	Kind RelocKind
	// Offset is the byte offset of the displacement field within the
	// instruction's encoded bytes.
	Offset uint8
	// TargetAbs is the absolute address the relocated field must resolve
	// to once the displacement is added back: a branch target, or (for a
	// RIP-relative memory operand) the absolute address the pointer
	// operand names.
	TargetAbs uint64
}

// Instruction is the mutable IR node described in spec.md §3. It is
// intentionally a flat struct with an inline operand array, not a slice of
// boxed operand interfaces, mirroring the teacher's backend/isa/amd64
// instruction encoding (a single struct with a kind tag plus payload
// fields) rather than an AST of node types.
type Instruction struct {
	IClass   string // mnemonic-ish identity, e.g. "MOV", "JMP" — stands in for xed's iclass enum
	IForm    string // refined form, e.g. "MOV_GPR64_MEMv" — distinguishes encodings sharing an IClass
	Category Category

	Operands    [MaxOperands]Operand
	NumOperands uint8

	// EffectiveWidthBits is the instruction's overall operand width used
	// to pick the right opcode/REX.W combination (spec.md §4.3: "defaults
	// to 64 for LEA/BND family... and to the widest operand width seen
	// otherwise").
	EffectiveWidthBits uint16

	// DecodedPC / EncodedPC: spec.md §3 "decoded/encoded PC and lengths".
	DecodedPC  uint64
	DecodedLen uint8
	EncodedPC  uint64
	EncodedLen uint8

	// RawBytes holds the original decoded bytes for an instruction that
	// no mangling pass touched, letting the encoder skip re-synthesis
	// entirely except for the PC-relative fields every instruction form
	// listed in Reloc describes. Synthesized instructions (mangler
	// output, builder.go helpers) leave this nil and are encoded
	// field-by-field in encode.go.
	RawBytes []byte
	// Reloc, if non-nil, locates the one PC-relative field RawBytes
	// contains (a branch displacement or a RIP-relative disp32) so
	// encode.go can patch it without re-deriving the rest of the opcode.
	Reloc *Reloc

	// Prefixes.
	HasREP  bool
	HasREPNE bool
	HasLOCK bool

	ReadsStackPointer  bool
	WritesStackPointer bool

	stackUsageAnalyzed bool
	stackUsageValid    bool

	Atomic          bool
	SaveRestore     bool
	Sticky          bool
	StackBlind      bool
	DontEncode      bool
	TailCall        bool
	UsesLegacyRegs  bool

	Annotation AnnotationKind
	// Label is this instruction's own label identity when Annotation ==
	// AnnotationLabel; a branch Operand's Branch.Label points at one.
	Label int

	// EncodedAddressTarget is the out-pointer written by an
	// AnnotationUpdateEncodedAddress pseudo-instruction (spec.md §4.11
	// step 6: "write their surrounding code's address back into an
	// external pointer").
	EncodedAddressTarget *uint64
}

// NewInstruction creates an Instruction with the given mnemonic identity
// and operands, computing EffectiveWidthBits as the widest operand seen
// (spec.md §4.3 default rule; callers needing the LEA/BND-family override
// set EffectiveWidthBits explicitly afterward).
func NewInstruction(iclass string, cat Category, operands ...Operand) *Instruction {
	if len(operands) > MaxOperands {
		panic(fmt.Sprintf("amd64: %d operands exceeds MaxOperands", len(operands)))
	}
	in := &Instruction{IClass: iclass, Category: cat, NumOperands: uint8(len(operands))}
	var widest uint16
	for i, op := range operands {
		in.Operands[i] = op
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
	}
	in.EffectiveWidthBits = widest
	return in
}

// Ops returns the live operand slice (Operands[:NumOperands]).
func (in *Instruction) Ops() []Operand { return in.Operands[:in.NumOperands] }

// SetOperand mutates operand i and invalidates the cached stack-usage
// analysis (spec.md §3: "Cached analyzed_stack_usage is invalidated on any
// operand mutation").
func (in *Instruction) SetOperand(i int, op Operand) {
	in.Operands[i] = op
	in.stackUsageAnalyzed = false
}

// AppendOperand appends a new trailing operand, used by mangling passes
// that grow an instruction's operand list (spec.md §4.4 PUSHF/PUSHFQ:
// "insert a virtual-register operand").
func (in *Instruction) AppendOperand(op Operand) {
	if in.NumOperands >= MaxOperands {
		panic("amd64: operand list full")
	}
	in.Operands[in.NumOperands] = op
	in.NumOperands++
	in.stackUsageAnalyzed = false
}

// StackUsage reports whether this instruction touches the stack pointer,
// memoizing the result until the next mutation.
func (in *Instruction) StackUsage() bool {
	if !in.stackUsageAnalyzed {
		in.stackUsageValid = in.ReadsStackPointer || in.WritesStackPointer
		in.stackUsageAnalyzed = true
	}
	return in.stackUsageValid
}

// IsZeroSize reports whether this is an annotation pseudo-instruction that
// contributes no encoded bytes (spec.md §9).
func (in *Instruction) IsZeroSize() bool { return in.Annotation != AnnotationNone }

// IsControlFlow reports whether this instruction ends a block in the
// trace-construction sense (spec.md §4.5).
func (in *Instruction) IsControlFlow() bool {
	switch in.Category {
	case CategoryCall, CategoryUncondJump, CategoryCondJump, CategoryReturn, CategoryLoop:
		return true
	default:
		return false
	}
}

// RegAccesses flattens every operand's register touches, feeding
// internal/regalloc via the adapter in internal/trace.
func (in *Instruction) RegAccesses() []RegVisit {
	var out []RegVisit
	for _, op := range in.Ops() {
		out = op.RegAccesses(out)
	}
	return out
}

// NewLabel creates a zero-size annotation instruction naming a label,
// grounded on spec.md §9 ("implement as IR variants whose encoded size is
// zero").
func NewLabel(id int) *Instruction {
	return &Instruction{IClass: "LABEL", Category: CategoryAnnotation, Annotation: AnnotationLabel, Label: id}
}

// NewStackValidityAnnotation marks the stack as valid or invalid from this
// point in the block (spec.md §4.4: "emit an annotation marking the stack
// as invalid for the duration").
func NewStackValidityAnnotation(valid bool) *Instruction {
	kind := AnnotationStackInvalid
	if valid {
		kind = AnnotationStackValid
	}
	return &Instruction{IClass: "STACK_VALIDITY", Category: CategoryAnnotation, Annotation: kind}
}

// NewUpdateEncodedAddressAnnotation writes the address of the next
// non-annotation instruction's encoded position into target once known
// (spec.md §4.11 step 6).
func NewUpdateEncodedAddressAnnotation(target *uint64) *Instruction {
	return &Instruction{IClass: "UPDATE_ENCODED_ADDRESS", Category: CategoryAnnotation, Annotation: AnnotationUpdateEncodedAddress, EncodedAddressTarget: target}
}
