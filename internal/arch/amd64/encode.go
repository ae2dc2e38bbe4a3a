package amd64

import (
	"encoding/binary"
	"fmt"
)

// ErrDisplacementTooNarrow is a hard failure during commit (never during
// stage) when a branch's requested displacement width doesn't fit the
// target after mangling has run (spec.md §4.3: "Mismatch between requested
// and fitting width is a hard failure during commit").
type ErrDisplacementTooNarrow struct {
	IClass string
	Target uint64
	Width  int
}

func (e *ErrDisplacementTooNarrow) Error() string {
	return fmt.Sprintf("amd64: %s displacement to %#x does not fit %d bits at commit", e.IClass, e.Target, e.Width)
}

// reachMargin is the slack spec.md §4.3/§4.6 builds into the 2^31 reach
// check ("within ±2^31 - 1024"), leaving room for the handful of extra
// bytes a late mangling rewrite might still add after the check runs.
const reachMargin = 1024

const maxRel32 = int64(1)<<31 - reachMargin

// fitsRel32 reports whether target is reachable from a site whose
// instruction ends at siteEnd via a 32-bit PC-relative displacement,
// leaving spec.md's margin.
func fitsRel32(siteEnd, target uint64) bool {
	diff := int64(target) - int64(siteEnd)
	return diff <= maxRel32 && diff >= -maxRel32
}

// buf is a minimal byte-emitting sink, grounded on the teacher's
// backend.Compiler interface (EmitByte/Emit4Bytes/...), generalized with
// a stage mode that only counts bytes.
type buf struct {
	out     []byte
	staging bool
	n       int
}

func (b *buf) EmitByte(v byte) {
	if b.staging {
		b.n++
		return
	}
	b.out = append(b.out, v)
}

func (b *buf) Emit2Bytes(v uint16) {
	if b.staging {
		b.n += 2
		return
	}
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	b.out = append(b.out, tmp[:]...)
}

func (b *buf) Emit4Bytes(v uint32) {
	if b.staging {
		b.n += 4
		return
	}
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	b.out = append(b.out, tmp[:]...)
}

func (b *buf) Emit8Bytes(v uint64) {
	if b.staging {
		b.n += 8
		return
	}
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	b.out = append(b.out, tmp[:]...)
}

// --- REX/ModRM/SIB helpers, grounded on the teacher's
// backend/isa/amd64/instr_encoding.go (encodeModRM, encodeSIB, rexInfo,
// regEnc) and re-fielded around amd64.Reg instead of the teacher's
// VReg-colored amode/regEnc pair. ---

const (
	rexDefault byte = 0x40
	rexW       byte = 0x08
	rexR       byte = 0x04
	rexX       byte = 0x02
	rexB       byte = 0x01
)

func encodeModRM(mod, reg, rm byte) byte { return mod<<6 | reg<<3 | rm }
func encodeSIB(scale, index, base byte) byte { return scale<<6 | index<<3 | base }

// regEncoding returns the low 3 bits used in ModRM/opcode and the REX
// extension bit (bit 3 of the 4-bit GPR encoding).
func regEncoding(r Reg) (enc byte, rexBit byte) {
	n := r.RegNum & 0x0f
	return n & 0x7, n >> 3
}

// emitREX writes a REX prefix iff one of w/r/x/b is set or any referenced
// register is R8-R15 (rexBit==1), or forceEmit is true (SPL/BPL/SIL/DIL
// need a REX byte purely to select the non-legacy 1-byte encoding).
func emitREX(b *buf, w bool, r, x, base_ byte, forceEmit bool) {
	var rex byte = rexDefault
	if w {
		rex |= rexW
	}
	rex |= r << 2 & rexR
	rex |= x << 1 & rexX
	rex |= base_ & rexB
	if rex != rexDefault || forceEmit {
		b.EmitByte(rex)
	}
}

func scaleBits(scale uint8) byte {
	switch scale {
	case 1:
		return 0
	case 2:
		return 1
	case 4:
		return 2
	case 8:
		return 3
	default:
		return 0
	}
}

func fitsInt8(v int32) bool { return v >= -128 && v <= 127 }

// emitModRMMem encodes the ModRM(+SIB)(+disp) bytes addressing m, with reg
// as the accompanying register/opcode-extension field. Mirrors
// encodeRegMem's three cases (plain base, base+index*scale, RIP-relative)
// from the teacher, generalized to amd64.Memory.
func emitModRMMem(b *buf, reg byte, m Memory) {
	const ripRelativeRM = 0b101
	const sibRM = 0b100

	if !m.HasBase() && !m.HasIndex() {
		// Absolute operands must already have been mangled into a
		// register-relative form by early_mangle.go / late_mangle.go;
		// reaching here means the caller built an operand directly.
		panic("amd64: encodeModRMMem requires a base or index")
	}

	if m.HasBase() && !m.HasIndex() {
		baseEnc, _ := regEncoding(m.Base)
		immZero := m.Disp == 0
		baseIsBPFamily := baseEnc == 0b101 // RBP/R13 can't use mod=00 (means RIP-relative/disp32-only)
		needSIB := baseEnc == sibRM        // RSP/R12 need a SIB byte even with no index

		switch {
		case immZero && !baseIsBPFamily:
			b.EmitByte(encodeModRM(0b00, reg, baseEnc))
			if needSIB {
				b.EmitByte(encodeSIB(0, 0b100, baseEnc))
			}
		case fitsInt8(m.Disp):
			b.EmitByte(encodeModRM(0b01, reg, baseEnc))
			if needSIB {
				b.EmitByte(encodeSIB(0, 0b100, baseEnc))
			}
			b.EmitByte(byte(int8(m.Disp)))
		default:
			b.EmitByte(encodeModRM(0b10, reg, baseEnc))
			if needSIB {
				b.EmitByte(encodeSIB(0, 0b100, baseEnc))
			}
			b.Emit4Bytes(uint32(m.Disp))
		}
		return
	}

	if m.HasIndex() {
		indexEnc, _ := regEncoding(m.Index)
		var baseEnc byte
		baseIsBPFamily := false
		if m.HasBase() {
			baseEnc, _ = regEncoding(m.Base)
			baseIsBPFamily = baseEnc == 0b101
		} else {
			baseEnc = 0b101 // disp32-only base field when no base register
		}
		scale := scaleBits(m.Scale)

		switch {
		case m.Disp == 0 && m.HasBase() && !baseIsBPFamily:
			b.EmitByte(encodeModRM(0b00, reg, sibRM))
			b.EmitByte(encodeSIB(scale, indexEnc, baseEnc))
		case m.HasBase() && fitsInt8(m.Disp):
			b.EmitByte(encodeModRM(0b01, reg, sibRM))
			b.EmitByte(encodeSIB(scale, indexEnc, baseEnc))
			b.EmitByte(byte(int8(m.Disp)))
		case m.HasBase():
			b.EmitByte(encodeModRM(0b10, reg, sibRM))
			b.EmitByte(encodeSIB(scale, indexEnc, baseEnc))
			b.Emit4Bytes(uint32(m.Disp))
		default:
			b.EmitByte(encodeModRM(0b00, reg, sibRM))
			b.EmitByte(encodeSIB(scale, indexEnc, 0b101))
			b.Emit4Bytes(uint32(m.Disp))
		}
		return
	}

	_ = ripRelativeRM
}

// emitRIPRelative encodes `ModRM(mod=00, rm=101) disp32`, the "[RIP +
// disp32]" addressing form (spec.md §4.3: "rewrite as RIP-relative").
func emitRIPRelative(b *buf, reg byte, disp int32) {
	b.EmitByte(encodeModRM(0b00, reg, 0b101))
	b.Emit4Bytes(uint32(disp))
}

// --- Stage / commit driver. ---

// Encoder runs the two-pass encode described in spec.md §4.3 over a
// straight-line sequence of instructions (one block's worth).
type Encoder struct {
	// BaseAddr is the cache address the first instruction's EncodedPC
	// will be set to; successive instructions follow directly after the
	// previous one's encoded length.
	BaseAddr uint64
}

// Stage computes EncodedPC/EncodedLen for every instruction, without
// writing any bytes. Annotation pseudo-instructions get EncodedPC equal to
// the following real instruction's and EncodedLen 0 (spec.md §9).
func (e *Encoder) Stage(instrs []*Instruction) (totalLen uint32, err error) {
	pc := e.BaseAddr
	for _, in := range instrs {
		in.EncodedPC = pc
		if in.IsZeroSize() {
			in.EncodedLen = 0
			continue
		}
		n, stageErr := stageLength(in)
		if stageErr != nil {
			return 0, stageErr
		}
		in.EncodedLen = uint8(n)
		pc += uint64(n)
		totalLen += uint32(n)
	}
	return totalLen, nil
}

// stageLength computes an instruction's encoded length by running the
// commit-mode encoder against a counting sink. This keeps the stage and
// commit code paths from diverging (spec.md §4.3's two passes must agree
// on length byte-for-byte), at the cost of re-deriving REX/ModRM bytes
// twice; acceptable since trace blocks are short.
func stageLength(in *Instruction) (int, error) {
	b := &buf{staging: true}
	if err := encodeOne(b, in, false); err != nil {
		return 0, err
	}
	return b.n, nil
}

// Commit writes every instruction's bytes into dst[0:totalLen] (sized by a
// prior Stage call), patching PC-relative fields against each
// instruction's final EncodedPC. atomic only adds a check that the
// committed sequence is at most 8 bytes long (returning an error after
// the bytes are written otherwise); the bytes are written with ordinary
// byte stores, not a single aligned 64-bit store, and no fences are
// issued.
func (e *Encoder) Commit(dst []byte, instrs []*Instruction, atomic bool) error {
	b := &buf{out: dst[:0]}
	for _, in := range instrs {
		if in.IsZeroSize() {
			if in.Annotation == AnnotationUpdateEncodedAddress && in.EncodedAddressTarget != nil {
				*in.EncodedAddressTarget = in.EncodedPC
			}
			continue
		}
		before := len(b.out)
		if err := encodeOne(b, in, true); err != nil {
			return err
		}
		if got := len(b.out) - before; got != int(in.EncodedLen) {
			return fmt.Errorf("amd64: commit length mismatch for %s: staged %d, committed %d", in.IClass, in.EncodedLen, got)
		}
	}
	if atomic && len(b.out) > 8 {
		return fmt.Errorf("amd64: commit-atomic requires <=8 bytes, got %d", len(b.out))
	}
	return nil
}

// encodeOne dispatches on the bounded set of IClasses the mangling passes
// and the translator's own stub builders ever synthesize (see builder.go),
// plus the RawBytes fast path for instructions no mangler touched.
func encodeOne(b *buf, in *Instruction, commit bool) error {
	if in.RawBytes != nil && in.Reloc == nil {
		if b.staging {
			b.n += len(in.RawBytes)
		} else {
			b.out = append(b.out, in.RawBytes...)
		}
		return nil
	}
	if in.RawBytes != nil && in.Reloc != nil {
		return encodeRelocated(b, in, commit)
	}
	return encodeSynthesized(b, in, commit)
}

// encodeRelocated re-emits RawBytes verbatim except for the one
// PC-relative field Reloc locates, recomputed against the instruction's
// (possibly new, post-mangling) EncodedPC.
func encodeRelocated(b *buf, in *Instruction, commit bool) error {
	raw := in.RawBytes
	off := int(in.Reloc.Offset)
	width := 4
	if in.Reloc.Kind == RelocBranchRel8 {
		width = 1
	}
	if off+width > len(raw) {
		return fmt.Errorf("amd64: %s reloc offset %d out of range", in.IClass, off)
	}

	siteEnd := in.EncodedPC + uint64(len(raw))
	disp := int64(in.Reloc.TargetAbs) - int64(siteEnd)

	if b.staging {
		b.n += len(raw)
		return nil
	}
	_ = commit

	out := append([]byte(nil), raw...)
	switch width {
	case 1:
		if disp < -128 || disp > 127 {
			return &ErrDisplacementTooNarrow{IClass: in.IClass, Target: in.Reloc.TargetAbs, Width: 8}
		}
		out[off] = byte(int8(disp))
	case 4:
		if disp < int64(^uint32(0)>>1)*-1-1 || disp > int64(int32(1)<<31-1) {
			return &ErrDisplacementTooNarrow{IClass: in.IClass, Target: in.Reloc.TargetAbs, Width: 32}
		}
		binary.LittleEndian.PutUint32(out[off:], uint32(int32(disp)))
	}
	b.out = append(b.out, out...)
	return nil
}
