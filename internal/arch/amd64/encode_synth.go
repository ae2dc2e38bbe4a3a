package amd64

import "fmt"

// ccNibble maps the x86asm-style two/three-letter Jcc mnemonic used by
// Jcc's IForm to the 4-bit condition code the 0x7x/0x0F,0x8x opcode
// families encode (spec.md §8's conditional-branch test list: JO, JNO,
// JB, JNB, JZ, JNZ, JBE, JNBE, JS, JNS, JP, JNP, JL, JNL, JLE, JNLE).
var ccNibble = map[string]byte{
	"JO": 0x0, "JNO": 0x1,
	"JB": 0x2, "JNB": 0x3,
	"JZ": 0x4, "JNZ": 0x5,
	"JBE": 0x6, "JNBE": 0x7,
	"JS": 0x8, "JNS": 0x9,
	"JP": 0xA, "JNP": 0xB,
	"JL": 0xC, "JNL": 0xD,
	"JLE": 0xE, "JNLE": 0xF,
}

// NegateCondition returns the Jcc mnemonic for the logical negation of cc,
// used by late_mangle.go's far-conditional-branch rewrite (spec.md §4.6:
// "synthesize the negated condition jumping over a rewritten indirect
// JMP").
func NegateCondition(cc string) string {
	n, ok := ccNibble[cc]
	if !ok {
		panic(fmt.Sprintf("amd64: unknown condition %q", cc))
	}
	for name, v := range ccNibble {
		if v == n^1 {
			return name
		}
	}
	panic("unreachable")
}

// encodeSynthesized emits the bytes for an Instruction built by
// builder.go's constructors (every IClass that decode.go's convert never
// produces).
func encodeSynthesized(b *buf, in *Instruction, commit bool) error {
	switch in.IClass {
	case iMovRR:
		return encodeMovRR(b, in)
	case iMovRM:
		return encodeMovRM(b, in, true)
	case iMovMR:
		return encodeMovRM(b, in, false)
	case iMovRI:
		return encodeMovRI(b, in)
	case iMovzxR:
		return encodeMovzx(b, in)
	case iLeaRM:
		return encodeLea(b, in)
	case iPushR:
		return encodePushPopR(b, in, true)
	case iPopR:
		return encodePushPopR(b, in, false)
	case iPushI:
		return encodePushI(b, in)
	case iPushM:
		return encodePushPopM(b, in, true)
	case iPopM:
		return encodePushPopM(b, in, false)
	case iJmpRel:
		return encodeBranchRel32(b, in, 0xE9, commit)
	case iJmpInd:
		return encodeIndirectRM(b, in, 0xFF, 4)
	case iJmpMem:
		return encodeIndirectMem(b, in, 0xFF, 4)
	case iJccRel:
		return encodeJccRel32(b, in, commit)
	case iCallRel:
		return encodeBranchRel32(b, in, 0xE8, commit)
	case iCallInd:
		return encodeIndirectRM(b, in, 0xFF, 2)
	case iCallMem:
		return encodeIndirectMem(b, in, 0xFF, 2)
	case iLoopRel, iJrcxz:
		return encodeLoopRel8(b, in, commit)
	case iRet:
		b.EmitByte(0xC3)
		return nil
	case iTestRR:
		return encodeTestRR(b, in)
	case iNop:
		b.EmitByte(0x90)
		return nil
	case iUD2:
		b.EmitByte(0x0F)
		b.EmitByte(0x0B)
		return nil
	case iPushFQ:
		b.EmitByte(0x9C)
		return nil
	case iPopFQ:
		b.EmitByte(0x9D)
		return nil
	case iXchgRR:
		return encodeXchgRR(b, in)
	default:
		return fmt.Errorf("amd64: no encoder for synthesized instruction %q", in.IClass)
	}
}

func opSizePrefix(b *buf, widthBytes uint8) {
	if widthBytes == 2 {
		b.EmitByte(0x66)
	}
}

func encodeMovRR(b *buf, in *Instruction) error {
	dst, src := in.Operands[0].Reg, in.Operands[1].Reg
	opSizePrefix(b, dst.NumBytes)
	dEnc, dRex := regEncoding(dst)
	sEnc, sRex := regEncoding(src)
	forceREX := needsLowByteREX(dst) || needsLowByteREX(src)
	// 0x8A/0x8B (MOV r, r/m): ModRM.reg is the destination.
	if dst.NumBytes == 1 {
		emitREX(b, false, dRex, 0, sRex, forceREX)
		b.EmitByte(0x8A)
	} else {
		emitREX(b, dst.NumBytes == 8, dRex, 0, sRex, false)
		b.EmitByte(0x8B)
	}
	b.EmitByte(encodeModRM(0b11, dEnc, sEnc))
	return nil
}

// needsLowByteREX reports whether encoding r as a 1-byte operand requires
// a REX prefix purely to select SPL/BPL/SIL/DIL over AH/CH/DH/BH (spec.md
// §4.1's legacy-vs-REX distinction).
func needsLowByteREX(r Reg) bool {
	return r.NumBytes == 1 && r.ByteMask == MaskLowByte && r.RegNum >= 4 && r.RegNum <= 7
}

func encodeMovRM(b *buf, in *Instruction, loadToReg bool) error {
	var reg Reg
	var mem Memory
	if loadToReg {
		reg, mem = in.Operands[0].Reg, in.Operands[1].Mem
	} else {
		reg, mem = in.Operands[1].Reg, in.Operands[0].Mem
	}
	opSizePrefix(b, reg.NumBytes)
	regEnc, regRex := regEncoding(reg)
	baseRex, indexRex := memRexBits(mem)
	emitREX(b, reg.NumBytes == 8, regRex, indexRex, baseRex, needsLowByteREX(reg))
	if reg.NumBytes == 1 {
		if loadToReg {
			b.EmitByte(0x8A)
		} else {
			b.EmitByte(0x88)
		}
	} else {
		if loadToReg {
			b.EmitByte(0x8B)
		} else {
			b.EmitByte(0x89)
		}
	}
	emitModRMMem(b, regEnc, mem)
	return nil
}

func memRexBits(m Memory) (baseRex, indexRex byte) {
	if m.HasBase() {
		_, baseRex = regEncoding(m.Base)
	}
	if m.HasIndex() {
		_, indexRex = regEncoding(m.Index)
	}
	return
}

func encodeMovRI(b *buf, in *Instruction) error {
	dst := in.Operands[0].Reg
	imm := in.Operands[1].Imm
	opSizePrefix(b, dst.NumBytes)
	enc, rex := regEncoding(dst)
	emitREX(b, dst.NumBytes == 8, 0, 0, rex, needsLowByteREX(dst))
	switch dst.NumBytes {
	case 1:
		b.EmitByte(0xB0 | enc)
		b.EmitByte(byte(imm))
	case 2:
		b.EmitByte(0xB8 | enc)
		b.Emit2Bytes(uint16(imm))
	case 4:
		b.EmitByte(0xB8 | enc)
		b.Emit4Bytes(uint32(imm))
	case 8:
		b.EmitByte(0xB8 | enc)
		b.Emit8Bytes(uint64(imm))
	}
	return nil
}

func encodeMovzx(b *buf, in *Instruction) error {
	dst, src := in.Operands[0].Reg, in.Operands[1].Reg
	dEnc, dRex := regEncoding(dst)
	sEnc, sRex := regEncoding(src)
	emitREX(b, dst.NumBytes == 8, dRex, 0, sRex, needsLowByteREX(src))
	b.EmitByte(0x0F)
	if src.NumBytes == 1 {
		b.EmitByte(0xB6)
	} else {
		b.EmitByte(0xB7)
	}
	b.EmitByte(encodeModRM(0b11, dEnc, sEnc))
	return nil
}

func encodeLea(b *buf, in *Instruction) error {
	dst, mem := in.Operands[0].Reg, in.Operands[1].Mem
	regEnc, regRex := regEncoding(dst)
	baseRex, indexRex := memRexBits(mem)
	emitREX(b, true, regRex, indexRex, baseRex, false)
	b.EmitByte(0x8D)
	emitModRMMem(b, regEnc, mem)
	return nil
}

func encodePushPopR(b *buf, in *Instruction, push bool) error {
	r := in.Operands[0].Reg
	enc, rex := regEncoding(r)
	if rex != 0 {
		b.EmitByte(rexDefault | rexB)
	}
	if push {
		b.EmitByte(0x50 | enc)
	} else {
		b.EmitByte(0x58 | enc)
	}
	return nil
}

func encodePushI(b *buf, in *Instruction) error {
	b.EmitByte(0x68)
	b.Emit4Bytes(uint32(in.Operands[0].Imm))
	return nil
}

func encodePushPopM(b *buf, in *Instruction, push bool) error {
	mem := in.Operands[0].Mem
	baseRex, indexRex := memRexBits(mem)
	emitREX(b, false, 0, indexRex, baseRex, false)
	if push {
		b.EmitByte(0xFF)
		emitModRMMem(b, 6, mem)
	} else {
		b.EmitByte(0x8F)
		emitModRMMem(b, 0, mem)
	}
	return nil
}

func encodeBranchRel32(b *buf, in *Instruction, opcode byte, commit bool) error {
	b.EmitByte(opcode)
	target := in.Operands[0].Branch.Absolute
	if b.staging {
		b.n += 4
		return nil
	}
	siteEnd := in.EncodedPC + uint64(in.EncodedLen)
	disp := int64(target) - int64(siteEnd)
	if commit && (disp > int64(int32(1)<<31-1) || disp < int64(-int32(1)<<31)) {
		return &ErrDisplacementTooNarrow{IClass: in.IClass, Target: target, Width: 32}
	}
	b.Emit4Bytes(uint32(int32(disp)))
	return nil
}

func encodeJccRel32(b *buf, in *Instruction, commit bool) error {
	cc, ok := ccNibble[in.IForm]
	if !ok {
		return fmt.Errorf("amd64: unknown Jcc condition %q", in.IForm)
	}
	b.EmitByte(0x0F)
	b.EmitByte(0x80 | cc)
	target := in.Operands[0].Branch.Absolute
	if b.staging {
		b.n += 4
		return nil
	}
	siteEnd := in.EncodedPC + uint64(in.EncodedLen)
	disp := int64(target) - int64(siteEnd)
	if commit && (disp > int64(int32(1)<<31-1) || disp < int64(-int32(1)<<31)) {
		return &ErrDisplacementTooNarrow{IClass: in.IClass, Target: target, Width: 32}
	}
	b.Emit4Bytes(uint32(int32(disp)))
	return nil
}

func encodeLoopRel8(b *buf, in *Instruction, commit bool) error {
	switch in.IForm {
	case "LOOP":
		b.EmitByte(0xE2)
	case "LOOPE":
		b.EmitByte(0xE1)
	case "LOOPNE":
		b.EmitByte(0xE0)
	case "JRCXZ":
		b.EmitByte(0xE3)
	default:
		return fmt.Errorf("amd64: unknown loop form %q", in.IForm)
	}
	target := in.Operands[0].Branch.Absolute
	if b.staging {
		b.n++
		return nil
	}
	siteEnd := in.EncodedPC + uint64(in.EncodedLen)
	disp := int64(target) - int64(siteEnd)
	if commit && (disp < -128 || disp > 127) {
		return &ErrDisplacementTooNarrow{IClass: in.IClass, Target: target, Width: 8}
	}
	b.EmitByte(byte(int8(disp)))
	return nil
}

func encodeIndirectRM(b *buf, in *Instruction, opcode byte, ext byte) error {
	r := in.Operands[0].Reg
	enc, rex := regEncoding(r)
	if rex != 0 {
		b.EmitByte(rexDefault | rexB)
	}
	b.EmitByte(opcode)
	b.EmitByte(encodeModRM(0b11, ext, enc))
	return nil
}

func encodeIndirectMem(b *buf, in *Instruction, opcode byte, ext byte) error {
	mem := in.Operands[0].Mem
	baseRex, indexRex := memRexBits(mem)
	emitREX(b, false, 0, indexRex, baseRex, false)
	b.EmitByte(opcode)
	emitModRMMem(b, ext, mem)
	return nil
}

func encodeTestRR(b *buf, in *Instruction) error {
	a := in.Operands[0].Reg
	enc, rex := regEncoding(a)
	opSizePrefix(b, a.NumBytes)
	emitREX(b, a.NumBytes == 8, rex, 0, rex, needsLowByteREX(a))
	if a.NumBytes == 1 {
		b.EmitByte(0x84)
	} else {
		b.EmitByte(0x85)
	}
	b.EmitByte(encodeModRM(0b11, enc, enc))
	return nil
}

func encodeXchgRR(b *buf, in *Instruction) error {
	a, bb := in.Operands[0].Reg, in.Operands[1].Reg
	aEnc, aRex := regEncoding(a)
	bEnc, bRex := regEncoding(bb)
	emitREX(b, a.NumBytes == 8, aRex, 0, bRex, false)
	b.EmitByte(0x87)
	b.EmitByte(encodeModRM(0b11, aEnc, bEnc))
	return nil
}
