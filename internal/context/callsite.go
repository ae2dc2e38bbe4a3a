package context

import "github.com/granaryproject/granary/internal/arch/amd64"

// CallSiteBuilder constructs the inline sequence a translated block splices
// in at an outline-callback site (spec.md §4.10's "outline/inline
// callback"): outline.cc's ExtendFragmentWithOutlineCall, generalized so
// internal/translator can supply a shared virtual-register ID source the
// same way EarlyMangler/LateMangler do.
type CallSiteBuilder struct {
	// NextVRegID allocates the scratch virtuals copyOperand materializes
	// each argument into, drawn from the same ID space as the mangling
	// passes (see amd64.EarlyMangler.NextVRegID's doc).
	NextVRegID func() uint32
}

func (b *CallSiteBuilder) scratch(widthBytes uint8) amd64.Reg {
	return amd64.Virtual(amd64.RegTemporaryVirtual, b.NextVRegID(), widthBytes)
}

// copyOperand materializes one call argument into a scratch virtual
// register (outline.cc's CopyOperand): a memory operand is loaded, an
// immediate is moved in directly, and a register operand is copied —
// always into a fresh scratch first, never straight into the ABI argument
// register, so a source operand that itself IS an argument register isn't
// clobbered by an earlier argument's setup instruction before it's read.
func (b *CallSiteBuilder) copyOperand(op amd64.Operand) (amd64.Reg, *amd64.Instruction) {
	widthBytes := uint8(op.WidthBits / 8)
	if widthBytes == 0 {
		widthBytes = 8
	}
	reg := b.scratch(widthBytes)
	switch op.Kind {
	case amd64.OperandMemory:
		return reg, amd64.MovRM(reg, op.Mem, op.WidthBits)
	case amd64.OperandImmediate:
		return reg, amd64.MovRI(reg, op.Imm)
	case amd64.OperandRegister:
		return reg, amd64.MovRR(reg, op.Reg)
	default:
		panic("context: outline call argument must be a register, memory, or immediate operand")
	}
}

// BuildOutlineCallSite builds the full inline sequence around a CALL to
// wrapperAddr (the address BuildOutlineWrapper's result is committed to):
// save the argument registers this call's args overwrite,
// copy each arg into a scratch virtual, move the scratches into the real
// ABI registers, CALL, then restore the saved registers. len(args) must
// not exceed maxOutlineArgs.
func (b *CallSiteBuilder) BuildOutlineCallSite(wrapperAddr uint64, args []amd64.Operand) []*amd64.Instruction {
	if len(args) > maxOutlineArgs {
		panic("context: outline call site supports at most 6 arguments")
	}
	numArgs := len(args)

	var out []*amd64.Instruction

	// SAVE_ARG: stash the ABI argument registers this call will
	// overwrite, into fresh scratch virtuals, so the translated code that
	// follows still sees its pre-call values afterward.
	saves := make([]amd64.Reg, numArgs)
	for i := 0; i < numArgs; i++ {
		saveReg := b.scratch(8)
		saves[i] = saveReg
		out = append(out, amd64.MovRR(saveReg, gpr64(abiArgRegs[i])))
	}

	// COPY_ARG: materialize every argument operand into its own scratch,
	// before any of them are moved into an ABI register.
	argScratch := make([]amd64.Reg, numArgs)
	for i, op := range args {
		reg, instr := b.copyOperand(op)
		argScratch[i] = reg
		out = append(out, instr)
	}

	// MOVE_ARG: now that every argument has been read, it's safe to
	// overwrite the ABI registers.
	for i := 0; i < numArgs; i++ {
		out = append(out, amd64.MovRR(gpr64(abiArgRegs[i]), argScratch[i]))
	}

	out = append(out, amd64.CallRel(wrapperAddr))

	// RESTORE_ARG: reverse order, matching outline.cc.
	for i := numArgs - 1; i >= 0; i-- {
		out = append(out, amd64.MovRR(gpr64(abiArgRegs[i]), saves[i]))
	}

	return out
}
