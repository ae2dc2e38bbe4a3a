package context

import "github.com/granaryproject/granary/internal/arch/amd64"

// abiArgRegs is the System V AMD64 ABI's integer argument registers, in
// order: RDI, RSI, RDX, RCX, R8, R9 (RealReg numbers 7, 6, 2, 1, 8, 9).
var abiArgRegs = [6]uint8{7, 6, 2, 1, 8, 9}

// maxOutlineArgs bounds the outline-callback argument count: spec.md
// §4.10 only ever materializes as many arguments as the ABI can pass in
// registers, matching outline.cc's six SAVE_ARG/COPY_ARG/MOVE_ARG/
// RESTORE_ARG slots.
const maxOutlineArgs = 6

// outlineUnconditionalRegs is outline.cc's GenerateOutlineCallCode push
// list with the callee-saved registers (RBX, RBP, R12-R15) dropped: Linux
// targets Granary's System V ABI, under which the tool function itself is
// responsible for preserving its own callee-saved registers, so the
// trampoline need not also save them (outline.cc's
// "!USING_LINUX_ITANIUM_ABI" guards evaluate false throughout on Linux).
var outlineUnconditionalRegs = []uint8{0, 10, 11} // RAX, R10, R11

// BuildOutlineWrapper constructs the shared, argument-count-specialized
// wrapper trampoline a call site CALLs into (spec.md §4.10's "outline
// callback"): one instance exists per distinct (funcAddr, numArgs) pair,
// analogous to internal/edge's shared edge trampolines. Registers that
// will carry a live argument are never saved or restored here — their
// current value on entry already is the argument outline.cc expects the
// caller to have set up via BuildOutlineCallSite.
func BuildOutlineWrapper(funcAddr uint64, numArgs int, kernelMode bool, privateStackSlot amd64.Reg) []*amd64.Instruction {
	saved := outlineSaveList(numArgs)

	var out []*amd64.Instruction
	out = append(out, amd64.PushFQ())
	if kernelMode {
		out = append(out, amd64.Cli(), amd64.StackSwitchPrologue(privateStackSlot))
	}
	for _, r := range saved {
		out = append(out, amd64.PushR(gpr64(r)))
	}
	out = append(out, amd64.CallRel(funcAddr))
	for i := len(saved) - 1; i >= 0; i-- {
		out = append(out, amd64.PopR(gpr64(saved[i])))
	}
	if kernelMode {
		out = append(out, amd64.StackSwitchEpilogue(privateStackSlot))
	}
	out = append(out, amd64.PopFQ(), amd64.Ret())
	return out
}

// outlineSaveList reproduces GenerateOutlineCallCode's push order: RAX,
// then each of RCX/RDX/RSI/RDI/R8/R9 only if numArgs leaves it free of
// argument duty, then R10/R11.
func outlineSaveList(numArgs int) []uint8 {
	argFree := func(argIndex int) bool { return argIndex >= numArgs }

	out := []uint8{0} // RAX
	if argFree(3) {
		out = append(out, 1) // RCX
	}
	if argFree(2) {
		out = append(out, 2) // RDX
	}
	if argFree(1) {
		out = append(out, 6) // RSI
	}
	if argFree(0) {
		out = append(out, 7) // RDI
	}
	if argFree(4) {
		out = append(out, 8) // R8
	}
	if argFree(5) {
		out = append(out, 9) // R9
	}
	return append(out, 10, 11) // R10, R11
}
