// Package context builds the two tool-callback trampoline shapes spec.md
// §4.10 describes: a context callback, which hands the tool a full
// MachineContext snapshot of every GPR, and an outline callback, which
// calls the tool with a small number of materialized arguments while
// saving only the registers the call site doesn't already intend to
// clobber. Grounded on original_source/arch/x86-64/{context,outline}.cc;
// context_call.cc covers only the fragment-graph wiring the translator
// owns (CodeFragment/ExitFragment linkage), not the instruction
// sequences themselves.
package context

import "github.com/granaryproject/granary/internal/arch/amd64"

// contextPushOrder is the GPR push order context.cc's GenerateContextCallCode
// uses, chosen so the pushed block can be read back as a MachineContext:
// RAX, RCX, RDX, RBX, RBP, RSI, RDI, R8..R15. RealReg numbers per reg.go's
// gprName64 table (rax=0, rcx=1, rdx=2, rbx=3, rsp=4, rbp=5, rsi=6, rdi=7,
// r8..r15=8..15); RSP is excluded, since it is never itself a context
// field.
var contextPushOrder = []uint8{0, 1, 2, 3, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}

// MachineContext mirrors the layout the context-callback trampoline leaves
// on the stack for the tool function to read through its first-argument
// pointer. Since the stack grows down, the last register pushed (R15)
// ends up at the lowest address, the one the trampoline's LEA points at;
// the field order below is therefore contextPushOrder reversed.
type MachineContext struct {
	R15, R14, R13, R12, R11, R10, R9, R8 uint64
	RDI, RSI, RBP, RBX, RDX, RCX, RAX    uint64
}

func gpr64(realReg uint8) amd64.Reg { return amd64.GPR(realReg, 8, false) }

// firstArgReg is the System V AMD64 ABI's first integer argument register,
// RDI, used to hand the tool function a MachineContext*.
func firstArgReg() amd64.Reg { return gpr64(7) }

// BuildContextCallback constructs a context callback's instruction-IR body
// (spec.md §4.10): save RFLAGS, optionally swap to a private stack with
// interrupts masked, push every GPR in contextPushOrder, point RDI at the
// pushed block, CALL the tool function, unwind in reverse, and return.
// kernelMode selects the CLI/private-stack swap; user-mode callbacks never
// touch the stack pointer before the pushes. privateStackSlot names
// wherever the translator has stashed the private stack's address; it is
// only read when kernelMode is true.
func BuildContextCallback(funcAddr uint64, kernelMode bool, privateStackSlot amd64.Reg) []*amd64.Instruction {
	var out []*amd64.Instruction
	out = append(out, amd64.PushFQ())
	if kernelMode {
		out = append(out, amd64.Cli(), amd64.StackSwitchPrologue(privateStackSlot))
	}
	for _, r := range contextPushOrder {
		out = append(out, amd64.PushR(gpr64(r)))
	}
	out = append(out, amd64.Lea(firstArgReg(), amd64.Memory{Base: amd64.GPR(4, 8, false)}))
	out = append(out, amd64.CallRel(funcAddr))
	for i := len(contextPushOrder) - 1; i >= 0; i-- {
		out = append(out, amd64.PopR(gpr64(contextPushOrder[i])))
	}
	if kernelMode {
		out = append(out, amd64.StackSwitchEpilogue(privateStackSlot))
	}
	out = append(out, amd64.PopFQ(), amd64.Ret())
	return out
}
