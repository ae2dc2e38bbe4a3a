package trace

import (
	"fmt"

	"github.com/granaryproject/granary/internal/arch/amd64"
)

// TraceBuilder decodes a contiguous region of application code into an
// LCFG rooted at an entry app_pc (spec.md §4.5).
type TraceBuilder struct {
	// Read supplies raw bytes starting at pc, enough for one decode
	// attempt (internal/arch/amd64.Decode re-slices as needed).
	Read func(pc uint64) []byte
	// Mangle runs the early mangler over one decoded instruction.
	Mangle func(in *amd64.Instruction) []*amd64.Instruction
	// Block IDs are assigned by LCFG.AddBlock; TraceBuilder keeps no ID
	// counter of its own.
}

// DecodeBlock decodes one maximal straight-line instruction sequence
// starting at pc, classifying its terminal instruction's successor kind
// (spec.md §4.5: "When a block is decoded, its terminal control-flow
// instruction determines successor kinds: direct call/jump -> Direct,
// indirect call/jump -> Indirect, return -> Return, nothing (fall-through
// end of instruction stream) -> inserted synthetic jump to a Direct").
func (tb *TraceBuilder) DecodeBlock(pc uint64) (*Block, *Block, error) {
	b := &Block{Kind: KindDecoded, AppPC: pc}
	cur := pc

	for {
		src := tb.Read(cur)
		if len(src) == 0 {
			// End of readable region with no control-flow instruction
			// seen: synthesize a fall-through Direct successor (spec.md
			// §4.5).
			succ := &Block{Kind: KindDirect, AppPC: cur, strategy: StrategyLater}
			return b, succ, nil
		}

		in, nextPC, err := amd64.Decode(src, cur)
		if err != nil {
			if err == amd64.ErrUnsupportedInstruction {
				// spec.md §7: "an unsupported instruction terminates the
				// current trace at that instruction with a fall-through
				// to a native block; no error is raised."
				native := &Block{Kind: KindNative, AppPC: cur}
				return b, native, nil
			}
			return nil, nil, fmt.Errorf("trace: decode at %#x: %w", cur, err)
		}
		if in == nil {
			// Decode folded a NOP or jump-to-next; continue at its
			// reported next PC.
			cur = nextPC
			continue
		}

		mangled := in
		if tb.Mangle != nil {
			for _, out := range tb.Mangle(in) {
				b.Instrs = append(b.Instrs, out)
			}
		} else {
			b.Instrs = append(b.Instrs, mangled)
		}

		if !in.IsControlFlow() {
			cur = nextPC
			continue
		}

		succ := successorFor(in, nextPC)
		return b, succ, nil
	}
}

// successorFor classifies the terminal instruction of a just-decoded
// block into its successor Block placeholder (spec.md §4.5).
func successorFor(in *amd64.Instruction, fallthroughPC uint64) *Block {
	switch in.Category {
	case amd64.CategoryReturn:
		return &Block{Kind: KindReturn}
	case amd64.CategoryCall, amd64.CategoryUncondJump, amd64.CategoryCondJump, amd64.CategoryLoop:
		for _, op := range in.Ops() {
			if op.Kind == amd64.OperandBranchTarget && !op.Branch.IsLabel {
				return &Block{Kind: KindDirect, AppPC: op.Branch.Absolute, strategy: StrategyLater}
			}
			if op.Kind == amd64.OperandRegister || op.Kind == amd64.OperandMemory {
				return &Block{Kind: KindIndirect}
			}
		}
		return &Block{Kind: KindIndirect}
	default:
		return &Block{Kind: KindDirect, AppPC: fallthroughPC, strategy: StrategyLater}
	}
}

// Build decodes a full trace starting at entryPC, wiring the factory's
// materialization pass in afterward (spec.md §4.11 step 1: "materializes
// direct blocks until no requests remain").
func (tb *TraceBuilder) Build(entryPC uint64, factory *BlockFactory) (*LCFG, error) {
	t := &LCFG{}
	entry, succ, err := tb.DecodeBlock(entryPC)
	if err != nil {
		return nil, err
	}
	t.Entry = entry
	t.AddBlock(entry)
	if succ != nil {
		t.AddBlock(succ)
		t.Link(entry, succ, terminalOf(entry))
	}

	factory.Decode = func(pc uint64) (*Block, error) {
		b, nextSucc, derr := tb.DecodeBlock(pc)
		if derr != nil {
			return nil, derr
		}
		if nextSucc != nil {
			t.AddBlock(nextSucc)
			t.Link(b, nextSucc, terminalOf(b))
		}
		return b, nil
	}
	if err := factory.Materialize(t); err != nil {
		return nil, err
	}
	return t, nil
}

func terminalOf(b *Block) *amd64.Instruction {
	if len(b.Instrs) == 0 {
		return nil
	}
	return b.Instrs[len(b.Instrs)-1]
}

// NewCompensationBlock synthesizes a splice block used to adapt metadata
// across an edge (spec.md §3: "Compensation — synthetic block used to
// splice metadata adaptations into control flow").
func NewCompensationBlock(instrs []*amd64.Instruction) *Block {
	return &Block{Kind: KindCompensation, Instrs: instrs}
}
