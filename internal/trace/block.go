// Package trace builds the local control-flow graph ("LCFG") a single
// translation works over (spec.md §3 "Trace (LCFG)", §4.5 TraceBuilder).
// Grounded on original_source/arch/x86-64/{select,factory,trace}.cc and
// original_source/granary/cfg/{basic_block,factory,control_flow_graph}.h.
package trace

import "github.com/granaryproject/granary/internal/arch/amd64"

// Kind discriminates a Block's materialization state (spec.md §3 "Block
// kinds").
type Kind uint8

const (
	KindDecoded Kind = iota
	KindCached
	KindDirect
	KindIndirect
	KindReturn
	KindNative
	KindCompensation
)

func (k Kind) String() string {
	switch k {
	case KindDecoded:
		return "decoded"
	case KindCached:
		return "cached"
	case KindDirect:
		return "direct"
	case KindIndirect:
		return "indirect"
	case KindReturn:
		return "return"
	case KindNative:
		return "native"
	case KindCompensation:
		return "compensation"
	default:
		return "unknown"
	}
}

// Block is one node of the trace: either a maximal straight-line
// instruction sequence ending in a control-flow instruction (KindDecoded),
// or an unresolved/terminal placeholder the materialization pass or the
// edge machinery will handle (every other Kind).
type Block struct {
	ID         int
	Kind       Kind
	AppPC      uint64 // origin address, meaningful for Decoded/Direct/Indirect/Return
	CachePC    uint64 // set once KindCached or once this block has been encoded
	Instrs     []*amd64.Instruction
	Successors []*Edge
	refcount   int

	// strategy is the materialization strategy recorded by the most
	// recent RequestBlock call that named this block as a Direct target
	// (spec.md §4.5); zero value is StrategyLater.
	strategy Strategy
}

// Edge labels a directed successor with the control-flow instruction that
// produced it (spec.md §3: "directed edges labeled by the terminating
// control-flow instruction").
type Edge struct {
	From *Block
	To   *Block
	// Via is the terminating instruction in From whose target is To; nil
	// for the synthetic fall-through edge inserted at the end of a
	// decoded instruction stream with no explicit branch (spec.md §4.5).
	Via *amd64.Instruction
}

// Retain/Release implement the refcount discipline spec.md §3 describes
// ("Blocks have refcounts; edges keep them alive").
func (b *Block) Retain()  { b.refcount++ }
func (b *Block) Release() { b.refcount-- }
func (b *Block) Live() bool { return b.refcount > 0 }

// LCFG is the trace: one entry block, many successors, all addressed by
// index within Blocks (spec.md §9: "arenas with weak indices").
type LCFG struct {
	Entry  *Block
	Blocks []*Block
}

// AddBlock appends b to the trace and retains it once for the LCFG's own
// reference.
func (t *LCFG) AddBlock(b *Block) {
	b.ID = len(t.Blocks)
	t.Blocks = append(t.Blocks, b)
	b.Retain()
}

// Link creates a directed edge from -> to, retaining to once for the
// edge's reference (spec.md §3: "edges keep them alive").
func (t *LCFG) Link(from, to *Block, via *amd64.Instruction) *Edge {
	e := &Edge{From: from, To: to, Via: via}
	from.Successors = append(from.Successors, e)
	to.Retain()
	return e
}

// ReversePostOrder walks the LCFG from Entry, returning blocks in
// reverse-post-order (the order internal/regalloc.Function.
// ReversePostOrderBlocks needs).
func (t *LCFG) ReversePostOrder() []*Block {
	var order []*Block
	visited := make(map[int]bool)
	var visit func(b *Block)
	visit = func(b *Block) {
		if b == nil || visited[b.ID] {
			return
		}
		visited[b.ID] = true
		for _, e := range b.Successors {
			if e.To.Kind == KindDecoded || e.To.Kind == KindCompensation {
				visit(e.To)
			}
		}
		order = append(order, b)
	}
	visit(t.Entry)
	// visit() produces post-order by appending after children; reverse it.
	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}
	return order
}
