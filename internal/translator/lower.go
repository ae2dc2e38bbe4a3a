package translator

import (
	"fmt"

	"github.com/granaryproject/granary/internal/arch/amd64"
	"github.com/granaryproject/granary/internal/edge"
	"github.com/granaryproject/granary/internal/metadata"
	"github.com/granaryproject/granary/internal/regalloc"
	"github.com/granaryproject/granary/internal/trace"
)

// jccTranslate maps the x86asm-spelled condition mnemonics
// internal/arch/amd64.Decode records in a decoded conditional jump's
// IClass (it never populates IForm, see decode.go's convert) onto the
// Intel-nibble-style spelling builder.go's Jcc/encode_synth.go's ccNibble
// table expect. Six of sixteen conditions have distinct names under the
// two conventions (JA/JAE/JE/JNE/JG/JGE); the rest already agree.
var jccTranslate = map[string]string{
	"JA": "JNBE", "JAE": "JNB", "JB": "JB", "JBE": "JBE",
	"JE": "JZ", "JNE": "JNZ",
	"JG": "JNLE", "JGE": "JNL", "JL": "JL", "JLE": "JLE",
	"JS": "JS", "JNS": "JNS", "JO": "JO", "JNO": "JNO",
	"JP": "JP", "JNP": "JNP",
}

// loopIClassForm maps a decoded loop-family instruction's x86asm IClass to
// builder.go's LoopForm, mirroring late_mangle.go's own loopFormOf (which
// switches on IForm, always empty for a decoded instruction).
func loopIClassForm(iclass string) amd64.LoopForm {
	switch iclass {
	case "LOOPE", "LOOPZ":
		return amd64.LoopE
	case "LOOPNE", "LOOPNZ":
		return amd64.LoopNE
	case "JRCXZ":
		return amd64.Jrcxz
	default:
		return amd64.LoopPlain
	}
}

// rebuildBranch constructs a fresh, synthesized terminal instruction that
// preserves orig's branch flavor (call / unconditional jump / conditional
// jump / loop-family) but targets target instead. This is the translator's
// only way of redirecting a block's successor: a decoded branch still
// carrying RawBytes+Reloc is re-emitted verbatim except for the one
// relocation field Reloc names (encode.go's encodeRelocated), which reads
// exclusively from Reloc.TargetAbs and ignores Operands entirely, so
// mutating Operands[0].Branch on such an instruction has no effect on its
// encoding (DESIGN.md). Resynthesizing unconditionally, via the same
// builder.go constructors the mangling passes use, keeps every retargeted
// branch on the Operands-driven encode_synth.go path instead.
func rebuildBranch(orig *amd64.Instruction, target amd64.Operand) *amd64.Instruction {
	switch orig.Category {
	case amd64.CategoryCall:
		in := amd64.CallRel(0)
		in.Operands[0] = target
		return in
	case amd64.CategoryCondJump:
		cc, ok := jccTranslate[orig.IClass]
		if !ok {
			cc = orig.IClass
		}
		in := amd64.Jcc(cc, 0)
		in.Operands[0] = target
		return in
	case amd64.CategoryLoop:
		in := amd64.LoopRel(loopIClassForm(orig.IClass), 0)
		in.Operands[0] = target
		return in
	default: // CategoryUncondJump, or the synthetic no-CTI fall-through case
		in := amd64.JmpRel(0)
		in.Operands[0] = target
		return in
	}
}

// allocQuery builds a minimal Record carrying only an AppMetaData slot set
// to pc, used both for index lookups and for seeding a direct edge's
// DestMeta (spec.md §4.9: "the metadata the requested successor must
// match").
func (t *Translator) allocQuery(pc uint64) *metadata.Record {
	rec := t.Manager.Allocate()
	rec.Cast("AppMetaData").(*metadata.AppMetaData).AppPC = pc
	return rec
}

// resolvedDirectEdge bundles one committed direct-edge stub with the block
// whose terminal branch targets it, so lower can seed its fallback target
// once the owning block's own encode pass (irrelevant here - the stub is
// committed independently) has told us the stub's fallback PC.
type resolvedDirectEdge struct {
	de         *edge.DirectEdge
	fallbackPC uint64
}

// lower runs the full spec.md §4.11 pipeline (steps 2-10) over an already
// decoded+grown trace: block-label annotation, register allocation,
// successor and indirect-target resolution, late mangling, spill-slot
// resolution, two-pass encoding, and commit.
func (t *Translator) lower(lc *trace.LCFG) (*metadata.Record, []byte, error) {
	var directEdges []*resolvedDirectEdge

	// Step 2 (pre-regalloc half): resolve every Decoded/Compensation
	// block's single successor that does NOT require a real register
	// (Direct, Cached, Native, in-trace Decoded/Compensation). Indirect
	// successors are handled after allocation, once the terminal
	// CallInd/JmpInd's target register is a real GPR (see
	// resolveIndirectSuccessors below).
	for _, b := range lc.Blocks {
		if b.Kind != trace.KindDecoded && b.Kind != trace.KindCompensation {
			continue
		}
		if len(b.Successors) == 0 {
			continue
		}
		succEdge := b.Successors[0]
		succ := succEdge.To

		switch succ.Kind {
		case trace.KindDecoded, trace.KindCompensation:
			target := amd64.LabelBranchOperand(blockLabel(succ))
			if err := retargetTerminal(b, succEdge, target); err != nil {
				return nil, nil, err
			}

		case trace.KindCached:
			target := amd64.AbsoluteBranchOperand(succ.CachePC)
			if err := retargetTerminal(b, succEdge, target); err != nil {
				return nil, nil, err
			}

		case trace.KindNative:
			target := amd64.AbsoluteBranchOperand(succ.AppPC)
			if err := retargetTerminal(b, succEdge, target); err != nil {
				return nil, nil, err
			}

		case trace.KindDirect:
			de := &edge.DirectEdge{DestMeta: t.allocQuery(succ.AppPC)}
			stub, fallbackLabel := edge.BuildDirectEdgeStub(de, t.DirectEdgeTrampoline)

			var stage amd64.Encoder
			length, err := stage.Stage(stub)
			if err != nil {
				return nil, nil, fmt.Errorf("translator: stage direct edge stub: %w", err)
			}
			region, err := t.Cache.CommitEdge(int(length), func(dst []byte) error {
				real := amd64.Encoder{BaseAddr: regionAddr(dst)}
				if _, err := real.Stage(stub); err != nil {
					return err
				}
				resolveLabels(stub)
				return real.Commit(dst, stub, false)
			})
			if err != nil {
				return nil, nil, fmt.Errorf("translator: commit direct edge stub: %w", err)
			}
			fallbackPC := labelPC(stub, fallbackLabel)
			de.StoreEntryTarget(fallbackPC)
			de.StoreExitTarget(fallbackPC)
			de.EdgeCode = region

			entryAddr := regionAddr(region)
			target := amd64.AbsoluteBranchOperand(entryAddr)
			if err := retargetTerminal(b, succEdge, target); err != nil {
				return nil, nil, err
			}
			de.PatchInstruction = succEdge.Via
			directEdges = append(directEdges, &resolvedDirectEdge{de: de, fallbackPC: fallbackPC})

		case trace.KindIndirect, trace.KindReturn:
			// Left untouched here: Indirect is resolved post-allocation
			// (resolveIndirectSuccessors), and Return needs no
			// resynthesis since a RET pushed onto the stack by a
			// translated CALL already carries a cache-resident return
			// address (see DESIGN.md's "why RET needs no edge wiring").
		}
	}

	// Step 3: assign every Decoded/Compensation block a label and prepend
	// its annotation (spec.md §9: labels as zero-size annotations).
	for _, b := range lc.Blocks {
		if b.Kind != trace.KindDecoded && b.Kind != trace.KindCompensation {
			continue
		}
		b.Instrs = append([]*amd64.Instruction{amd64.NewLabel(blockLabel(b))}, b.Instrs...)
	}

	// Step 4: register allocation.
	slots := regalloc.NewSpillSlots()
	f := &trace.Func{T: lc, Slots: slots}
	alloc := regalloc.NewAllocator(usableGPRs())
	alloc.Run(f)

	// Step 5 (post-regalloc half of step 2): resolve Indirect successors,
	// now that the terminal CallInd/JmpInd's target is a real register.
	if err := t.resolveIndirectSuccessors(lc); err != nil {
		return nil, nil, err
	}

	// Step 6: late mangling, over every instruction of every block.
	lm := &amd64.LateMangler{
		NextVRegID:       t.nextVRegID,
		NextLabel:        t.nextLabel,
		OwnNativeAddress: t.slots.Own,
	}
	for _, b := range lc.Blocks {
		if b.Kind != trace.KindDecoded && b.Kind != trace.KindCompensation {
			continue
		}
		b.Instrs = lateMangleBlock(lm, b.Instrs)
	}

	// Step 7: flatten the trace in a stable block order, resolve spill
	// slots.
	flat := flattenBlocks(lc)
	partition := amd64.Partition{ValidStack: true, AdjustedBytes: int32(slots.Count()) * 8}
	sr := amd64.SlotRewriter{SlotBytes: 8, RedzoneBytes: 128}
	sr.Resolve(flat, partition)
	if slots.Count() > 0 {
		flat = append([]*amd64.Instruction{sr.EntryAdjustment(partition)}, flat...)
		flat = append(flat, sr.ExitAdjustment(partition))
	}

	// Step 8: first Stage pass (BaseAddr=0) purely to size the cache
	// allocation; Stage never validates branch reach (only Commit does),
	// so this is always safe regardless of how far labels/absolute
	// targets actually resolve to (DESIGN.md).
	var probe amd64.Encoder
	totalLen, err := probe.Stage(flat)
	if err != nil {
		return nil, nil, fmt.Errorf("translator: stage block: %w", err)
	}

	rec := t.allocQuery(lc.Entry.AppPC)
	region, err := t.Cache.CommitBlock(rec, int(totalLen), func(dst []byte) error {
		real := amd64.Encoder{BaseAddr: regionAddr(dst)}
		if _, err := real.Stage(flat); err != nil {
			return err
		}
		resolveLabels(flat)
		return real.Commit(dst, flat, false)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("translator: commit block: %w", err)
	}

	cm := rec.Cast("CacheMetaData").(*metadata.CacheMetaData)
	cm.StartPC = regionAddr(region)

	// Step 9: direct-edge fallback wiring was already seeded at commit
	// time above (each edge resolves its own fallback label within its
	// own separately-staged/committed stub); nothing further to do here
	// besides keeping the edges reachable for eviction/debugging.
	_ = directEdges

	return rec, region, nil
}

// retargetTerminal replaces (or, for the two no-terminal-CTI DecodeBlock
// cases, appends) the branch instruction named by e with a freshly
// synthesized one targeting target.
func retargetTerminal(b *trace.Block, e *trace.Edge, target amd64.Operand) error {
	if e.Via == nil {
		// End-of-region or unsupported-instruction successor: no
		// terminal branch was ever appended (trace/builder.go's two
		// no-CTI DecodeBlock cases). Append a fresh unconditional jump.
		jmp := amd64.JmpRel(0)
		jmp.Operands[0] = target
		b.Instrs = append(b.Instrs, jmp)
		return nil
	}
	if len(b.Instrs) == 0 || b.Instrs[len(b.Instrs)-1] != e.Via {
		return fmt.Errorf("translator: successor edge's Via instruction is not b's terminal instruction")
	}
	b.Instrs[len(b.Instrs)-1] = rebuildBranch(e.Via, target)
	return nil
}

func blockLabel(b *trace.Block) int { return b.ID }

// regionAddr returns the real address backing a just-allocated cache
// region, the same &dst[0]-as-uint64 idiom internal/edge uses for its
// patched target fields.
func regionAddr(dst []byte) uint64 {
	if len(dst) == 0 {
		return 0
	}
	return addrOfByte(&dst[0])
}

// labelPC finds the resolved EncodedPC of the annotation instruction
// naming label within instrs, after a Stage pass has run.
func labelPC(instrs []*amd64.Instruction, label int) uint64 {
	for _, in := range instrs {
		if in.Annotation == amd64.AnnotationLabel && in.Label == label {
			return in.EncodedPC
		}
	}
	return 0
}

// resolveLabels rewrites every label-targeted branch operand's absolute
// address from the position a preceding Stage pass assigned the matching
// AnnotationLabel instruction. Safe to run unconditionally: per the
// always-resynthesize decision (rebuildBranch), every label-targeted
// branch in the trace is guaranteed to be on the Operands-driven
// encode_synth.go path, never a RawBytes-preserving one Reloc would
// otherwise have to patch instead.
func resolveLabels(instrs []*amd64.Instruction) {
	labels := map[int]uint64{}
	for _, in := range instrs {
		if in.Annotation == amd64.AnnotationLabel {
			labels[in.Label] = in.EncodedPC
		}
	}
	for _, in := range instrs {
		ops := in.Ops()
		for i := range ops {
			if ops[i].Kind == amd64.OperandBranchTarget && ops[i].Branch.IsLabel {
				if pc, ok := labels[ops[i].Branch.Label]; ok {
					ops[i].Branch.Absolute = pc
				}
			}
		}
	}
}

// flattenBlocks concatenates every Decoded/Compensation block's
// instructions in the trace's reverse-post-order, the same order
// regalloc.Function.ReversePostOrderBlocks presents to the allocator, so
// the encoded layout matches the order liveness analysis assumed.
func flattenBlocks(lc *trace.LCFG) []*amd64.Instruction {
	var out []*amd64.Instruction
	for _, b := range lc.ReversePostOrder() {
		if b.Kind != trace.KindDecoded && b.Kind != trace.KindCompensation {
			continue
		}
		out = append(out, b.Instrs...)
	}
	return out
}

// usableGPRs is every schedulable GPR except RSP (never allocatable; the
// teacher's regalloc test suite itself treats this as a given,
// TestGPRSet_ExcludesRSP) and RBP. RBP is excluded here even though
// Granary's stack model addresses spill slots RSP-relative rather than
// through a frame pointer (amd64.SlotRewriter.RewriteValidStack): keeping
// one general-purpose register permanently free for the rare
// instruction-encoding corner the covered ISA subset still assumes a
// stable frame-pointer-shaped register (e.g. before a stack-validity
// annotation is resolved) costs one of fifteen GPRs and avoids a class of
// allocator output this package has no test coverage for; recorded as an
// open decision in DESIGN.md.
func usableGPRs() regalloc.GPRSet {
	var s regalloc.GPRSet
	for r := regalloc.RAX; r <= regalloc.R15; r++ {
		if r == regalloc.RSP || r == regalloc.RBP {
			continue
		}
		s = s.Add(r)
	}
	return s
}
