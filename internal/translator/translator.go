package translator

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/granaryproject/granary/internal/arch/amd64"
	"github.com/granaryproject/granary/internal/cache"
	"github.com/granaryproject/granary/internal/edge"
	"github.com/granaryproject/granary/internal/metadata"
	"github.com/granaryproject/granary/internal/trace"
)

// maxTraceBlocks bounds the default trace-growth policy (DESIGN.md): with
// no instrumentation tool requesting a specific strategy for a given
// successor, buildTrace greedily materializes every Direct successor
// in-line (StrategyCheckIndexAndLCFG) until the trace reaches this many
// blocks, matching the "bounded straight-line extension" shape
// original_source's basic_block_info.cc trace-building heuristics default
// to absent a client policy.
const maxTraceBlocks = 32

// Translator is the single entry point spec.md §4.11 describes: given an
// application address, build a trace, run the whole decode/mangle/
// allocate/encode pipeline over it, and commit the result into a
// CodeCache. Grounded on the teacher's engine.go, which plays the
// analogous "own every stage of one compilation and hand back committed
// code" role for a WASM module (CompileModule drives
// parser->compiler->machine code the same way Translate drives
// decode->mangle->regalloc->encode here).
type Translator struct {
	Cache   *cache.CodeCache
	Manager *metadata.Manager

	// DirectEdgeTrampoline is the shared direct_edge_entry trampoline's
	// address (built by cmd/granary's buildSharedTrampolines), CALLed by
	// every direct-edge stub's fallback path.
	DirectEdgeTrampoline uint64
	// DispatchTrampoline is the shared "go to Granary" address an
	// indirect edge's out-edge chain initially points at, before any
	// target has been observed and cloned.
	DispatchTrampoline uint64

	slots *nativeAddressSlots

	mu       sync.Mutex
	nextVReg uint32
	nextLbl  int32

	// indirectEdges tracks one *edge.IndirectEdge per indirect call/jump
	// site ever translated, keyed by the site's originating app_pc (the
	// terminal instruction's DecodedPC), so a second translation through
	// the same site reuses its out-edge chain instead of starting a
	// fresh one (spec.md §4.9: "one IndirectEdge per indirect branch
	// site").
	indirectMu    sync.Mutex
	indirectEdges map[uint64]*edge.IndirectEdge
}

// New constructs a Translator backed by c and m. m must already be
// finalized (internal/metadata.Manager.Finalize), mirroring
// internal/cache's own expectation that descriptor registration happens
// once at startup.
func New(c *cache.CodeCache, m *metadata.Manager, directEdgeTrampoline, dispatchTrampoline uint64) (*Translator, error) {
	slots, err := newNativeAddressSlots()
	if err != nil {
		return nil, err
	}
	return &Translator{
		Cache:                c,
		Manager:              m,
		DirectEdgeTrampoline: directEdgeTrampoline,
		DispatchTrampoline:   dispatchTrampoline,
		slots:                slots,
		indirectEdges:        map[uint64]*edge.IndirectEdge{},
	}, nil
}

// indirectEdgeFor returns the IndirectEdge tracked for the branch site at
// siteAppPC, creating one (seeded at DispatchTrampoline, per spec.md §4.9:
// "initially go_to_granary's address") the first time this site is
// translated.
func (t *Translator) indirectEdgeFor(siteAppPC uint64, destMetaTemplate *metadata.Record, targetReg amd64.Reg) *edge.IndirectEdge {
	t.indirectMu.Lock()
	defer t.indirectMu.Unlock()
	if ie, ok := t.indirectEdges[siteAppPC]; ok {
		return ie
	}
	ie := &edge.IndirectEdge{
		OutEdgePC:        t.DispatchTrampoline,
		OutEdgeTemplate:  edge.BuildOutEdgeTemplate(targetReg),
		DestMetaTemplate: destMetaTemplate,
	}
	t.indirectEdges[siteAppPC] = ie
	return ie
}

func (t *Translator) nextVRegID() uint32 {
	return atomic.AddUint32(&t.nextVReg, 1)
}

func (t *Translator) nextLabel() int {
	return int(atomic.AddInt32(&t.nextLbl, 1))
}

// Translate decodes a trace rooted at entryPC, lowers it through mangling,
// register allocation, and encoding, and commits the result to t.Cache
// (spec.md §4.11: "Translate(app_pc) -> committed code"). read supplies
// raw application bytes the same way internal/trace.TraceBuilder.Read
// does.
func (t *Translator) Translate(entryPC uint64, read func(uint64) []byte) (*metadata.Record, []byte, error) {
	if existing, code, ok := t.Cache.FindByAppPC(entryPC); ok {
		return existing, code, nil
	}

	lc, err := t.buildTrace(entryPC, read)
	if err != nil {
		return nil, nil, fmt.Errorf("translator: build trace at %#x: %w", entryPC, err)
	}
	return t.lower(lc)
}

func (t *Translator) earlyMangle(in *amd64.Instruction) []*amd64.Instruction {
	m := &amd64.EarlyMangler{NextVRegID: t.nextVRegID}
	return m.Mangle(in)
}

// lookupIndex is wired to trace.BlockFactory.LookupIndex: the cache's own
// fast app_pc map, ahead of a full index query (spec.md §4.5 step 2).
func (t *Translator) lookupIndex(pc uint64) (uint64, bool) {
	rec, _, ok := t.Cache.FindByAppPC(pc)
	if !ok {
		return 0, false
	}
	cm, ok := rec.Cast("CacheMetaData").(*metadata.CacheMetaData)
	if !ok {
		return 0, false
	}
	return cm.StartPC, true
}

// findInLCFG is wired to trace.BlockFactory.FindInLCFG: a Decoded block
// already present in this trace at pc stands in for a fresh decode
// (spec.md §4.5 step 1).
func findInLCFG(t *trace.LCFG, pc uint64) *trace.Block {
	for _, b := range t.Blocks {
		if b.Kind == trace.KindDecoded && b.AppPC == pc {
			return b
		}
	}
	return nil
}

