package translator

import (
	"github.com/granaryproject/granary/internal/trace"
)

// buildTrace decodes a trace rooted at entryPC and grows it under the
// default policy described at maxTraceBlocks: since spec.md leaves
// Direct-successor growth strategy to whichever instrumentation tool is
// attached (§4.5's RequestBlock/Strategy machinery), and no tool hook
// exists here, every Direct successor gets StrategyCheckIndexAndLCFG
// (reuse an already-cached or already-in-trace translation before
// decoding fresh) until the trace reaches maxTraceBlocks blocks.
//
// trace.TraceBuilder.Build already wires its own BlockFactory.Decode
// closure that keeps appending newly-decoded blocks into the same *LCFG it
// returns; calling BlockFactory.RequestBlock/Materialize again afterward,
// against that same LCFG, continues growing it exactly as if the policy
// had been in effect from the first pass (materializeOne only ever touches
// blocks still carrying a Direct kind).
func (t *Translator) buildTrace(entryPC uint64, read func(uint64) []byte) (*trace.LCFG, error) {
	tb := &trace.TraceBuilder{Read: read, Mangle: t.earlyMangle}
	factory := &trace.BlockFactory{
		LookupIndex: t.lookupIndex,
		FindInLCFG:  findInLCFG,
	}

	lc, err := tb.Build(entryPC, factory)
	if err != nil {
		return nil, err
	}

	for len(lc.Blocks) < maxTraceBlocks {
		grew := false
		for _, b := range lc.Blocks {
			if len(lc.Blocks) >= maxTraceBlocks {
				break
			}
			if b.Kind != trace.KindDirect {
				continue
			}
			factory.RequestBlock(b, trace.StrategyCheckIndexAndLCFG)
			grew = true
		}
		if !grew {
			break
		}
		if err := factory.Materialize(lc); err != nil {
			return nil, err
		}
	}

	return lc, nil
}
