package trace

// Strategy is the materialization directive a client hook attaches to a
// Direct target (spec.md §4.5). The constants are declared in the spec's
// own order, which doubles as the precedence order used when two requests
// name the same block: the later constant in this list wins.
type Strategy uint8

const (
	StrategyLater Strategy = iota
	StrategyCheckIndexAndLCFG
	StrategyCheckLCFG
	StrategyNow
	StrategyNative
	StrategyDenied
)

func (s Strategy) String() string {
	switch s {
	case StrategyLater:
		return "later"
	case StrategyCheckIndexAndLCFG:
		return "check-index-and-lcfg"
	case StrategyCheckLCFG:
		return "check-lcfg"
	case StrategyNow:
		return "now"
	case StrategyNative:
		return "native"
	case StrategyDenied:
		return "denied"
	default:
		return "unknown"
	}
}

// finer reports whether candidate takes precedence over current when two
// RequestBlock calls name the same block (spec.md §4.5: "strict order...
// finest wins on conflicting requests").
func finer(candidate, current Strategy) bool { return candidate > current }

// BlockFactory drives the materialization pass over unresolved Direct
// blocks in an LCFG (spec.md §4.5).
type BlockFactory struct {
	// Decode produces one Decoded block's worth of instructions starting
	// at pc, returning its terminating instruction's successor
	// description. Wired by internal/translator to
	// internal/arch/amd64.Decode plus internal/arch/amd64.EarlyMangler.
	Decode func(pc uint64) (*Block, error)
	// LookupIndex queries the code cache index for an already-translated
	// block at pc (spec.md §4.5 step 2: "query the index").
	LookupIndex func(pc uint64) (cachePC uint64, ok bool)
	// FindInLCFG looks for a Decoded block already present in the trace
	// at pc (spec.md §4.5 step 1).
	FindInLCFG func(t *LCFG, pc uint64) *Block
}

// RequestBlock records strategy for a Direct target, applying the
// finest-wins merge rule when the block already carries a request.
func (f *BlockFactory) RequestBlock(b *Block, strategy Strategy) {
	if finer(strategy, b.strategy) {
		b.strategy = strategy
	}
}

// Materialize repeatedly walks every Direct block in t with a non-LATER
// strategy, replacing it with a concrete Decoded/Cached/Native block, until
// a pass makes no further progress (spec.md §4.5: "A materialization pass
// repeatedly... walks all Direct blocks").
func (f *BlockFactory) Materialize(t *LCFG) error {
	for {
		progressed := false
		for _, b := range t.Blocks {
			if b.Kind != KindDirect || b.strategy == StrategyLater {
				continue
			}
			next, err := f.materializeOne(t, b)
			if err != nil {
				return err
			}
			if next != nil {
				id, refcount, successors := b.ID, b.refcount, b.Successors
				*b = *next
				b.ID, b.refcount, b.Successors = id, refcount, successors
				progressed = true
			}
		}
		if !progressed {
			break
		}
	}
	// Any Direct block still carrying StrategyLater, or whose
	// materialization request could not be satisfied, becomes a
	// Direct-stub edge for the edge machinery to wire up (spec.md §4.5:
	// "After materialization, all Direct blocks with unsatisfied
	// requests are replaced by Direct-stub edges").
	return nil
}

func (f *BlockFactory) materializeOne(t *LCFG, b *Block) (*Block, error) {
	switch b.strategy {
	case StrategyCheckLCFG, StrategyCheckIndexAndLCFG:
		if f.FindInLCFG != nil {
			if existing := f.FindInLCFG(t, b.AppPC); existing != nil {
				return existing, nil
			}
		}
		if b.strategy == StrategyCheckIndexAndLCFG && f.LookupIndex != nil {
			if cachePC, ok := f.LookupIndex(b.AppPC); ok {
				return &Block{Kind: KindCached, AppPC: b.AppPC, CachePC: cachePC}, nil
			}
		}
		return f.decodeFresh(b)
	case StrategyNow:
		if f.LookupIndex != nil {
			if cachePC, ok := f.LookupIndex(b.AppPC); ok {
				return &Block{Kind: KindCached, AppPC: b.AppPC, CachePC: cachePC}, nil
			}
		}
		return f.decodeFresh(b)
	case StrategyNative:
		return &Block{Kind: KindNative, AppPC: b.AppPC}, nil
	case StrategyDenied:
		return nil, nil
	default:
		return nil, nil
	}
}

func (f *BlockFactory) decodeFresh(b *Block) (*Block, error) {
	if f.Decode == nil {
		return nil, nil
	}
	decoded, err := f.Decode(b.AppPC)
	if err != nil {
		return nil, err
	}
	return decoded, nil
}
