// Package cache implements the two-arena code cache spec.md §4.8/§5
// describes: a block-code arena and an edge-code arena, each a
// page-aligned RWX range allocated bump-pointer-first with a free-bitmap
// fallback, plus write transactions over sub-ranges and the two-level
// metadata index. Grounded on the teacher's
// internal/engine/compiler/engine_cache.go (add/get, mutex-guarded map of
// committed code) for the overall "committed code lives behind a lock,
// lookups prefer the fast path" shape, generalized from "one cache entry
// per wasm module" to "one bump allocator per code-cache arena".
package cache

import (
	"fmt"
	"sync"

	"github.com/granaryproject/granary/internal/platform"
)

// granule is the minimum allocation unit the free-bitmap fallback tracks
// (spec.md §4.8: "bump-pointer per arena with a free-bitmap fallback").
const granule = 16

// ErrArenaFull is returned once neither the bump pointer nor the free-bitmap
// fallback can satisfy a request.
var ErrArenaFull = fmt.Errorf("cache: arena exhausted")

// Arena is one fixed, page-grained RWX range (spec.md §4.8: "a pair of
// fixed arenas... each a page-aligned range of RWX... memory").
type Arena struct {
	mu   sync.Mutex
	mem  []byte
	bump int

	// freeBits is a bitset over granule-sized slots within mem[:bump]; a
	// set bit marks a freed (and thus reusable) slot. Only consulted once
	// the bump pointer can no longer satisfy a request (spec.md: "bump-
	// pointer... with a free-bitmap fallback").
	freeBits []uint64

	locks rangeLocks
}

// NewArena wraps pages (obtained from internal/platform.AllocateCodePages
// or AllocateDataPages) as a bump/free-bitmap arena.
func NewArena(pages []byte) *Arena {
	numGranules := (len(pages) + granule - 1) / granule
	return &Arena{
		mem:      pages,
		freeBits: make([]uint64, (numGranules+63)/64),
	}
}

// NewCodeArena allocates n pages of patchable-executable memory and wraps
// them as an Arena.
func NewCodeArena(pages int) (*Arena, error) {
	mem, err := platform.AllocateCodePages(pages)
	if err != nil {
		return nil, err
	}
	return NewArena(mem), nil
}

func alignUp(n, to int) int { return (n + to - 1) &^ (to - 1) }

// Alloc reserves n bytes, bump-pointer first, falling back to a
// first-fit scan of freed granules once the bump pointer is exhausted.
func (a *Arena) Alloc(n int) ([]byte, error) {
	if n <= 0 {
		return nil, fmt.Errorf("cache: alloc size must be positive, got %d", n)
	}
	size := alignUp(n, granule)

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.bump+size <= len(a.mem) {
		start := a.bump
		a.bump += size
		return a.mem[start : start+size], nil
	}

	needGranules := size / granule
	if start, ok := a.firstFit(needGranules); ok {
		a.markGranules(start, needGranules, false)
		byteStart := start * granule
		return a.mem[byteStart : byteStart+size], nil
	}
	return nil, ErrArenaFull
}

// firstFit scans freeBits for the first run of need consecutive set bits,
// below the bump pointer (spec.md's free-bitmap fallback; a plain `for`
// loop carries the "first-fit" search exactly as the original's manual
// scan did, with no `goto` needed).
func (a *Arena) firstFit(need int) (int, bool) {
	totalGranules := a.bump / granule
	run := 0
	start := 0
	for g := 0; g < totalGranules; g++ {
		if a.bitSet(g) {
			if run == 0 {
				start = g
			}
			run++
			if run == need {
				return start, true
			}
		} else {
			run = 0
		}
	}
	return 0, false
}

func (a *Arena) bitSet(g int) bool {
	return a.freeBits[g/64]&(1<<uint(g%64)) != 0
}

func (a *Arena) markGranules(start, count int, free bool) {
	for g := start; g < start+count; g++ {
		word, bit := g/64, uint(g%64)
		if free {
			a.freeBits[word] |= 1 << bit
		} else {
			a.freeBits[word] &^= 1 << bit
		}
	}
}

// Free returns region (previously obtained from Alloc) to the free-bitmap
// fallback pool. It is a no-op for memory that falls entirely below
// granule alignment drift; callers always pass back exactly what Alloc
// returned.
func (a *Arena) Free(region []byte) {
	if len(region) == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	start := a.offsetOf(region) / granule
	count := len(region) / granule
	a.markGranules(start, count, true)
}

// offsetOf recovers region's starting offset within a.mem without unsafe
// pointer arithmetic: every region Alloc hands out is a two-index slice
// expression a.mem[start:start+size], so its capacity is exactly
// len(a.mem)-start (mem itself always has len == cap, coming straight from
// platform.AllocateCodePages).
func (a *Arena) offsetOf(region []byte) int {
	return len(a.mem) - cap(region)
}
