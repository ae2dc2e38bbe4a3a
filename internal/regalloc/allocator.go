package regalloc

import "sort"

// Allocator assigns architectural GPRs to the virtual registers produced by
// early mangling (spec.md §4.1, §4 RegisterAllocator). Grounded on the
// teacher's backend/regalloc/regalloc.go in spirit (live-range tracking,
// spill-on-demand via StoreRegisterBefore/ReloadRegisterBefore callbacks)
// but simplified from interval-tree graph coloring to a single linear scan
// over the trace's instructions in reverse-post-order: Granary traces are
// short, straight-line-dominated LCFGs (spec.md §3), so a one-pass scan with
// farthest-next-use eviction is both adequate and far simpler to verify than
// full interval coloring, and spec.md does not mandate a particular
// allocation algorithm, only its externally observable contract (every
// virtual ends up assigned a RealReg, or spilled through SpillSlots).
type Allocator struct {
	// Usable is the pool of GPRs the allocator may hand out. Callers
	// exclude registers reserved by the ABI (e.g. a register permanently
	// carrying the execution context pointer) before constructing this.
	Usable GPRSet
}

// NewAllocator creates an Allocator restricted to usable.
func NewAllocator(usable GPRSet) *Allocator {
	return &Allocator{Usable: usable}
}

// Run allocates every block of f, in reverse-post-order, as one continuous
// linear scan, then calls f.Done().
func (a *Allocator) Run(f Function) {
	var all []Instr
	for _, b := range f.ReversePostOrderBlocks() {
		all = append(all, b.Instrs()...)
	}

	nextUse := buildNextUseIndex(all)

	assigned := map[VRegID]RealReg{}
	spilled := map[VRegID]bool{}
	held := map[RealReg]VRegID{}
	free := a.Usable &^ f.ClobberedRegisters()

	for i, instr := range all {
		for _, acc := range instr.Accesses() {
			if acc.Sticky || acc.V.IsRealReg() {
				continue
			}
			id := acc.V.ID()
			r, already := assigned[id]
			if !already {
				if free.Empty() {
					victim, vr := pickVictim(held, nextUse, i)
					f.StoreRegisterBefore(FromID(victim).SetRealReg(vr), instr)
					delete(assigned, victim)
					delete(held, vr)
					spilled[victim] = true
					free = free.Add(vr)
				}
				r = takeLowest(free)
				free = free.Remove(r)
				assigned[id] = r
				held[r] = id
				if spilled[id] {
					f.ReloadRegisterBefore(acc.V.SetRealReg(r), instr)
					delete(spilled, id)
				}
			}
			instr.AssignReal(id, r)
		}

		for r, id := range held {
			if lastUseAt(nextUse, id, i) {
				delete(held, r)
				delete(assigned, id)
				free = free.Add(r)
			}
		}
	}
	f.Done()
}

// buildNextUseIndex records, for every virtual register id, the sorted list
// of positions (indices into all) at which it is accessed.
func buildNextUseIndex(all []Instr) map[VRegID][]int {
	idx := map[VRegID][]int{}
	for i, instr := range all {
		for _, acc := range instr.Accesses() {
			if acc.Sticky || acc.V.IsRealReg() {
				continue
			}
			id := acc.V.ID()
			idx[id] = append(idx[id], i)
		}
	}
	return idx
}

// lastUseAt reports whether position i is the last recorded use of id.
func lastUseAt(idx map[VRegID][]int, id VRegID, i int) bool {
	uses := idx[id]
	return len(uses) == 0 || uses[len(uses)-1] <= i
}

// nextUseAfter returns the smallest recorded position of id strictly after
// i, or -1 if id has no further use.
func nextUseAfter(idx map[VRegID][]int, id VRegID, i int) int {
	uses := idx[id]
	j := sort.SearchInts(uses, i+1)
	if j >= len(uses) {
		return -1
	}
	return uses[j]
}

// pickVictim chooses the resident virtual register with the farthest next
// use after i (or no next use at all), the classic Belady-style heuristic:
// evicting it costs the least in expected future reloads.
func pickVictim(held map[RealReg]VRegID, idx map[VRegID][]int, i int) (VRegID, RealReg) {
	var bestID VRegID
	var bestReg RealReg
	bestDistance := -2 // -2: unset, -1: no further use (best possible victim)
	// Deterministic iteration: walk candidate real registers in ascending
	// order rather than ranging the map directly.
	var regs []RealReg
	for r := range held {
		regs = append(regs, r)
	}
	sort.Slice(regs, func(i, j int) bool { return regs[i] < regs[j] })
	for _, r := range regs {
		id := held[r]
		dist := nextUseAfter(idx, id, i)
		if bestDistance == -2 || betterVictim(dist, bestDistance) {
			bestDistance, bestID, bestReg = dist, id, r
		}
	}
	return bestID, bestReg
}

// betterVictim reports whether a candidate with next-use distance d is a
// better eviction candidate than one with distance best: no-further-use
// (-1) beats everything, then farthest-next-use wins.
func betterVictim(d, best int) bool {
	if d == -1 {
		return best != -1
	}
	if best == -1 {
		return false
	}
	return d > best
}

func takeLowest(s GPRSet) RealReg {
	var found RealReg = RealRegInvalid
	s.Range(func(r RealReg) {
		if found == RealRegInvalid {
			found = r
		}
	})
	return found
}
