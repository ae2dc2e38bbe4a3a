// Package module tracks the host's loaded-module manifest (spec.md §6):
// per-module address ranges with insertion-time merge/split, plus the
// lookup surfaces internal/translator needs to classify an application PC.
// Grounded on original_source/os/module.cc's Module/ModuleManager pair;
// the teacher has no analogous component (wazero compiles one WASM module
// at a time and never re-derives a host address space), so the
// reader-writer discipline and range-conflict algorithm are both taken
// directly from module.cc rather than adapted from teacher code.
package module

import "sort"

// Kind names the module categories spec.md's glossary recognizes:
// {Program, Granary, GranaryClient, KernelModule/SharedLibrary, Dynamic}.
type Kind uint8

const (
	KindProgram Kind = iota
	KindGranary
	KindGranaryClient
	// KindSharedLibrary also covers a loaded kernel module: module.h's
	// ModuleKind aliases KERNEL_MODULE and SHARED_LIBRARY to the same
	// value, since user-space and kernel-space builds never both exist in
	// one process.
	KindSharedLibrary
	KindDynamic // e.g. anonymous mmap regions the OS can't otherwise name
)

// Permission is the bitset module.h's internal::ModuleAddressRange carries
// alongside each range.
type Permission uint8

const (
	PermRead Permission = 1 << iota
	PermWrite
	PermExecute
	PermCopyOnWrite
)

// AddressRange is one contiguous, permission-uniform region of a module
// (os/module.cc's ModuleAddressRange): runtime addresses [BeginAddr,
// EndAddr) map to static file offsets starting at BeginOffset.
type AddressRange struct {
	BeginAddr, EndAddr uint64
	BeginOffset        uint64
	Perms              Permission
}

// EndOffset is the static offset one past this range's last byte.
func (r AddressRange) EndOffset() uint64 { return r.BeginOffset + (r.EndAddr - r.BeginAddr) }

// Module is one entry in the manifest: a name, a kind, and a sorted,
// non-overlapping list of address ranges (spec.md §6: "ranges within a
// module are merged/split on insertion so that overlapping insertions
// produce a clean non-overlapping list sorted by begin_addr"). Represented
// as a slice rather than os/module.cc's intrusive linked list: Go has no
// manual allocator for Module to amortize, so there's nothing the
// linked-list representation buys here that a sorted slice doesn't do
// more simply.
type Module struct {
	kind Kind
	name string

	// ranges is always kept sorted by BeginAddr with no two entries
	// overlapping; every mutation goes through addRangeNoConflict after
	// removeRangeConflicts has cleared the way (os/module.cc's AddRange).
	ranges []AddressRange
}

// New creates an empty module of the given kind and name.
func New(kind Kind, name string) *Module {
	return &Module{kind: kind, name: name}
}

// Kind returns this module's kind.
func (m *Module) Kind() Kind { return m.kind }

// Name returns this module's name.
func (m *Module) Name() string { return m.name }

// findRange mirrors os/module.cc's FindRange: ranges is sorted by
// BeginAddr, so the scan can stop the moment it passes pc.
func findRange(ranges []AddressRange, pc uint64) (AddressRange, bool) {
	for _, r := range ranges {
		if r.BeginAddr <= pc && pc < r.EndAddr {
			return r, true
		}
		if r.BeginAddr > pc {
			break
		}
	}
	return AddressRange{}, false
}

// Contains reports whether pc falls within one of this module's ranges.
func (m *Module) Contains(pc uint64) bool {
	_, ok := findRange(m.ranges, pc)
	return ok
}

// OffsetOf returns the static file offset corresponding to pc, and
// whether pc falls within this module at all (os/module.cc's OffsetOf).
func (m *Module) OffsetOf(pc uint64) (offset uint64, ok bool) {
	r, ok := findRange(m.ranges, pc)
	if !ok {
		return 0, false
	}
	return r.BeginOffset + (pc - r.BeginAddr), true
}

// Ranges returns a defensive copy of this module's current range list,
// sorted by BeginAddr.
func (m *Module) Ranges() []AddressRange {
	out := make([]AddressRange, len(m.ranges))
	copy(out, m.ranges)
	return out
}

// AddRange inserts [beginAddr, endAddr) at the given static offset and
// permission set, splitting or shrinking any existing ranges it overlaps
// (os/module.cc's Module::AddRange / RemoveRangeConflicts /
// AddRangeNoConflict). A reversed span (beginAddr > endAddr) is
// normalized by swapping, matching the original's fallback branch.
func (m *Module) AddRange(beginAddr, endAddr, beginOffset uint64, perms Permission) {
	if beginAddr > endAddr {
		beginAddr, endAddr = endAddr, beginAddr
	}
	if beginAddr == endAddr {
		return
	}
	m.removeRangeConflicts(beginAddr, endAddr)
	m.addRangeNoConflict(AddressRange{BeginAddr: beginAddr, EndAddr: endAddr, BeginOffset: beginOffset, Perms: perms})
}

// RemoveRange deletes [beginAddr, endAddr) from this module, splitting or
// shrinking any range it partially overlaps.
func (m *Module) RemoveRange(beginAddr, endAddr uint64) {
	m.removeRangeConflicts(beginAddr, endAddr)
}

// removeRangeConflicts clears [beginAddr, endAddr) out of m.ranges,
// splitting a range that strictly contains the span, shrinking one that
// overlaps on only one side, and dropping one fully subsumed by it
// (os/module.cc's RemoveRangeConflicts, translated from its zipper-based
// in-place edit to a rebuild-and-resort pass since a slice can't splice a
// node in without shifting).
func (m *Module) removeRangeConflicts(beginAddr, endAddr uint64) {
	out := make([]AddressRange, 0, len(m.ranges)+1)
	for _, r := range m.ranges {
		if r.BeginAddr >= endAddr || r.EndAddr <= beginAddr {
			out = append(out, r) // no overlap
			continue
		}
		if r.BeginAddr < beginAddr {
			if endAddr < r.EndAddr {
				// range is strictly contained in r: keep the tail past it.
				out = append(out, AddressRange{
					BeginAddr:   endAddr,
					EndAddr:     r.EndAddr,
					BeginOffset: r.BeginOffset + (endAddr - r.BeginAddr),
					Perms:       r.Perms,
				})
			}
			r.EndAddr = beginAddr // r overlaps on the right; shrink it.
		} else if endAddr < r.EndAddr {
			r.BeginOffset += endAddr - r.BeginAddr
			r.BeginAddr = endAddr // r overlaps on the left; shrink it.
		} else {
			continue // r is fully subsumed; drop it.
		}
		if r.BeginAddr < r.EndAddr {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BeginAddr < out[j].BeginAddr })
	m.ranges = out
}

// addRangeNoConflict inserts r at its sorted position; the caller must
// already have cleared any overlap via removeRangeConflicts.
func (m *Module) addRangeNoConflict(r AddressRange) {
	i := sort.Search(len(m.ranges), func(i int) bool { return m.ranges[i].BeginAddr > r.BeginAddr })
	m.ranges = append(m.ranges, AddressRange{})
	copy(m.ranges[i+1:], m.ranges[i:])
	m.ranges[i] = r
}
