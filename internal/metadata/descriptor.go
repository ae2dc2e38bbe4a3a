// Package metadata implements the per-block metadata record spec.md §3
// describes: a packed, descriptor-driven record split into Indexable,
// Mutable, and Unifiable equivalence policies, plus the built-in
// AppMetaData/CacheMetaData/IndexMetaData/StackMetaData kinds.
// Grounded on original_source/granary/metadata.{h,cc}'s
// ToolMetaData/IndexableMetaData/MutableMetaData/UnifiableMetaData CRTP
// split and its MetaDataDescription virtual-table-of-function-pointers
// idea, re-expressed as Go interfaces and a slice of per-descriptor slots
// rather than an unsafe packed byte buffer: a manually offset-computed
// struct isn't how this problem is solved in idiomatic Go, but the
// "register once, freeze, allocate many" manager shape carries over
// directly.
package metadata

import (
	"fmt"
	"hash"
)

// UnificationStatus is the three-way verdict spec.md §3 describes for
// Unifiable metadata.
type UnificationStatus int

const (
	Accept UnificationStatus = iota
	Adapt
	Reject
)

func (s UnificationStatus) String() string {
	switch s {
	case Accept:
		return "accept"
	case Adapt:
		return "adapt"
	case Reject:
		return "reject"
	default:
		return "unknown"
	}
}

// Policy discriminates the three categories spec.md §3 names, "distinguished
// only by their equivalence policy".
type Policy uint8

const (
	PolicyIndexable Policy = iota
	PolicyMutable
	PolicyUnifiable
)

// Descriptor registers one metadata kind with a Manager (spec.md §3:
// "Descriptors register size, alignment, and function pointers for
// init / copy / destroy / hash / equals / can_unify"). Size/alignment have
// no Go-level meaning once slots are interface-boxed, so this keeps only
// the operations that matter to a garbage-collected runtime.
type Descriptor struct {
	// Name identifies the descriptor for diagnostics; it plays no role in
	// equality or hashing.
	Name string
	Policy Policy

	// New constructs a zero-value instance (spec.md "init").
	New func() any
	// CopyInit deep-copies v (spec.md "copy_initialize"), used by
	// Record.Copy.
	CopyInit func(v any) any
	// Hash folds v's serializable content into h; required (and only
	// called) for PolicyIndexable descriptors.
	Hash func(h hash.Hash64, v any)
	// Equals reports strict equality of a and b; required (and only
	// called) for PolicyIndexable descriptors.
	Equals func(a, b any) bool
	// CanUnify reports whether a can stand in for b; required (and only
	// called) for PolicyUnifiable descriptors.
	CanUnify func(a, b any) UnificationStatus
}

// offset is assigned by Manager.Register in registration order; it is the
// descriptor's frozen slot index within a Record once Manager.Finalize has
// run.
type registered struct {
	desc   *Descriptor
	offset int
}

// Manager packs all registered descriptors into a single per-block record
// layout, frozen at Finalize (spec.md §3: "per-descriptor offsets are
// frozen at startup"). Grounded on MetaDataManager's Register/Finalize/
// Allocate split in metadata.h.
type Manager struct {
	entries    []*registered
	byName     map[string]*registered
	finalized  bool
}

// NewManager creates an empty, unfinalized manager.
func NewManager() *Manager {
	return &Manager{byName: map[string]*registered{}}
}

// Register adds d to the manager, assigning it the next free offset. It
// panics if called after Finalize (spec.md: offsets are frozen at startup,
// so a late registration is a programming error, not a runtime condition to
// recover from) or with a duplicate name.
func (m *Manager) Register(d *Descriptor) {
	if m.finalized {
		panic("metadata: Register called after Finalize")
	}
	if _, exists := m.byName[d.Name]; exists {
		panic(fmt.Sprintf("metadata: descriptor %q already registered", d.Name))
	}
	r := &registered{desc: d, offset: len(m.entries)}
	m.entries = append(m.entries, r)
	m.byName[d.Name] = r
}

// Finalize freezes the record layout; further Register calls panic.
func (m *Manager) Finalize() { m.finalized = true }

// Allocate builds a new Record with every registered descriptor's New()
// already invoked (spec.md: "Allocate some meta-data").
func (m *Manager) Allocate() *Record {
	slots := make([]any, len(m.entries))
	for i, r := range m.entries {
		slots[i] = r.desc.New()
	}
	return &Record{manager: m, slots: slots}
}

// offsetOf resolves a descriptor name to its frozen slot index.
func (m *Manager) offsetOf(name string) int {
	r, ok := m.byName[name]
	if !ok {
		panic(fmt.Sprintf("metadata: descriptor %q was never registered", name))
	}
	return r.offset
}
