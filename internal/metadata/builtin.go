package metadata

import (
	"encoding/binary"
	"hash"
)

// AppMetaData is the origin app_pc a block was decoded from (spec.md §3:
// "AppMetaData (origin app_pc)"). Indexable: two blocks decoded from the
// same application address are interchangeable translations.
type AppMetaData struct {
	AppPC uint64
}

// AppMetaDataDescriptor is the built-in descriptor for AppMetaData.
var AppMetaDataDescriptor = &Descriptor{
	Name:   "AppMetaData",
	Policy: PolicyIndexable,
	New:    func() any { return &AppMetaData{} },
	CopyInit: func(v any) any {
		c := *v.(*AppMetaData)
		return &c
	},
	Hash: func(h hash.Hash64, v any) {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], v.(*AppMetaData).AppPC)
		h.Write(b[:])
	},
	Equals: func(a, b any) bool {
		return a.(*AppMetaData).AppPC == b.(*AppMetaData).AppPC
	},
}

// CacheMetaData is Granary's own bookkeeping about where a block landed in
// the code cache (spec.md §3: "CacheMetaData (encoded start_pc, list of
// native addresses)"). Mutable: it changes after a block is first committed
// (the cache_pc is only known post-encode) and never participates in index
// equality.
type CacheMetaData struct {
	StartPC        uint64
	NativeAddresses []uint64
}

// CacheMetaDataDescriptor is the built-in descriptor for CacheMetaData.
var CacheMetaDataDescriptor = &Descriptor{
	Name:   "CacheMetaData",
	Policy: PolicyMutable,
	New:    func() any { return &CacheMetaData{} },
	CopyInit: func(v any) any {
		src := v.(*CacheMetaData)
		c := &CacheMetaData{StartPC: src.StartPC}
		c.NativeAddresses = append(c.NativeAddresses, src.NativeAddresses...)
		return c
	},
}

// IndexMetaData is the index's own intrusive bucket-chain pointer (spec.md
// §3: "IndexMetaData (intrusive next-pointer for index bucket)"). Mutable:
// purely internal bookkeeping, never compared.
type IndexMetaData struct {
	Next *Record
}

// IndexMetaDataDescriptor is the built-in descriptor for IndexMetaData.
var IndexMetaDataDescriptor = &Descriptor{
	Name:   "IndexMetaData",
	Policy: PolicyMutable,
	New:    func() any { return &IndexMetaData{} },
	CopyInit: func(v any) any {
		// The chain pointer is index-local bookkeeping; a copy starts
		// detached from whatever bucket its source belonged to.
		return &IndexMetaData{}
	},
}

// StackMetaData records what the translator currently assumes about the
// native stack at a block's entry (spec.md §3: "StackMetaData
// (has_stack_hint, behaves_like_callstack)"). Unifiable: two blocks whose
// stack assumptions differ can still share a translation via a
// compensation block that reconciles the difference (spec.md §3
// "Compensation"), so this is an adaptable policy rather than an
// indexable or purely-mutable one — decided here since spec.md names the
// fields but not the policy; recorded in DESIGN.md.
type StackMetaData struct {
	HasStackHint         bool
	BehavesLikeCallstack bool
}

// StackMetaDataDescriptor is the built-in descriptor for StackMetaData.
var StackMetaDataDescriptor = &Descriptor{
	Name:   "StackMetaData",
	Policy: PolicyUnifiable,
	New:    func() any { return &StackMetaData{} },
	CopyInit: func(v any) any {
		c := *v.(*StackMetaData)
		return &c
	},
	CanUnify: func(a, b any) UnificationStatus {
		x, y := a.(*StackMetaData), b.(*StackMetaData)
		if x.HasStackHint == y.HasStackHint && x.BehavesLikeCallstack == y.BehavesLikeCallstack {
			return Accept
		}
		// x stands in for y (in cache.Index.Lookup, x is the existing
		// record and y the query): a translation that assumed the stack
		// behaves like a call stack can't safely serve a block that makes
		// no such assumption. Every other difference, has_stack_hint in
		// either direction included, is adapted.
		if x.BehavesLikeCallstack && !y.BehavesLikeCallstack {
			return Reject
		}
		return Adapt
	},
}

// RegisterBuiltins registers the four built-in descriptors with m. Tools
// register their own descriptors before calling this or Finalize; order
// between builtins and tool descriptors does not matter since Record.Cast
// addresses slots by name.
func RegisterBuiltins(m *Manager) {
	m.Register(AppMetaDataDescriptor)
	m.Register(CacheMetaDataDescriptor)
	m.Register(IndexMetaDataDescriptor)
	m.Register(StackMetaDataDescriptor)
}
