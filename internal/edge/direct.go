// Package edge implements the direct- and indirect-edge stub machinery
// spec.md §4.9 describes: the small pieces of generated code that sit
// between a translated block and an as-yet-untranslated (or
// not-yet-resolved) successor, plus the patching protocol that lets a
// running thread discover a destination the moment it exists. Grounded
// on original_source/arch/x86-64/direct_edge.cc and indirect_edge.cc for
// the stub shapes, and on the teacher's module_engine.go
// (`uint64(uintptr(unsafe.Pointer(&field)))`) for embedding a Go value's
// real address into generated code — the same "opaque params block"
// idiom wazero uses to hand its JIT'd code pointers into Go-owned memory.
package edge

import (
	"sync/atomic"
	"unsafe"

	"github.com/granaryproject/granary/internal/arch/amd64"
	"github.com/granaryproject/granary/internal/metadata"
)

// DirectEdge is one unresolved direct successor's stub (spec.md §4.9:
// "{entry_target, exit_target, dest_meta, edge_code, patch_instruction}").
type DirectEdge struct {
	// EntryTarget / ExitTarget are the two patched fields, accessed only
	// via the atomic accessors below (spec.md §5: "a single 8-byte
	// aligned store... readers see either the old fallback target or the
	// new destination with no intermediate state"). Both start out equal
	// to the stub's own FALLBACK address.
	EntryTarget uint64
	ExitTarget  uint64

	// DestMeta is the metadata the requested successor must match;
	// internal/translator consults it when deciding whether an existing
	// cache entry satisfies this edge or a fresh translation is needed.
	DestMeta *metadata.Record

	// Instrs is the stub's instruction-IR form, built by
	// BuildDirectEdgeStub; EdgeCode is the committed bytes once
	// internal/translator has encoded and installed it in the edge
	// arena.
	Instrs   []*amd64.Instruction
	EdgeCode []byte

	// PatchInstruction is the branching instruction, in the block that
	// owns this edge, whose target internal/translator rewrites to this
	// edge's ENTRY once the edge has a cache address (spec.md §4.11 step
	// 8: "Wire direct-edge patch_instruction pointers from each
	// branching instruction's encoded PC").
	PatchInstruction *amd64.Instruction
}

// LoadEntryTarget / LoadExitTarget / StoreEntryTarget / StoreExitTarget
// give atomic access to the two patched fields.
func (e *DirectEdge) LoadEntryTarget() uint64   { return atomic.LoadUint64(&e.EntryTarget) }
func (e *DirectEdge) LoadExitTarget() uint64    { return atomic.LoadUint64(&e.ExitTarget) }
func (e *DirectEdge) StoreEntryTarget(v uint64) { atomic.StoreUint64(&e.EntryTarget, v) }
func (e *DirectEdge) StoreExitTarget(v uint64)  { atomic.StoreUint64(&e.ExitTarget, v) }

// IsResolved reports whether this edge's destination has already been
// translated: entry_target no longer points back at the stub's own
// fallback path (spec.md: "subsequent executions skip the stub entirely
// on the first jump").
func (e *DirectEdge) IsResolved(fallbackPC uint64) bool {
	return e.LoadEntryTarget() != fallbackPC
}

// entryTargetAddr / exitTargetAddr expose the real address of e's two
// patched fields, for embedding into the generated stub's `MOV reg,
// imm64` that loads the slot pointer before dereferencing it (the
// two-instruction `MOV reg, &slot; JMP [reg]` idiom this package uses in
// place of a single `JMP [slot]`, since an arbitrary Go-allocated slot
// need not sit within a RIP-relative ±2GiB window of the stub itself;
// see BuildDirectEdgeStub). Both fields are pinned for the process
// lifetime of the edge (DirectEdge is always heap-allocated and kept
// alive by the index/cache that owns it), so taking their address here
// is the same "hand a stable Go address to generated code" pattern the
// teacher's module_engine.go uses for its opaque call-frame fields.
func (e *DirectEdge) entryTargetAddr() uint64 { return uint64(uintptr(unsafe.Pointer(&e.EntryTarget))) }
func (e *DirectEdge) exitTargetAddr() uint64  { return uint64(uintptr(unsafe.Pointer(&e.ExitTarget))) }

// BuildDirectEdgeStub constructs the instruction-IR form of spec.md
// §4.9's direct-edge stub:
//
//	ENTRY:    MOV  scratch, &entry_target
//	          JMP  [scratch]              ; initially falls to FALLBACK
//	FALLBACK: PUSH RDI
//	          MOV  RDI, &this_edge
//	          CALL trampolineAddr         ; direct_edge_entry
//	          POP  RDI
//	          MOV  scratch, &exit_target
//	          JMP  [scratch]              ; initially back to FALLBACK
//	          UD2
//
// scratch is RAX: a direct-edge stub is only ever reached via a CALL/JMP
// from translated code, at a point no live value has been assigned RAX
// yet (spec.md §4.9 doesn't name a register; RAX is the teacher's
// `original_source` convention for throwaway edge-stub scratch).
//
// trampolineAddr is the shared direct_edge_entry trampoline's address
// (built by cmd/granary's buildSharedTrampolines); e's EntryTarget/ExitTarget are initialized to the
// FALLBACK label's eventual encoded PC once internal/translator commits
// this stub (BuildDirectEdgeStub only returns the IR; the caller reads
// back the FALLBACK label's resolved PC after staging to seed both
// fields).
func BuildDirectEdgeStub(e *DirectEdge, trampolineAddr uint64) (instrs []*amd64.Instruction, fallbackLabel int) {
	const fallback = 1
	scratch := amd64.GPR(0, 8, false) // RAX

	entryLoad := amd64.MovRI(scratch, int64(e.entryTargetAddr()))
	entryJump := amd64.JmpMem(amd64.Memory{Base: scratch})

	fallbackLabelInstr := amd64.NewLabel(fallback)

	pushRDI := amd64.PushR(amd64.GPR(7, 8, false))
	loadEdge := amd64.MovRI(amd64.GPR(7, 8, false), int64(uintptr(unsafe.Pointer(e))))
	call := amd64.CallRel(trampolineAddr)
	popRDI := amd64.PopR(amd64.GPR(7, 8, false))

	exitLoad := amd64.MovRI(scratch, int64(e.exitTargetAddr()))
	exitJump := amd64.JmpMem(amd64.Memory{Base: scratch})

	instrs = []*amd64.Instruction{
		entryLoad, entryJump,
		fallbackLabelInstr,
		pushRDI, loadEdge, call, popRDI,
		exitLoad, exitJump,
		amd64.UD2(),
	}
	return instrs, fallback
}
