package edge

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/granaryproject/granary/internal/arch/amd64"
	"github.com/granaryproject/granary/internal/metadata"
)

// IndirectEdge is one indirect call/jump site's edge machinery (spec.md
// §4.9: "{in_edge_pc, out_edge_pc, out_edge_template, dest_meta_template,
// lock}"). One IndirectEdge exists per indirect branch site; its out-edge
// chain grows by one clone per distinct observed target.
type IndirectEdge struct {
	// InEdgePC is the committed address of the in_edge sequence (spec.md:
	// pushes scratch registers, loads &this_indirect_edge, and jumps
	// through out_edge_pc).
	InEdgePC uint64

	// OutEdgePC is the head of the out-edge chain: initially
	// go_to_granary's address, then atomically updated (with a release
	// fence, spec.md §5) to point at the most recently instantiated
	// clone.
	OutEdgePC uint64

	// OutEdgeTemplate is the uninstantiated compare-and-jump template
	// (spec.md: "a small code snippet"); Instantiate clones it per
	// target.
	OutEdgeTemplate []*amd64.Instruction
	// DestMetaTemplate seeds each clone's destination-lookup metadata
	// (app_pc differs per clone; everything else is shared).
	DestMetaTemplate *metadata.Record

	// Lock serializes template instantiation (spec.md §5: "Guarded by a
	// per-edge spinlock for the duration of template instantiation").
	Lock sync.Mutex

	clones []*OutEdgeClone
}

// OutEdgeClone is one instantiated `(app_pc -> cache_pc)` binding cloned
// from IndirectEdge's template (spec.md: "Instantiating an out-edge for a
// specific (app_pc -> cache_pc) pair clones the template... patching the
// immediate to -app_pc... relativizing the JRCXZ... rewritten to point to
// the previous value of out_edge_pc").
type OutEdgeClone struct {
	AppPC   uint64
	CachePC uint64

	// FallthroughToPrevPC is the address the clone's `JMP back_to_granary`
	// is rewritten to: the chain's previous head, so a miss falls through
	// to the next-older clone instead of straight to go_to_granary.
	FallthroughToPrevPC uint64

	Instrs   []*amd64.Instruction
	EdgeCode []byte
}

// LoadOutEdgePC / StoreOutEdgePC give atomic access to the chain head
// (spec.md §5: "Readers... read out_edge_pc with an ordinary load; the
// instantiator writes the new value last... with a release fence").
func (ie *IndirectEdge) LoadOutEdgePC() uint64    { return atomic.LoadUint64(&ie.OutEdgePC) }
func (ie *IndirectEdge) StoreOutEdgePC(pc uint64) { atomic.StoreUint64(&ie.OutEdgePC, pc) }

// BuildInEdge constructs the in_edge sequence (spec.md §4.9): shifts the
// redzone if needed, saves RCX/RDI (and RDX when target collides with
// RCX/RDI, which callers resolve before invoking this since the target
// register is chosen by whatever instruction this edge replaces), loads
// &this_indirect_edge into RDI, and jumps through [RDI + offsetof
// (out_edge_pc)].
func BuildInEdge(ie *IndirectEdge, targetReg amd64.Reg, shiftRedzone bool) []*amd64.Instruction {
	rcx := amd64.GPR(1, 8, false)
	rdi := amd64.GPR(7, 8, false)

	var out []*amd64.Instruction
	if shiftRedzone {
		out = append(out, amd64.Lea(amd64.GPR(4, 8, false), amd64.Memory{
			Base: amd64.GPR(4, 8, false), Disp: -redzoneBytes,
		}))
	}
	needsRDX := targetReg.Kind == amd64.RegArchGPR && (targetReg.RegNum == rcx.RegNum || targetReg.RegNum == rdi.RegNum)
	if needsRDX {
		rdx := amd64.GPR(2, 8, false)
		out = append(out, amd64.PushR(rdx), amd64.MovRR(rdx, targetReg))
	}
	out = append(out, amd64.PushR(rcx), amd64.PushR(rdi))
	out = append(out, amd64.MovRI(rdi, int64(uintptr(unsafe.Pointer(ie)))))

	// JMP [&ie.OutEdgePC]: the indirection spec.md describes as "JMP [RDI
	// + offset(out_edge_pc)]" — here expressed as a direct absolute
	// pointer to the Go field rather than an offset from &ie, since
	// internal/edge addresses out_edge_pc by its own real address (see
	// entryTargetAddr's doc on DirectEdge for the same idiom).
	scratch := amd64.GPR(0, 8, false)
	out = append(out,
		amd64.MovRI(scratch, int64(uintptr(unsafe.Pointer(&ie.OutEdgePC)))),
		amd64.JmpMem(amd64.Memory{Base: scratch}),
	)
	return out
}

// redzoneBytes is the System V AMD64 ABI red zone (spec.md §4.10: "Both
// trampolines check REDZONE_SIZE_BYTES at assembly time").
const redzoneBytes = 128

// BuildOutEdgeTemplate constructs the shared, uninstantiated out-edge
// template (spec.md §4.9's `out_edge_template_begin` block): compare
// target against an app_pc that Instantiate later patches in, jump to
// exit_hit on a match, else fall through to the previous chain head.
func BuildOutEdgeTemplate(targetReg amd64.Reg) []*amd64.Instruction {
	rcx := amd64.GPR(1, 8, false)
	cmp := amd64.MovRI(rcx, 0) // patched per clone to -app_pc
	lea := amd64.Lea(rcx, amd64.Memory{Base: rcx, Index: targetReg, Scale: 1})
	jrcxz := amd64.LoopRel(amd64.Jrcxz, 0) // relativized per clone to exit_hit
	missJmp := amd64.JmpRel(0)             // relativized per clone to the previous chain head
	return []*amd64.Instruction{cmp, lea, jrcxz, missJmp}
}

// Instantiate clones ie's out-edge template for the binding (appPC ->
// cachePC), chaining its miss jump to the current chain head and recording
// it on ie (spec.md §4.11: "step 8 is replaced by a call to
// InstantiateIndirectEdge... while holding the edge's spinlock"). It does
// not publish the clone as the new chain head; PublishClone does that once
// the caller has committed the clone.
func (ie *IndirectEdge) Instantiate(appPC, cachePC uint64, targetReg amd64.Reg) *OutEdgeClone {
	ie.Lock.Lock()
	defer ie.Lock.Unlock()

	prevHead := ie.LoadOutEdgePC()

	rcx := amd64.GPR(1, 8, false)
	cmp := amd64.MovRI(rcx, -int64(appPC))
	lea := amd64.Lea(rcx, amd64.Memory{Base: rcx, Index: targetReg, Scale: 1})
	jrcxz := amd64.LoopRel(amd64.Jrcxz, cachePC)
	missJmp := amd64.JmpRel(prevHead)

	clone := &OutEdgeClone{
		AppPC:               appPC,
		CachePC:             cachePC,
		FallthroughToPrevPC: prevHead,
		Instrs:              []*amd64.Instruction{cmp, lea, jrcxz, missJmp},
	}
	ie.clones = append(ie.clones, clone)
	return clone
}

// PublishClone atomically sets ie's out-edge chain head to clone's
// committed address, after the caller has encoded clone.EdgeCode under a
// code-cache transaction (spec.md §5: "the instantiator writes the new
// value last, after all cloned bytes are in place, with a release
// fence"). Go's atomic.StoreUint64 on amd64 already issues the needed
// store-release; no explicit fence instruction is required.
func (ie *IndirectEdge) PublishClone(clone *OutEdgeClone, committedPC uint64) {
	clone.CachePC = committedPC
	ie.StoreOutEdgePC(committedPC)
}

// Clones returns every out-edge instantiated so far, oldest first.
func (ie *IndirectEdge) Clones() []*OutEdgeClone {
	ie.Lock.Lock()
	defer ie.Lock.Unlock()
	out := make([]*OutEdgeClone, len(ie.clones))
	copy(out, ie.clones)
	return out
}
