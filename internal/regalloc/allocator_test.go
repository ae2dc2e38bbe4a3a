package regalloc

import (
	"testing"

	"github.com/granaryproject/granary/internal/testing/require"
)

// fakeInstr is a minimal Instr used to drive the allocator in isolation
// from internal/arch/amd64.
type fakeInstr struct {
	accesses []VRegAccess
	assigned map[VRegID]RealReg
	isCall   bool
}

func (f *fakeInstr) Accesses() []VRegAccess { return f.accesses }
func (f *fakeInstr) AssignReal(id VRegID, r RealReg) {
	if f.assigned == nil {
		f.assigned = map[VRegID]RealReg{}
	}
	f.assigned[id] = r
}
func (f *fakeInstr) IsCall() bool { return f.isCall }

func use(id VRegID) VRegAccess { return VRegAccess{V: FromID(id)} }
func def(id VRegID) VRegAccess { return VRegAccess{V: FromID(id), Write: true, FullWrite: true} }

type fakeBlock struct {
	id     int
	instrs []Instr
}

func (b *fakeBlock) ID() int          { return b.id }
func (b *fakeBlock) Instrs() []Instr  { return b.instrs }

type fakeFunc struct {
	blocks  []Block
	stores  []VReg
	reloads []VReg
}

func (f *fakeFunc) ReversePostOrderBlocks() []Block { return f.blocks }
func (f *fakeFunc) ClobberedRegisters() GPRSet       { return 0 }
func (f *fakeFunc) StoreRegisterBefore(v VReg, _ Instr) {
	f.stores = append(f.stores, v)
}
func (f *fakeFunc) ReloadRegisterBefore(v VReg, _ Instr) {
	f.reloads = append(f.reloads, v)
}
func (f *fakeFunc) Done() {}

func TestAllocator_AssignsDistinctRegisters(t *testing.T) {
	i1 := &fakeInstr{accesses: []VRegAccess{def(0)}}
	i2 := &fakeInstr{accesses: []VRegAccess{def(1)}}
	i3 := &fakeInstr{accesses: []VRegAccess{use(0), use(1)}}
	blk := &fakeBlock{instrs: []Instr{i1, i2, i3}}
	f := &fakeFunc{blocks: []Block{blk}}

	a := NewAllocator(GPRSet(0).Add(RAX).Add(RCX).Add(RDX))
	a.Run(f)

	require.NotEqual(t, i1.assigned[0], i2.assigned[1])
	require.Equal(t, i1.assigned[0], i3.assigned[0])
	require.Equal(t, i2.assigned[1], i3.assigned[1])
	require.Len(t, f.stores, 0)
}

func TestAllocator_SpillsUnderPressure(t *testing.T) {
	// Only one usable register, but two live virtuals: the second
	// definition must spill the first.
	i1 := &fakeInstr{accesses: []VRegAccess{def(0)}}
	i2 := &fakeInstr{accesses: []VRegAccess{def(1)}}
	i3 := &fakeInstr{accesses: []VRegAccess{use(0)}}
	i4 := &fakeInstr{accesses: []VRegAccess{use(1)}}
	blk := &fakeBlock{instrs: []Instr{i1, i2, i3, i4}}
	f := &fakeFunc{blocks: []Block{blk}}

	a := NewAllocator(GPRSet(0).Add(RAX))
	a.Run(f)

	require.Len(t, f.stores, 1)
	require.Len(t, f.reloads, 1)
	require.Equal(t, VRegID(0), f.stores[0].ID())
	require.Equal(t, VRegID(0), f.reloads[0].ID())
}

func TestAllocator_StickyOperandsAreUntouched(t *testing.T) {
	sticky := VRegAccess{V: FromRealReg(RDI), Sticky: true}
	i1 := &fakeInstr{accesses: []VRegAccess{sticky}}
	blk := &fakeBlock{instrs: []Instr{i1}}
	f := &fakeFunc{blocks: []Block{blk}}

	a := NewAllocator(GPRSet(0).Add(RAX))
	a.Run(f)

	require.Len(t, i1.assigned, 0)
}

func TestGPRSet_ExcludesRSP(t *testing.T) {
	var s GPRSet
	s = s.Add(RSP)
	require.False(t, s.Has(RSP))
	require.True(t, s.Empty())
}

func TestLiveRegisterSet_PartialWriteRevives(t *testing.T) {
	live := NewLiveRegisterSet(0)
	// Walking backwards: a partial write of RAX (e.g. writing AL) must not
	// kill RAX's liveness, since the rest of the register may still be
	// read further back.
	live.Visit([]RegAccess{{Reg: RAX, Write: true, FullWrite: false}})
	require.True(t, live.IsLive(RAX))
}

func TestLiveRegisterSet_FullWriteKills(t *testing.T) {
	live := NewLiveRegisterSet(0)
	live.set = live.set.Add(RAX)
	live.Visit([]RegAccess{{Reg: RAX, Write: true, FullWrite: true}})
	require.False(t, live.IsLive(RAX))
}

func TestLiveRegisterSet_LegacyHighByteRevivesExtended(t *testing.T) {
	live := NewLiveRegisterSet(0)
	live.Visit([]RegAccess{{Reg: RAX, LegacyHighByte: true}})
	require.True(t, live.IsLive(R8))
	require.True(t, live.IsLive(R15))
}
