package metadata

import (
	"hash/fnv"
	"testing"

	"github.com/granaryproject/granary/internal/testing/require"
)

func newTestManager() *Manager {
	m := NewManager()
	RegisterBuiltins(m)
	m.Finalize()
	return m
}

func TestRegisterAfterFinalizePanics(t *testing.T) {
	m := newTestManager()
	panicked := require.CapturePanic(func() {
		m.Register(&Descriptor{Name: "Late", Policy: PolicyMutable, New: func() any { return &struct{}{} }})
	})
	require.NotNil(t, panicked)
}

func TestAllocateProducesIndependentRecords(t *testing.T) {
	m := newTestManager()
	a := m.Allocate()
	b := m.Allocate()

	a.Cast("AppMetaData").(*AppMetaData).AppPC = 0x1000
	require.Equal(t, uint64(0), b.Cast("AppMetaData").(*AppMetaData).AppPC)
}

func TestAppMetaDataEqualsAndHash(t *testing.T) {
	m := newTestManager()
	a := m.Allocate()
	b := m.Allocate()
	a.Cast("AppMetaData").(*AppMetaData).AppPC = 0x4000
	b.Cast("AppMetaData").(*AppMetaData).AppPC = 0x4000

	require.True(t, a.Equals(b))

	ha, hb := fnv.New64a(), fnv.New64a()
	a.Hash(ha)
	b.Hash(hb)
	require.Equal(t, ha.Sum64(), hb.Sum64())
}

func TestAppMetaDataHashDiffersOnDistinctPC(t *testing.T) {
	m := newTestManager()
	a := m.Allocate()
	b := m.Allocate()
	a.Cast("AppMetaData").(*AppMetaData).AppPC = 0x4000
	b.Cast("AppMetaData").(*AppMetaData).AppPC = 0x5000

	require.False(t, a.Equals(b))
	ha, hb := fnv.New64a(), fnv.New64a()
	a.Hash(ha)
	b.Hash(hb)
	require.NotEqual(t, ha.Sum64(), hb.Sum64())
}

func TestCacheMetaDataIgnoredByEquals(t *testing.T) {
	m := newTestManager()
	a := m.Allocate()
	b := m.Allocate()
	a.Cast("AppMetaData").(*AppMetaData).AppPC = 0x9000
	b.Cast("AppMetaData").(*AppMetaData).AppPC = 0x9000
	a.Cast("CacheMetaData").(*CacheMetaData).StartPC = 0xaaaa
	b.Cast("CacheMetaData").(*CacheMetaData).StartPC = 0xbbbb

	require.True(t, a.Equals(b), "CacheMetaData must never affect Indexable equality")
}

func TestCopyDeepCopiesCacheMetaData(t *testing.T) {
	m := newTestManager()
	a := m.Allocate()
	a.Cast("CacheMetaData").(*CacheMetaData).NativeAddresses = []uint64{1, 2, 3}

	b := a.Copy()
	b.Cast("CacheMetaData").(*CacheMetaData).NativeAddresses[0] = 99

	require.Equal(t, uint64(1), a.Cast("CacheMetaData").(*CacheMetaData).NativeAddresses[0])
}

func TestStackMetaDataCanUnify(t *testing.T) {
	m := newTestManager()
	a := m.Allocate()
	b := m.Allocate()

	require.Equal(t, Accept, a.CanUnifyWith(b))

	b.Cast("StackMetaData").(*StackMetaData).HasStackHint = true
	require.Equal(t, Adapt, a.CanUnifyWith(b))

	a.Cast("StackMetaData").(*StackMetaData).BehavesLikeCallstack = true
	require.Equal(t, Reject, a.CanUnifyWith(b))
}

func TestIndexMetaDataCopyDetaches(t *testing.T) {
	m := newTestManager()
	a := m.Allocate()
	b := m.Allocate()
	a.Cast("IndexMetaData").(*IndexMetaData).Next = b

	c := a.Copy()
	require.Nil(t, c.Cast("IndexMetaData").(*IndexMetaData).Next)
}
