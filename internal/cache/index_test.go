package cache

import (
	"testing"

	"github.com/granaryproject/granary/internal/metadata"
	"github.com/granaryproject/granary/internal/testing/require"
)

func newTestManager() *metadata.Manager {
	m := metadata.NewManager()
	metadata.RegisterBuiltins(m)
	m.Finalize()
	return m
}

func TestIndexLookupMissOnEmptyIndex(t *testing.T) {
	m := newTestManager()
	x := NewIndex(4)
	q := m.Allocate()
	q.Cast("AppMetaData").(*metadata.AppMetaData).AppPC = 0x1000

	_, status := x.Lookup(q)
	require.Equal(t, metadata.Reject, status)
}

func TestIndexInsertThenLookupAccepts(t *testing.T) {
	m := newTestManager()
	x := NewIndex(4)

	rec := m.Allocate()
	rec.Cast("AppMetaData").(*metadata.AppMetaData).AppPC = 0x2000
	x.Insert(rec)

	q := m.Allocate()
	q.Cast("AppMetaData").(*metadata.AppMetaData).AppPC = 0x2000

	got, status := x.Lookup(q)
	require.Equal(t, metadata.Accept, status)
	require.Equal(t, rec, got)
}

func TestIndexLookupAdaptsOnDivergentStackHint(t *testing.T) {
	m := newTestManager()
	x := NewIndex(4)

	rec := m.Allocate()
	rec.Cast("AppMetaData").(*metadata.AppMetaData).AppPC = 0x3000
	x.Insert(rec)

	q := m.Allocate()
	q.Cast("AppMetaData").(*metadata.AppMetaData).AppPC = 0x3000
	q.Cast("StackMetaData").(*metadata.StackMetaData).HasStackHint = true

	got, status := x.Lookup(q)
	require.Equal(t, metadata.Adapt, status)
	require.Equal(t, rec, got)
}

func TestIndexLookupRejectsDistinctAppPC(t *testing.T) {
	m := newTestManager()
	x := NewIndex(4)

	rec := m.Allocate()
	rec.Cast("AppMetaData").(*metadata.AppMetaData).AppPC = 0x4000
	x.Insert(rec)

	q := m.Allocate()
	q.Cast("AppMetaData").(*metadata.AppMetaData).AppPC = 0x5000

	_, status := x.Lookup(q)
	require.Equal(t, metadata.Reject, status)
}

func TestIndexRemoveUnlinksFromChain(t *testing.T) {
	m := newTestManager()
	x := NewIndex(0) // force both records into the same bucket

	a := m.Allocate()
	a.Cast("AppMetaData").(*metadata.AppMetaData).AppPC = 0x1
	b := m.Allocate()
	b.Cast("AppMetaData").(*metadata.AppMetaData).AppPC = 0x2

	x.Insert(a)
	x.Insert(b)
	x.Remove(b)

	q := m.Allocate()
	q.Cast("AppMetaData").(*metadata.AppMetaData).AppPC = 0x2
	_, status := x.Lookup(q)
	require.Equal(t, metadata.Reject, status)

	q2 := m.Allocate()
	q2.Cast("AppMetaData").(*metadata.AppMetaData).AppPC = 0x1
	got, status2 := x.Lookup(q2)
	require.Equal(t, metadata.Accept, status2)
	require.Equal(t, a, got)
}
