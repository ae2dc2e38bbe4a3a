package module

import (
	"testing"

	"github.com/granaryproject/granary/internal/testing/require"
)

func TestAddRangeThenContains(t *testing.T) {
	m := New(KindProgram, "a.out")
	m.AddRange(100, 125, 0, PermExecute)
	m.AddRange(125, 175, 25, PermExecute)
	m.AddRange(175, 200, 75, PermExecute)

	for pc := uint64(100); pc < 200; pc++ {
		require.True(t, m.Contains(pc))
	}
	require.False(t, m.Contains(99))
	require.False(t, m.Contains(200))
}

func TestRemoveMiddleRangeUncoversIt(t *testing.T) {
	m := New(KindProgram, "a.out")
	m.AddRange(100, 125, 0, PermExecute)
	m.AddRange(125, 175, 25, PermExecute)
	m.AddRange(175, 200, 75, PermExecute)

	m.RemoveRange(125, 175)

	require.Len(t, m.Ranges(), 2)
	require.True(t, m.Contains(110))
	require.False(t, m.Contains(150))
	require.True(t, m.Contains(180))
}

func TestAddRangeSplitsAnExistingRange(t *testing.T) {
	m := New(KindProgram, "a.out")
	m.AddRange(0, 100, 0, PermExecute)

	m.AddRange(40, 60, 1000, PermWrite)

	ranges := m.Ranges()
	require.Len(t, ranges, 3)
	require.Equal(t, uint64(0), ranges[0].BeginAddr)
	require.Equal(t, uint64(40), ranges[0].EndAddr)
	require.Equal(t, uint64(40), ranges[1].BeginAddr)
	require.Equal(t, uint64(60), ranges[1].EndAddr)
	require.Equal(t, PermWrite, ranges[1].Perms)
	require.Equal(t, uint64(60), ranges[2].BeginAddr)
	require.Equal(t, uint64(100), ranges[2].EndAddr)
}

func TestAddRangeOverlappingLeftShrinksExisting(t *testing.T) {
	m := New(KindProgram, "a.out")
	m.AddRange(50, 100, 0, PermExecute)

	m.AddRange(0, 75, 500, PermWrite)

	ranges := m.Ranges()
	require.Len(t, ranges, 2)
	require.Equal(t, uint64(0), ranges[0].BeginAddr)
	require.Equal(t, uint64(75), ranges[0].EndAddr)
	require.Equal(t, uint64(75), ranges[1].BeginAddr)
	require.Equal(t, uint64(100), ranges[1].EndAddr)
}

func TestAddRangeFullySubsumedDropsExisting(t *testing.T) {
	m := New(KindProgram, "a.out")
	m.AddRange(40, 60, 0, PermExecute)

	m.AddRange(0, 100, 500, PermWrite)

	ranges := m.Ranges()
	require.Len(t, ranges, 1)
	require.Equal(t, uint64(0), ranges[0].BeginAddr)
	require.Equal(t, uint64(100), ranges[0].EndAddr)
}

func TestAddRangeNormalizesReversedSpan(t *testing.T) {
	m := New(KindProgram, "a.out")
	m.AddRange(100, 50, 0, PermRead)

	require.True(t, m.Contains(75))
}

func TestOffsetOf(t *testing.T) {
	m := New(KindProgram, "a.out")
	m.AddRange(1000, 1100, 50, PermExecute)

	offset, ok := m.OffsetOf(1010)
	require.True(t, ok)
	require.Equal(t, uint64(60), offset)

	_, ok = m.OffsetOf(2000)
	require.False(t, ok)
}
