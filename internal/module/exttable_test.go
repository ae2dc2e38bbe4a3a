package module

import (
	"testing"

	"github.com/granaryproject/granary/internal/testing/require"
)

// buildTable lays out entries at consecutive 8-byte slots starting at
// base, computing each rel32 field from an absolute (faultPC, recoveryPC)
// pair so tests can reason in absolute addresses.
func buildTable(base uint64, pairs [][2]uint64) *ExceptionTable {
	entries := make([]ExceptionTableEntry, len(pairs))
	for i, p := range pairs {
		faultFieldAddr := base + uint64(i)*entrySize
		fixupFieldAddr := faultFieldAddr + 4
		entries[i] = ExceptionTableEntry{
			FaultAddrRel32: int32(int64(p[0]) - int64(faultFieldAddr)),
			FixupAddrRel32: int32(int64(p[1]) - int64(fixupFieldAddr)),
		}
	}
	return &ExceptionTable{Base: base, Entries: entries, ErrorSentinel: DefaultErrorSentinel}
}

func TestExceptionTableFindAndRecoveryAddress(t *testing.T) {
	tbl := buildTable(0x10000, [][2]uint64{
		{0x2000, 0x3000},
		{0x2100, 0x3100},
		{0x2200, 0x3200},
	})

	idx, ok := tbl.Find(0x2100)
	require.True(t, ok)
	require.Equal(t, 1, idx)
	require.False(t, tbl.IsError(idx))
	require.Equal(t, uint64(0x3100), tbl.RecoveryAddress(idx))

	_, ok = tbl.Find(0x9999)
	require.False(t, ok)
}

func TestExceptionTableErrorEntryBiasesRecoveryAddress(t *testing.T) {
	const fault = 0x4000
	recovery := uint64(0x5000)
	biasedFixup := recovery + DefaultErrorSentinel

	tbl := buildTable(0x10000, [][2]uint64{{fault, biasedFixup}})

	require.True(t, tbl.IsError(0))
	require.Equal(t, recovery, tbl.RecoveryAddress(0))
}

func TestOrder(t *testing.T) {
	require.Equal(t, 3, Order(64))
	require.Equal(t, 2, Order(32))
	require.Equal(t, 1, Order(16))
	require.Equal(t, 0, Order(8))
}
