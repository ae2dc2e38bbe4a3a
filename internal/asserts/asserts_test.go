package asserts

import (
	"testing"

	"github.com/granaryproject/granary/internal/logging"
	"github.com/granaryproject/granary/internal/testing/require"
)

func TestAssertPassesSilently(t *testing.T) {
	Assert(true, "unreachable: %d", 1)
}

func TestAssertPanicsWithViolation(t *testing.T) {
	defer SetTrace(nil)
	rb := logging.NewRingBuffer(4)
	rb.Append("decoded instr at 0x1000")
	SetTrace(rb)

	v := require.CapturePanic(func() {
		Assert(false, "operand width mismatch: got %d want %d", 32, 64)
	})

	violation, ok := v.(*Violation)
	require.True(t, ok)
	require.Equal(t, "operand width mismatch: got 32 want 64", violation.Message)
	require.Equal(t, []string{"decoded instr at 0x1000"}, violation.Trace)
	require.Equal(t, "BUG: operand width mismatch: got 32 want 64", violation.Error())
}

func TestUnreachablePanics(t *testing.T) {
	defer SetTrace(nil)
	v := require.CapturePanic(func() {
		Unreachable("exhaustive switch fell through on kind %d", 7)
	})

	violation, ok := v.(*Violation)
	require.True(t, ok)
	require.Equal(t, "exhaustive switch fell through on kind 7", violation.Message)
}
